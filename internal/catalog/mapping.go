// Package catalog loads the two immutable lookup tables the pipeline reads
// from: the mapping catalog ((equip_tag, message_id) -> object/type) and the
// device catalog (object -> device ids). Both are loaded once at startup;
// a missing file or duplicate key is a fatal configuration error.
package catalog

import (
	"fmt"
	"os"

	"github.com/fieldbridge/databridge/internal/events"
	"gopkg.in/yaml.v3"
)

// MappingRule is one immutable entry of the mapping catalog.
type MappingRule struct {
	EquipTag  string          `yaml:"equip_tag"`
	MessageID string          `yaml:"message_id"`
	Object    string          `yaml:"object"`
	ValueType events.ValueType `yaml:"value_type"`
}

type mappingKey struct {
	equipTag  string
	messageID string
}

type mappingDocument struct {
	Mappings []MappingRule `yaml:"mappings"`
}

// MappingCatalog is a read-only lookup table, safe for concurrent use by
// all pipeline stages once loaded.
type MappingCatalog struct {
	rules map[mappingKey]MappingRule
}

// LoadMappingCatalog reads and validates the mapping catalog document at
// path. Duplicate (equip_tag, message_id) keys are a fatal error — the
// document is never silently de-duplicated.
func LoadMappingCatalog(path string) (*MappingCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping catalog %s: %v", ErrCatalogInvalid, path, err)
	}

	var doc mappingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: mapping catalog %s: %v", ErrCatalogInvalid, path, err)
	}

	rules := make(map[mappingKey]MappingRule, len(doc.Mappings))
	for _, rule := range doc.Mappings {
		if err := validateValueType(rule.ValueType); err != nil {
			return nil, fmt.Errorf("%w: mapping catalog %s: %v", ErrCatalogInvalid, path, err)
		}
		key := mappingKey{equipTag: rule.EquipTag, messageID: rule.MessageID}
		if _, exists := rules[key]; exists {
			return nil, fmt.Errorf("%w: mapping catalog %s: duplicate key (%s, %s)",
				ErrCatalogInvalid, path, rule.EquipTag, rule.MessageID)
		}
		rules[key] = rule
	}

	return &MappingCatalog{rules: rules}, nil
}

// Lookup returns the rule for (equipTag, messageID), or false if absent.
func (c *MappingCatalog) Lookup(equipTag, messageID string) (MappingRule, bool) {
	rule, ok := c.rules[mappingKey{equipTag: equipTag, messageID: messageID}]
	return rule, ok
}

// Len reports the number of loaded rules, mostly useful for tests and
// startup logging.
func (c *MappingCatalog) Len() int { return len(c.rules) }

// Objects returns the set of distinct object names the catalog maps to,
// used by CrossValidate to check every mapped object has a subscriber.
func (c *MappingCatalog) Objects() map[string]bool {
	out := make(map[string]bool)
	for _, rule := range c.rules {
		out[rule.Object] = true
	}
	return out
}

func validateValueType(t events.ValueType) error {
	switch t {
	case events.TypeInteger, events.TypeFloat, events.TypeText, events.TypeBoolean:
		return nil
	default:
		return fmt.Errorf("unknown value_type %q", t)
	}
}
