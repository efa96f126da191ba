package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceCatalog maps an object name to its ordered, fan-out list of device
// ids. Order and duplicates are preserved verbatim: a device listed twice
// for an object receives the event twice.
type DeviceCatalog struct {
	devices map[string][]string
}

// LoadDeviceCatalog reads the device catalog document at path: a single
// YAML mapping from object name to a sequence of device ids.
func LoadDeviceCatalog(path string) (*DeviceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: device catalog %s: %v", ErrCatalogInvalid, path, err)
	}

	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: device catalog %s: %v", ErrCatalogInvalid, path, err)
	}

	return &DeviceCatalog{devices: raw}, nil
}

// DevicesFor returns the device ids registered for object, in catalog order.
// An unknown object returns an empty, non-nil slice — this is not an error;
// the Resolver treats it as a drop.
func (c *DeviceCatalog) DevicesFor(object string) []string {
	devices := c.devices[object]
	if devices == nil {
		return []string{}
	}
	out := make([]string, len(devices))
	copy(out, devices)
	return out
}

// KnownDeviceIDs returns the union of every device id appearing anywhere in
// the catalog ("the set of valid device identifiers").
func (c *DeviceCatalog) KnownDeviceIDs() map[string]bool {
	out := make(map[string]bool)
	for _, ids := range c.devices {
		for _, id := range ids {
			out[id] = true
		}
	}
	return out
}
