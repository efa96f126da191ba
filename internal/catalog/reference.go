package catalog

import (
	"fmt"
	"sort"
)

// CrossValidate checks that every object the mapping catalog can produce
// has at least one subscriber in the device catalog. An orphaned mapping
// would silently drop every event it ever produces at the Resolver stage,
// which is a startup-time configuration mistake, not a runtime condition
// (exit code 3).
func CrossValidate(mapping *MappingCatalog, device *DeviceCatalog) error {
	var orphaned []string
	for object := range mapping.Objects() {
		if len(device.DevicesFor(object)) == 0 {
			orphaned = append(orphaned, object)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}
	sort.Strings(orphaned)
	return fmt.Errorf("%w: mapped object(s) with no device subscribers: %v", ErrCatalogReference, orphaned)
}
