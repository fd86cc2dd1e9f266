package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var defaultResolver = newNameResolver(func() (*pcidb.PCIDB, error) {
	return pcidb.New()
})

// nameResolver maps PCI ids to marketing names. The database is loaded on
// first use and a load failure disables lookups.
type nameResolver struct {
	load func() (*pcidb.PCIDB, error)

	once sync.Once
	db   *pcidb.PCIDB
}

func newNameResolver(load func() (*pcidb.PCIDB, error)) *nameResolver {
	return &nameResolver{load: load}
}

func (r *nameResolver) database() *pcidb.PCIDB {
	r.once.Do(func() {
		db, err := r.load()
		if err == nil {
			r.db = db
		}
	})
	return r.db
}

func (r *nameResolver) lookup(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := r.database()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil || subsystem.Name == "" {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

// normalizePCIID lowercases and zero-pads to the four digit form pci.ids uses.
func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(strings.ToLower(value), "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// preferResolved reports whether a database name should replace what sysfs
// reported. Generic driver names and raw ids are replaced.
func preferResolved(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch {
	case lower == "", lower == "amdgpu", lower == "radeon", lower == "unknown":
		return true
	case strings.HasPrefix(lower, "pci device"), strings.HasPrefix(lower, "0x"):
		return true
	}
	return false
}
