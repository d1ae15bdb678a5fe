package enums

import "fmt"

// InventoryStatus tracks the lifecycle of a single physical copy.
type InventoryStatus string

const (
	InventoryStatusInStock  InventoryStatus = "in_stock"
	InventoryStatusReserved InventoryStatus = "reserved"
	InventoryStatusSold     InventoryStatus = "sold"
)

var validInventoryStatuses = []InventoryStatus{
	InventoryStatusInStock,
	InventoryStatusReserved,
	InventoryStatusSold,
}

// String implements fmt.Stringer.
func (i InventoryStatus) String() string {
	return string(i)
}

// IsValid reports whether the value is a known InventoryStatus.
func (i InventoryStatus) IsValid() bool {
	for _, candidate := range validInventoryStatuses {
		if candidate == i {
			return true
		}
	}
	return false
}

// ParseInventoryStatus converts raw input into an InventoryStatus.
func ParseInventoryStatus(value string) (InventoryStatus, error) {
	for _, candidate := range validInventoryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inventory status %q", value)
}
