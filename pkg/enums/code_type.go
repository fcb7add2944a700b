package enums

import "fmt"

// CodeType distinguishes promo codes from creator codes in redemption records.
type CodeType string

const (
	CodeTypePromo   CodeType = "promo"
	CodeTypeCreator CodeType = "creator"
)

var validCodeTypes = []CodeType{
	CodeTypePromo,
	CodeTypeCreator,
}

// IsValid reports whether the value matches the canonical code type enum.
func (c CodeType) IsValid() bool {
	for _, candidate := range validCodeTypes {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCodeType converts the raw string to CodeType.
func ParseCodeType(value string) (CodeType, error) {
	for _, candidate := range validCodeTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid code type %q", value)
}
