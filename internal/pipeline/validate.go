package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// LoadLocation resolves an IANA zone name. Empty and "Local" are rejected so
// a store never silently inherits the host's zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTimeZone, name, err)
	}
	return loc, nil
}

// ValidateCurrency checks an ISO 4217 style code: three ASCII letters.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: base currency %q", ErrInvalidStoreConfig, code)
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return fmt.Errorf("%w: base currency %q", ErrInvalidStoreConfig, code)
		}
	}
	return nil
}
