package db

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// NumericArg renders an optional amount as a NUMERIC query argument.
func NumericArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// ParseNumeric parses a NUMERIC column selected as text.
func ParseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

// ParseNullNumeric parses a nullable NUMERIC column selected as text.
func ParseNullNumeric(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := ParseNumeric(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// JSONArg marshals v for a nullable JSONB column; nil pointers become NULL.
func JSONArg[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ScanJSON decodes a nullable JSONB column into a fresh *T.
func ScanJSON[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
