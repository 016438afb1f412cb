// Package bank enumerates the partner banks that service loan applications.
package bank

import (
	"fmt"
	"strings"

	"loan-workflow/internal/pkg/apperrors"
)

type Code string

const (
	SBI   Code = "SBI"
	HDFC  Code = "HDFC"
	ICICI Code = "ICICI"
	Axis  Code = "AXIS"
	PNB   Code = "PNB"
	BOB   Code = "BOB"
)

var names = map[Code]string{
	SBI:   "State Bank of India",
	HDFC:  "HDFC Bank",
	ICICI: "ICICI Bank",
	Axis:  "Axis Bank",
	PNB:   "Punjab National Bank",
	BOB:   "Bank of Baroda",
}

// All returns the partner banks in a stable order.
func All() []Code {
	return []Code{SBI, HDFC, ICICI, Axis, PNB, BOB}
}

func (c Code) Valid() bool {
	_, ok := names[c]
	return ok
}

func (c Code) Name() string {
	return names[c]
}

// Parse accepts either the code or the display name, case-insensitively.
func Parse(s string) (Code, error) {
	s = strings.TrimSpace(s)
	for code, name := range names {
		if strings.EqualFold(s, string(code)) || strings.EqualFold(s, name) {
			return code, nil
		}
	}
	return "", apperrors.NewValidationError("bankName", fmt.Sprintf("unknown partner bank %q", s))
}
