package bank

import (
	"errors"
	"testing"

	"loan-workflow/internal/pkg/apperrors"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Code
	}{
		{"SBI", SBI},
		{"hdfc", HDFC},
		{"  ICICI Bank ", ICICI},
		{"axis", Axis},
		{"Punjab National Bank", PNB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("Bank of Nowhere")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestAllAreValid(t *testing.T) {
	for _, c := range All() {
		assert.True(t, c.Valid(), c)
		assert.NotEmpty(t, c.Name(), c)
	}
	assert.False(t, Code("XYZ").Valid())
}
