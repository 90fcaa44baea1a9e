package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bookingsaga/errors"
)

func TestStringLength(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		min, max int
		wantErr  bool
	}{
		{"valid", "hello", 3, 10, false},
		{"too short", "ab", 3, 10, true},
		{"too long", "abcdefghijk", 3, 10, true},
		{"min boundary", "abc", 3, 10, false},
		{"max boundary", "abcdefghij", 3, 10, false},
		{"no max", strings.Repeat("a", 1000), 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StringLength(tt.value, "field", tt.min, tt.max)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestID(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"bk1", false},
		{"booking-2024.01:42", false},
		{"", true},
		{"   ", true},
		{"has space", true},
		{"semi;colon", true},
		{strings.Repeat("x", MaxIDLength), false},
		{strings.Repeat("x", MaxIDLength+1), true},
	}
	for _, tt := range tests {
		err := ID(tt.value, "booking id")
		assert.Equal(t, tt.wantErr, err != nil, "value %q", tt.value)
	}
}

func TestRequiredAndEnum(t *testing.T) {
	err := Required(" ", "reason")
	require.Error(t, err)
	assert.Equal(t, "reason is required", apperrors.SafeMessage(err))

	assert.NoError(t, Enum("PAID", "status", []string{"CONFIRMED", "PAID"}))
	err = Enum("WEIRD", "status", []string{"CONFIRMED", "PAID"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"WEIRD"`)
}

func TestNonNegative(t *testing.T) {
	assert.NoError(t, NonNegative(0, "amount"))
	assert.True(t, apperrors.IsValidation(NonNegative(-1, "amount")))
}

func TestAll(t *testing.T) {
	assert.NoError(t, All(nil, Required("x", "a"), nil))

	err := All(Required("", "booking id"), nil, NonNegative(-5, "refund amount"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "booking id is required; refund amount must not be negative (got -5)", apperrors.SafeMessage(err))
}
