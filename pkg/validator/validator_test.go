package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusParams struct {
	UserID string  `json:"user_id" validate:"required,max=8"`
	Status *string `json:"status,omitempty" validate:"omitempty,oneof=online away"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	errs, ok := v.Validate(statusParams{UserID: "u1"})
	assert.True(t, ok)
	assert.Empty(t, errs)

	bad := "sleeping"
	errs, ok = v.Validate(statusParams{UserID: "way-too-long-id", Status: &bad})
	require.False(t, ok)
	require.Len(t, errs, 2)
	assert.Equal(t, "user_id", errs[0].Field)
	assert.Equal(t, "MAX", errs[0].Code)
	assert.Equal(t, "status", errs[1].Field)
	assert.Equal(t, "status must be one of [online away]", errs[1].Message)
}

func TestStruct(t *testing.T) {
	v := NewValidator()

	err := v.Struct(statusParams{})
	require.Error(t, err)

	var verrs Errors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "user_id is required", verrs[0].Message)
	assert.Contains(t, err.Error(), "validation failed")

	assert.NoError(t, v.Struct(statusParams{UserID: "u1"}))
}
