package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvValue(t *testing.T) {
	t.Setenv("PARLEY_TEST_TOKEN", "s3cret")

	got, err := ExpandEnvValue("Bearer ${PARLEY_TEST_TOKEN}")
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", got)

	// Plain values pass through untouched.
	got, err = ExpandEnvValue("no refs here")
	require.NoError(t, err)
	assert.Equal(t, "no refs here", got)
}

func TestExpandEnvValueMissingVariable(t *testing.T) {
	_, err := ExpandEnvValue("${PARLEY_TEST_DEFINITELY_UNSET}")
	assert.ErrorIs(t, err, ErrMissingEnvVar)
}

func TestExpandEnvValueEmptyIsNotMissing(t *testing.T) {
	t.Setenv("PARLEY_TEST_EMPTY", "")
	got, err := ExpandEnvValue("x${PARLEY_TEST_EMPTY}y")
	require.NoError(t, err)
	assert.Equal(t, "xy", got)
}

func TestExpandEnvMap(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "abc")

	got, err := ExpandEnvMap(map[string]string{
		"API_KEY": "${PARLEY_TEST_KEY}",
		"MODE":    "production",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "abc", "MODE": "production"}, got)

	// Any missing variable aborts the whole expansion.
	_, err = ExpandEnvMap(map[string]string{
		"OK":     "${PARLEY_TEST_KEY}",
		"BROKEN": "${PARLEY_TEST_DEFINITELY_UNSET}",
	})
	assert.ErrorIs(t, err, ErrMissingEnvVar)
}

func TestExpandEnvMapEmpty(t *testing.T) {
	got, err := ExpandEnvMap(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
