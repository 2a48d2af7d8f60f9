package main

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratingstudy/internal/security"
)

func TestNewStoreSecret(t *testing.T) {
	a, err := newStoreSecret()
	require.NoError(t, err)
	b, err := newStoreSecret()
	require.NoError(t, err)

	raw, err := hex.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, security.RecommendedKeySize)
	assert.NoError(t, security.ValidateKeyStrength([]byte(a)))
	assert.NotEqual(t, a, b)
}
