package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRandByteArray(t *testing.T) {
	salt := GenerateRandByteArray(16)
	assert.Len(t, salt, 16)
	assert.NotEqual(t, salt, GenerateRandByteArray(16), "two salts should differ")
	assert.Empty(t, GenerateRandByteArray(0))
}

func TestWipeByteArray(t *testing.T) {
	pw := []byte("correct horse")
	WipeByteArray(pw)
	assert.Equal(t, make([]byte, len("correct horse")), pw)

	assert.NotPanics(t, func() { WipeByteArray(nil) })
}
