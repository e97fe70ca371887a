package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMACVerify(t *testing.T) {
	key := testKey(t)
	data := []byte("public token fields")

	tag := MAC(&key, data)
	assert.True(t, VerifyMAC(&key, data, tag[:]))
	assert.Equal(t, tag, MAC(&key, data), "MAC must be deterministic")
}

func TestMACRejectsAlteredInput(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	data := []byte("public token fields")
	tag := MAC(&key, data)

	altered := append([]byte(nil), data...)
	altered[3] ^= 0x80
	assert.False(t, VerifyMAC(&key, altered, tag[:]))

	badTag := tag
	badTag[0] ^= 0x01
	assert.False(t, VerifyMAC(&key, data, badTag[:]))

	assert.False(t, VerifyMAC(&other, data, tag[:]))
	assert.False(t, VerifyMAC(&key, data, tag[:16]))
	assert.False(t, VerifyMAC(&key, data, nil))
}
