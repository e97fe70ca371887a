package crypto

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// MACSize is the size of a token MAC.
const MACSize = blake2b.Size256

// MAC computes a keyed BLAKE2b-256 over data. It authenticates the public
// portion of a connect token with the long-term private key.
func MAC(key *Key, data []byte) [MACSize]byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic("blake2b: " + err.Error())
	}
	h.Write(data)

	var out [MACSize]byte
	h.Sum(out[:0])
	return out
}

// VerifyMAC reports whether tag is the MAC of data under key. The comparison
// runs in constant time.
func VerifyMAC(key *Key, data, tag []byte) bool {
	if len(tag) != MACSize {
		return false
	}
	expected := MAC(key, data)
	return subtle.ConstantTimeCompare(expected[:], tag) == 1
}
