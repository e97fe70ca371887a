package token

import (
	"fmt"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
)

const challengePlainSize = limits.ChallengeTokenSize - crypto.Overhead

// ChallengeToken proves a client can receive at the address it claims. The
// server seals it under a per-instance key that never leaves the process.
type ChallengeToken struct {
	ClientID uint64
	UserData [limits.UserDataSize]byte
}

// EncryptChallenge seals ct under key with the server's challenge sequence as
// nonce. The result is always limits.ChallengeTokenSize bytes.
func EncryptChallenge(ct *ChallengeToken, sequence uint64, key *crypto.Key) []byte {
	w := writer{buf: make([]byte, 0, challengePlainSize)}
	w.uint64(ct.ClientID)
	w.bytes(ct.UserData[:])
	w.pad(challengePlainSize)

	return crypto.Seal(make([]byte, 0, limits.ChallengeTokenSize), key, sequence, nil, w.buf)
}

// DecryptChallenge opens a challenge token sealed by EncryptChallenge.
func DecryptChallenge(sealed []byte, sequence uint64, key *crypto.Key) (*ChallengeToken, error) {
	if len(sealed) != limits.ChallengeTokenSize {
		return nil, fmt.Errorf("%w: challenge token is %d bytes", ErrInvalidFormat, len(sealed))
	}
	plain, err := crypto.Open(make([]byte, 0, challengePlainSize), key, sequence, nil, sealed)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	ct := &ChallengeToken{}
	r := reader{buf: plain}
	ct.ClientID = r.uint64()
	r.copyTo(ct.UserData[:])
	if r.err != nil {
		return nil, r.err
	}
	return ct, nil
}
