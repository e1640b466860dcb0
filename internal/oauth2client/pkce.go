package oauth2client

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/oauth2"
)

const (
	// VerifierLength is the PKCE code verifier length, the RFC 7636 maximum.
	VerifierLength = 128

	ChallengeMethodS256 = "S256"

	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// PKCE holds one authorization's proof key.
type PKCE struct {
	Verifier        string
	Challenge       string
	ChallengeMethod string
}

// GeneratePKCE draws a fresh verifier from the RFC 7636 unreserved alphabet
// and derives its S256 challenge.
func GeneratePKCE() (PKCE, error) {
	buf := make([]byte, VerifierLength)
	max := big.NewInt(int64(len(verifierAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return PKCE{}, fmt.Errorf("failed to generate pkce verifier: %w", err)
		}
		buf[i] = verifierAlphabet[n.Int64()]
	}
	verifier := string(buf)
	return PKCE{
		Verifier:        verifier,
		Challenge:       oauth2.S256ChallengeFromVerifier(verifier),
		ChallengeMethod: ChallengeMethodS256,
	}, nil
}
