// Package clusterauth authenticates inter-node RPCs. It is not part of
// spec.md — it supplements it per SPEC_FULL.md §6.2: a trusted-operator
// cluster still benefits from verifying that /consensus, /replicate, and
// /time_sync calls actually originate from a configured peer, short of any
// Byzantine-fault-tolerance guarantee.
package clusterauth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

const tokenTTL = 30 * time.Second

type claims struct {
	jwt.RegisteredClaims
	NodeID string `json:"node_id"`
}

// Signer mints short-lived HS256 tokens identifying the calling node.
type Signer struct {
	secret []byte
	nodeID string
}

func NewSigner(secret, nodeID string) *Signer {
	return &Signer{secret: []byte(secret), nodeID: nodeID}
}

// Sign returns a bearer token asserting s.nodeID, valid for tokenTTL.
func (s *Signer) Sign() (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		NodeID: s.nodeID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing cluster token")
	}
	return signed, nil
}

// Verifier checks tokens minted by any node's Signer sharing the same secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the asserted node id if tok is a valid, unexpired token.
func (v *Verifier) Verify(tok string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tok, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "parsing cluster token")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid cluster token")
	}
	return c.NodeID, nil
}
