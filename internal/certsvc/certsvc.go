// Package certsvc verifies a signed configuration document when
// PETRA_VERIFY_CONFIG is set: EdDSA-signed tokens keyed off base64-encoded
// environment variables, used for a one-shot config-integrity check at
// startup rather than a session login token.
package certsvc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lithos-systems/petra/internal/perr"
)

// configClaims is the JWT payload signed over a config document: its
// sha256 digest plus standard registered claims (issuer, issued-at).
type configClaims struct {
	ConfigDigest string `json:"config_digest"`
	jwt.RegisteredClaims
}

// Verifier checks a PETRA_VERIFY_CONFIG token against an ed25519 public
// key and a config document's digest.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier constructs a Verifier from a base64-encoded ed25519 public
// key, the format expected in the PETRA_CONFIG_PUBLIC_KEY environment
// variable.
func NewVerifier(base64PublicKey string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(base64PublicKey)
	if err != nil {
		return nil, perr.Config("certsvc.NewVerifier", fmt.Errorf("decoding public key: %w", err))
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, perr.Config("certsvc.NewVerifier", fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize))
	}
	return &Verifier{publicKey: ed25519.PublicKey(raw)}, nil
}

// Verify parses and validates token, then checks that its embedded config
// digest matches configDigest (typically sha256 of the raw config bytes).
// A mismatch or an invalid/expired/wrongly-signed token both return an
// error; the caller should refuse to start either way.
func (v *Verifier) Verify(token string, configDigest string) error {
	parsed, err := jwt.ParseWithClaims(token, &configClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method %q, want EdDSA", t.Method.Alg())
		}
		return v.publicKey, nil
	})
	if err != nil {
		return perr.Protocol("certsvc.Verify", fmt.Errorf("parsing config token: %w", err))
	}

	claims, ok := parsed.Claims.(*configClaims)
	if !ok || !parsed.Valid {
		return perr.Protocol("certsvc.Verify", fmt.Errorf("config token failed validation"))
	}
	if claims.ConfigDigest != configDigest {
		return perr.Protocol("certsvc.Verify", fmt.Errorf("config token digest %q does not match loaded config digest %q", claims.ConfigDigest, configDigest))
	}
	return nil
}

// Signer issues PETRA_VERIFY_CONFIG tokens, for operator-side tooling that
// prepares a signed config for deployment. The petra binary itself never
// signs: it only verifies, and its -keygen flag only generates keys.
type Signer struct {
	privateKey ed25519.PrivateKey
	issuer     string
}

// NewSigner constructs a Signer from a base64-encoded ed25519 private key.
func NewSigner(base64PrivateKey, issuer string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(base64PrivateKey)
	if err != nil {
		return nil, perr.Config("certsvc.NewSigner", fmt.Errorf("decoding private key: %w", err))
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, perr.Config("certsvc.NewSigner", fmt.Errorf("private key is %d bytes, want %d", len(raw), ed25519.PrivateKeySize))
	}
	return &Signer{privateKey: ed25519.PrivateKey(raw), issuer: issuer}, nil
}

// Sign produces a PETRA_VERIFY_CONFIG token attesting to configDigest.
func (s *Signer) Sign(configDigest string) (string, error) {
	claims := configClaims{
		ConfigDigest:     configDigest,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: s.issuer},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", perr.Protocol("certsvc.Sign", fmt.Errorf("signing config token: %w", err))
	}
	return signed, nil
}

// GenerateKeypair produces a fresh base64-encoded ed25519 keypair, the same
// generation `petra -keygen` uses to provision PETRA_CONFIG_PUBLIC_KEY/
// PETRA_CONFIG_PRIVATE_KEY.
func GenerateKeypair() (publicKeyB64, privateKeyB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", perr.IO("certsvc.GenerateKeypair", err)
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}
