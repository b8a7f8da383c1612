// Package signing implements Ed25519 signatures over audit entry hashes.
// The daemon signs with a private key; auditors verify with the public key.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Signer signs messages with an Ed25519 private key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner creates a Signer.
func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign returns the base64 signature of msg.
func (s *Signer) Sign(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, msg))
}

// Public returns the matching public key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Verifier checks Ed25519 signatures.
type Verifier struct {
	pubKey ed25519.PublicKey
}

// NewVerifier creates a Verifier with the given Ed25519 public key.
func NewVerifier(pubKey ed25519.PublicKey) *Verifier {
	return &Verifier{pubKey: pubKey}
}

// Verify reports whether sig is a valid base64 signature of msg.
func (v *Verifier) Verify(msg []byte, sig string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(sig)
		if err != nil {
			return false
		}
	}
	return ed25519.Verify(v.pubKey, msg, raw)
}

// ParsePublicKey decodes an Ed25519 public key given as hex, base64, or an
// OpenSSH authorized_keys line ("ssh-ed25519 AAAA... comment").
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty public key")
	}

	if strings.HasPrefix(s, "ssh-") {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse ssh public key: %w", err)
		}
		cpk, ok := pk.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported ssh key type %s", pk.Type())
		}
		ed, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("ssh key is %s, not ed25519", pk.Type())
		}
		return ed, nil
	}

	// Try hex first (64 hex chars = 32 bytes)
	if len(s) == 64 {
		b, err := hex.DecodeString(s)
		if err == nil && len(b) == ed25519.PublicKeySize {
			return ed25519.PublicKey(b), nil
		}
	}

	// Try base64
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == ed25519.PublicKeySize {
			return ed25519.PublicKey(b), nil
		}
	}

	return nil, fmt.Errorf("invalid public key: must be 32 bytes, hex or base64 encoded, or an ssh-ed25519 key")
}

// ParsePrivateKey decodes an Ed25519 private key from an OpenSSH PEM block,
// or from a hex or base64 32-byte seed or 64-byte key.
func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, fmt.Errorf("empty private key")
	}

	if strings.HasPrefix(s, "-----BEGIN") {
		raw, err := ssh.ParseRawPrivateKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		switch k := raw.(type) {
		case ed25519.PrivateKey:
			return k, nil
		case *ed25519.PrivateKey:
			return *k, nil
		default:
			return nil, fmt.Errorf("private key is %T, not ed25519", raw)
		}
	}

	var candidates [][]byte
	if b, err := hex.DecodeString(s); err == nil {
		candidates = append(candidates, b)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			candidates = append(candidates, b)
		}
	}
	for _, b := range candidates {
		switch len(b) {
		case ed25519.SeedSize:
			return ed25519.NewKeyFromSeed(b), nil
		case ed25519.PrivateKeySize:
			return ed25519.PrivateKey(b), nil
		}
	}
	return nil, fmt.Errorf("invalid private key: expected OpenSSH PEM, or a hex/base64 seed or key")
}

// LoadPrivateKey reads a private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	k, err := ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", path, err)
	}
	return k, nil
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	k, err := ParsePublicKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("public key %s: %w", path, err)
	}
	return k, nil
}
