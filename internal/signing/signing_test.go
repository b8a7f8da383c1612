package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func generateKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestSignVerify(t *testing.T) {
	pub, priv := generateKeyPair(t)
	s := NewSigner(priv)
	v := NewVerifier(pub)

	msg := []byte("3f2a")
	sig := s.Sign(msg)
	if !v.Verify(msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if v.Verify([]byte("3f2b"), sig) {
		t.Error("signature accepted for different message")
	}
	if v.Verify(msg, "!!not base64!!") {
		t.Error("garbage signature accepted")
	}

	other, _ := generateKeyPair(t)
	if NewVerifier(other).Verify(msg, sig) {
		t.Error("signature accepted under wrong key")
	}
	if !s.Public().Equal(pub) {
		t.Error("Public() does not match")
	}
}

func TestVerifyRawBase64(t *testing.T) {
	pub, priv := generateKeyPair(t)
	msg := []byte("hash")
	sig := base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, msg))
	if !NewVerifier(pub).Verify(msg, sig) {
		t.Error("unpadded base64 signature rejected")
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _ := generateKeyPair(t)
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"hex", hex.EncodeToString(pub), false},
		{"base64", base64.StdEncoding.EncodeToString(pub), false},
		{"base64 raw url", base64.RawURLEncoding.EncodeToString(pub), false},
		{"authorized_keys", string(ssh.MarshalAuthorizedKey(sshPub)), false},
		{"empty", "  ", true},
		{"short", "abcd", true},
		{"bad ssh", "ssh-ed25519 AAAAnotakey", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePublicKey(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(pub) {
				t.Error("parsed key differs")
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	pub, priv := generateKeyPair(t)
	block, err := ssh.MarshalPrivateKey(priv, "audit")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{"openssh pem", pem.EncodeToMemory(block)},
		{"hex seed", []byte(hex.EncodeToString(priv.Seed()))},
		{"base64 seed", []byte(base64.StdEncoding.EncodeToString(priv.Seed()))},
		{"base64 key", []byte(base64.StdEncoding.EncodeToString(priv))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePrivateKey(tc.input)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Public().(ed25519.PublicKey).Equal(pub) {
				t.Error("parsed key has wrong public half")
			}
		})
	}

	if _, err := ParsePrivateKey([]byte("nope")); err == nil {
		t.Error("expected error for garbage key")
	}
}

func TestLoadKeys(t *testing.T) {
	pub, priv := generateKeyPair(t)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "audit.key")
	pubPath := filepath.Join(dir, "audit.pub")
	os.WriteFile(privPath, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0600)
	os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0644)

	k, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatal(err)
	}
	p, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("x")
	if !NewVerifier(p).Verify(msg, NewSigner(k).Sign(msg)) {
		t.Error("loaded keys do not match")
	}
	if _, err := LoadPrivateKey(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
