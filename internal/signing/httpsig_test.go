package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
)

func TestSignSetsHeaders(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	body := []byte(`{"type":"Create"}`)
	req, err := http.NewRequest(http.MethodPost, "https://b.example/users/carol/inbox", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	if err := Sign(req, "https://a.example/users/alice#main-key", key, body); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if req.Header.Get("Date") == "" {
		t.Errorf("Date header missing")
	}
	if !strings.HasPrefix(req.Header.Get("Digest"), "SHA-256=") {
		t.Errorf("Digest header = %q", req.Header.Get("Digest"))
	}
	sigHeader := req.Header.Get("Signature")
	for _, part := range []string{
		`keyId="https://a.example/users/alice#main-key"`,
		`algorithm="rsa-sha256"`,
		`headers="(request-target) host date digest"`,
	} {
		if !strings.Contains(sigHeader, part) {
			t.Errorf("Signature header %q missing %q", sigHeader, part)
		}
	}
}

// TestSignatureVerifies rebuilds the signing string the way a remote server
// would and checks the signature against the public key.
func TestSignatureVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	body := []byte(`{"type":"Create"}`)
	req, _ := http.NewRequest(http.MethodPost, "https://b.example/inbox?page=1", nil)
	if err := Sign(req, "key-1", key, body); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	sigHeader := req.Header.Get("Signature")
	idx := strings.Index(sigHeader, `signature="`)
	if idx < 0 {
		t.Fatalf("no signature parameter in %q", sigHeader)
	}
	encoded := sigHeader[idx+len(`signature="`) : len(sigHeader)-1]
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	signingString := strings.Join([]string{
		"(request-target): post /inbox?page=1",
		"host: b.example",
		"date: " + req.Header.Get("Date"),
		"digest: " + req.Header.Get("Digest"),
	}, "\n")
	sum := sha256.Sum256([]byte(signingString))

	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}
