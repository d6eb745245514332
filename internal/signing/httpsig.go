package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// KeyResolver maps a local origin account to its signing identity. Remote
// servers fetch the matching public key from the actor document named by
// keyID.
type KeyResolver func(originID string) (keyID string, key *rsa.PrivateKey, err error)

const signedHeaders = "(request-target) host date digest"

// Sign adds Date, Digest and a draft-cavage HTTP Signature header covering
// the request target, host, date and body digest.
func Sign(req *http.Request, keyID string, key *rsa.PrivateKey, body []byte) error {
	digest := sha256.Sum256(body)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(digest[:]))
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	target := strings.ToLower(req.Method) + " " + req.URL.RequestURI()
	signingString := strings.Join([]string{
		"(request-target): " + target,
		"host: " + req.URL.Host,
		"date: " + req.Header.Get("Date"),
		"digest: " + req.Header.Get("Digest"),
	}, "\n")

	sum := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID, signedHeaders, base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}

// LoadPrivateKey reads an RSA private key from a PEM file (PKCS#1 or PKCS#8).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return key, nil
}

// StaticResolver resolves every origin to the same instance key. Deployments
// with per-account keys supply their own resolver.
func StaticResolver(keyID string, key *rsa.PrivateKey) KeyResolver {
	return func(string) (string, *rsa.PrivateKey, error) {
		return keyID, key, nil
	}
}
