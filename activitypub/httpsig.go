package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// The signature scheme is draft-cavage HTTP signatures with RSA-SHA256 over
// (request-target), host, date and digest, with a SHA-256 body digest. This
// matches the convention deployed across the fediverse; RFC 9421 is not yet
// widely accepted by remote servers.

// DateSkewTolerance bounds how far an inbound Date header may drift from
// local time before the request is rejected.
const DateSkewTolerance = 30 * time.Second

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest signs an outgoing HTTP request with the given private key.
// The Digest header is computed from body before signing.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Digest", DigestBody(body))

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifyRequest verifies the HTTP signature on an incoming request.
// Returns the keyId if valid, error otherwise.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	return verifier.KeyId(), nil
}

// DigestBody returns the SHA-256 Digest header value for a request body
func DigestBody(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// ExtractKeyId pulls the keyId parameter out of a Signature header without
// verifying anything, so the signing actor can be resolved first.
func ExtractKeyId(signatureHeader string) (string, error) {
	for _, part := range strings.Split(signatureHeader, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "keyId=") {
			continue
		}
		value := strings.TrimPrefix(part, "keyId=")
		value = strings.Trim(value, `"`)
		if value == "" {
			break
		}
		return value, nil
	}
	return "", fmt.Errorf("signature header has no keyId")
}

// ActorURIFromKeyId strips the key fragment from a keyId.
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func ActorURIFromKeyId(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// CheckDate validates the Date header against the local clock within
// DateSkewTolerance in either direction.
func CheckDate(dateHeader string, now time.Time) error {
	if dateHeader == "" {
		return fmt.Errorf("missing date header")
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("malformed date header: %w", err)
	}
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > DateSkewTolerance {
		return fmt.Errorf("date header outside tolerance: %s", dateHeader)
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
