package activitypub

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/mammut/util"
)

// asServerRequest rebuilds a signed client request as the server would see it
func asServerRequest(t *testing.T, req *http.Request, body []byte) *http.Request {
	t.Helper()
	server := httptest.NewRequest(req.Method, req.URL.String(), bytes.NewReader(body))
	for name, values := range req.Header {
		for _, v := range values {
			server.Header.Add(name, v)
		}
	}
	return server
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	keypair := util.GeneratePemKeypair()
	privateKey, err := ParsePrivateKey(keypair.Private)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}

	body := []byte(`{"type":"Create"}`)
	req, err := http.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	keyId := "https://example.com/users/alice#main-key"
	if err := SignRequest(req, body, privateKey, keyId); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	if req.Header.Get("Signature") == "" {
		t.Fatal("SignRequest did not set a Signature header")
	}
	if req.Header.Get("Digest") != DigestBody(body) {
		t.Error("Digest header does not match the body")
	}

	server := asServerRequest(t, req, body)
	gotKeyId, err := VerifyRequest(server, keypair.Public)
	if err != nil {
		t.Fatalf("VerifyRequest failed on a valid signature: %v", err)
	}
	if gotKeyId != keyId {
		t.Errorf("Verified keyId = %s, want %s", gotKeyId, keyId)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := util.GeneratePemKeypair()
	other := util.GeneratePemKeypair()
	privateKey, err := ParsePrivateKey(signer.Private)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}

	body := []byte(`{}`)
	req, _ := http.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err := SignRequest(req, body, privateKey, "https://example.com/users/alice#main-key"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	server := asServerRequest(t, req, body)
	if _, err := VerifyRequest(server, other.Public); err == nil {
		t.Error("VerifyRequest accepted a signature made with a different key")
	}
}

func TestExtractKeyId(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{
			"well formed",
			`keyId="https://example.com/users/alice#main-key",algorithm="rsa-sha256",signature="abc"`,
			"https://example.com/users/alice#main-key",
			false,
		},
		{
			"keyId not first",
			`algorithm="rsa-sha256", keyId="https://example.com/users/bob#main-key", signature="abc"`,
			"https://example.com/users/bob#main-key",
			false,
		},
		{"no keyId", `algorithm="rsa-sha256",signature="abc"`, "", true},
		{"empty keyId", `keyId="",signature="abc"`, "", true},
		{"empty header", ``, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractKeyId(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractKeyId error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractKeyId = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActorURIFromKeyId(t *testing.T) {
	got := ActorURIFromKeyId("https://example.com/users/alice#main-key")
	if got != "https://example.com/users/alice" {
		t.Errorf("ActorURIFromKeyId = %s", got)
	}
	noFragment := ActorURIFromKeyId("https://example.com/users/alice")
	if noFragment != "https://example.com/users/alice" {
		t.Errorf("ActorURIFromKeyId without fragment = %s", noFragment)
	}
}

func TestCheckDate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"exact", now.Format(http.TimeFormat), false},
		{"within tolerance past", now.Add(-20 * time.Second).Format(http.TimeFormat), false},
		{"within tolerance future", now.Add(20 * time.Second).Format(http.TimeFormat), false},
		{"too old", now.Add(-31 * time.Second).Format(http.TimeFormat), true},
		{"too new", now.Add(31 * time.Second).Format(http.TimeFormat), true},
		{"missing", "", true},
		{"garbage", "not a date", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDate(tt.header, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckDate(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
		})
	}
}

func TestDigestBodyFormat(t *testing.T) {
	digest := DigestBody([]byte("hello"))
	if !strings.HasPrefix(digest, "SHA-256=") {
		t.Errorf("Digest = %s, want SHA-256= prefix", digest)
	}
	if digest == DigestBody([]byte("other")) {
		t.Error("Different bodies produced the same digest")
	}
}
