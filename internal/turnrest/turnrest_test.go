package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedNow(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0).UTC() }
}

func TestForPeer_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(Config{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "aero",
		Now:            fixedNow(1_700_000_000),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.ForPeer("peer123")
	if err != nil {
		t.Fatalf("ForPeer: %v", err)
	}

	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix=%d, want %d", creds.ExpiryUnix, 1_700_003_600)
	}
	wantUsername := "1700003600:aero:peer123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential([]byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestForPeer_CredentialIsBase64HMACSHA1(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "secret", TTLSeconds: 1, UsernamePrefix: "pfx", Now: fixedNow(0)})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.ForPeer("sid")
	if err != nil {
		t.Fatalf("ForPeer: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length=%d, want %d", len(decoded), sha1.Size)
	}
}

func TestForPeer_RejectsBadPeerIDs(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "secret", TTLSeconds: 10, UsernamePrefix: "aero"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	for _, id := range []string{"", "a:b"} {
		if _, err := g.ForPeer(id); err == nil {
			t.Fatalf("expected error for peer id %q", id)
		}
	}
}

func TestRandom_UsesPeerIDSource(t *testing.T) {
	g, err := NewGenerator(Config{
		SharedSecret:   "secret",
		TTLSeconds:     10,
		UsernamePrefix: "aero",
		Now:            fixedNow(100),
		PeerID:         func() (string, error) { return "fixed", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if creds.Username != "110:aero:fixed" {
		t.Fatalf("Username=%q, want %q", creds.Username, "110:aero:fixed")
	}
}

func TestRandom_DefaultPeerIDsDiffer(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "secret", TTLSeconds: 10, UsernamePrefix: "aero"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, err := g.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	b, err := g.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("expected distinct usernames, got %q twice", a.Username)
	}
	if strings.Count(a.Username, ":") != 2 {
		t.Fatalf("username %q must have exactly three fields", a.Username)
	}
}

func TestRandom_PropagatesPeerIDError(t *testing.T) {
	boom := errors.New("boom")
	g, err := NewGenerator(Config{
		SharedSecret:   "secret",
		TTLSeconds:     10,
		UsernamePrefix: "aero",
		PeerID:         func() (string, error) { return "", boom },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Random(); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing secret", cfg: Config{TTLSeconds: 1, UsernamePrefix: "aero"}},
		{name: "zero ttl", cfg: Config{SharedSecret: "s", UsernamePrefix: "aero"}},
		{name: "missing prefix", cfg: Config{SharedSecret: "s", TTLSeconds: 1}},
		{name: "colon in prefix", cfg: Config{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGenerator(tt.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func expectedCredential(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
