// Package turnrest mints coturn-compatible ephemeral TURN credentials
// ("TURN REST API", draft-uberti-behave-turn-rest) so browsers in a room can
// fall back to a relay when a direct peer-to-peer path cannot be found.
//
//	username   = <unix_expiry>:<prefix>:<peer_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// PeerID supplies the per-credential id used by Random. Defaults to a
	// random UUID.
	PeerID func() (string, error)
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

type Generator struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
	peerID func() (string, error)
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTLSeconds <= 0:
		return nil, errors.New("turnrest: TTLSeconds must be > 0")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	g := &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTLSeconds,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		peerID: cfg.PeerID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.peerID == nil {
		g.peerID = func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return g, nil
}

// ForPeer returns credentials bound to peerID, valid for the configured TTL.
func (g *Generator) ForPeer(peerID string) (Credentials, error) {
	if peerID == "" {
		return Credentials{}, errors.New("turnrest: peer id is required")
	}
	if strings.Contains(peerID, ":") {
		return Credentials{}, errors.New("turnrest: peer id must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, peerID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiryUnix: expiry,
	}, nil
}

// Random returns credentials for a freshly generated peer id.
func (g *Generator) Random() (Credentials, error) {
	id, err := g.peerID()
	if err != nil {
		return Credentials{}, fmt.Errorf("turnrest: peer id: %w", err)
	}
	return g.ForPeer(id)
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
