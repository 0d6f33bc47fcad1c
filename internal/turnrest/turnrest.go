// Package turnrest mints short-lived TURN credentials from a secret shared
// with the TURN server (the "TURN REST API" scheme that coturn implements
// as use-auth-secret).
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
)

const DefaultTTL = 24 * time.Hour

type MinterConfig struct {
	SharedSecret string
	TTL          time.Duration
	Clock        clock.Clock
	// IDs names the credential when Mint is called without a user.
	IDs idgen.Generator
}

type Minter struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	ids    idgen.Generator
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: TTL must be at least 1s")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUID{}
	}
	return &Minter{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		ids:    cfg.IDs,
	}, nil
}

// Mint returns credentials valid until now+TTL. The username is
// "<expiry unix>:<user>" and the credential is base64(HMAC-SHA1(secret,
// username)).
func (m *Minter) Mint(user string) (Credentials, error) {
	if user == "" {
		user = m.ids.Next()
	}
	if strings.Contains(user, ":") {
		return Credentials{}, errors.New("turnrest: user must not contain ':'")
	}
	expires := m.clock.Now().Add(m.ttl).UTC().Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + user
	return Credentials{
		Username:   username,
		Credential: Sign(m.secret, username),
		Expires:    expires,
	}, nil
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
