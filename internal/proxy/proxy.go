// Package proxy allocates sticky upstream proxy sessions for instances.
// Stored sessions are reused without external calls so the upstream
// allocation service is only hit on first acquisition or explicit rotation.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/config"
	"github.com/Rorqualx/votefleet-go/internal/sessionstore"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

// sessionSource is the slice of the session store the allocator needs.
type sessionSource interface {
	Load(id int) (*sessionstore.Record, bool, error)
}

// Lease is an allocated proxy session for one instance.
type Lease struct {
	// Endpoint is scheme://host:port, empty when running without a proxy.
	Endpoint     string
	Username     string
	Password     string
	SessionToken string
	ObservedIP   string
}

// Direct reports whether the lease bypasses any proxy.
func (l Lease) Direct() bool { return l.Endpoint == "" }

// Allocator hands out proxy leases, reuse-first.
type Allocator struct {
	cfg      *config.Config
	sessions sessionSource
}

// NewAllocator creates an allocator backed by the session store.
func NewAllocator(cfg *config.Config, sessions sessionSource) *Allocator {
	return &Allocator{cfg: cfg, sessions: sessions}
}

// Acquire returns the proxy lease for an instance. A stored proxy_ip and
// session_token pair is reused as-is with the endpoint rebuilt from config;
// only a cold start reaches the external service.
func (a *Allocator) Acquire(ctx context.Context, id int) (Lease, error) {
	if !a.cfg.ProxyConfigured() {
		return Lease{}, nil
	}

	rec, ok, err := a.sessions.Load(id)
	if err != nil {
		// Corrupt record is a cold start, not a hard failure.
		log.Warn().Err(err).Int("instance_id", id).Msg("Session record unreadable, rotating proxy session")
	} else if ok && rec.ProxyIP != "" && rec.SessionToken != "" {
		user, pass := a.credentials(rec.SessionToken)
		log.Debug().
			Int("instance_id", id).
			Str("proxy_ip", rec.ProxyIP).
			Msg("Reusing stored proxy session")
		return Lease{
			Endpoint:     a.cfg.ProxyEndpoint(),
			Username:     user,
			Password:     pass,
			SessionToken: rec.SessionToken,
			ObservedIP:   rec.ProxyIP,
		}, nil
	}

	return a.Rotate(ctx, id)
}

// Rotate mints a fresh session token and observes the egress IP through the
// proxy. Callers treat a ProxyError as a technical failure for the attempt.
func (a *Allocator) Rotate(ctx context.Context, id int) (Lease, error) {
	if !a.cfg.ProxyConfigured() {
		return Lease{}, nil
	}

	token, err := mintSessionToken()
	if err != nil {
		return Lease{}, types.NewProxyError("rotate", "failed to mint session token", err)
	}

	endpoint := a.cfg.ProxyEndpoint()
	user, pass := a.credentials(token)

	client, err := newEgressClient(endpoint, user, pass)
	if err != nil {
		return Lease{}, types.NewProxyError("rotate", "failed to build proxy client", err)
	}
	observed, err := fetchEgressIP(ctx, client, a.cfg.ProxyIPCheckURL)
	if err != nil {
		return Lease{}, types.NewProxyError("rotate", "egress IP check failed", err)
	}

	log.Info().
		Int("instance_id", id).
		Str("observed_ip", observed).
		Msg("Allocated new proxy session")

	return Lease{
		Endpoint:     endpoint,
		Username:     user,
		Password:     pass,
		SessionToken: token,
		ObservedIP:   observed,
	}, nil
}

// credentials builds the vendor-routed username carrying zone and sticky
// session, e.g. "user-zone-resi-session-ab12cd34ef56aa00".
func (a *Allocator) credentials(token string) (string, string) {
	user := a.cfg.ProxyUsername
	if user != "" && a.cfg.ProxyZone != "" {
		user = fmt.Sprintf("%s-zone-%s", user, a.cfg.ProxyZone)
	}
	if user != "" && token != "" {
		user = fmt.Sprintf("%s-session-%s", user, token)
	}
	return user, a.cfg.ProxyPassword
}

func mintSessionToken() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
