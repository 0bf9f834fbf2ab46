package auth

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ReplayGuard remembers credential nonces for as long as their timestamps
// could still pass the skew check.
type ReplayGuard struct {
	seen *gocache.Cache
	ttl  time.Duration
}

// NewReplayGuard keeps nonces for twice the allowed clock skew, covering
// credentials stamped in the future as well as the past.
func NewReplayGuard(skew time.Duration) *ReplayGuard {
	ttl := 2 * skew
	return &ReplayGuard{
		seen: gocache.New(ttl, ttl),
		ttl:  ttl,
	}
}

// Remember records nonce and reports whether it was new.
func (g *ReplayGuard) Remember(nonce string) bool {
	return g.seen.Add(nonce, struct{}{}, g.ttl) == nil
}

// Len returns the number of nonces currently remembered.
func (g *ReplayGuard) Len() int {
	return g.seen.ItemCount()
}
