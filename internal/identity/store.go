package identity

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("identity store: key not found")

// Store is the persistence collaborator for synthetic identities and
// per-identity counters. Implementations must be safe for concurrent use;
// Incr must be atomic.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Put stores value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, key string) error
}

// Key namespaces within the store.
const (
	keyPrefixIdentity = "identity:"
	keyPrefixVisits   = "visits:"
	keyPrefixOpid     = "opid:"
)

// IdentityKey returns the store key holding the durable identity for a
// lookup key.
func IdentityKey(lookupKey string) string { return keyPrefixIdentity + lookupKey }

// VisitsKey returns the store key of the visit counter for a synthetic id.
func VisitsKey(syntheticID string) string { return keyPrefixVisits + syntheticID }

// OpidKey returns the store key of the stored ad-partner operation id for a
// synthetic id.
func OpidKey(syntheticID string) string { return keyPrefixOpid + syntheticID }
