// Package aggregate implements the signature aggregator: a bounded cache of
// in-flight threshold signature shares, grounded on the teacher's
// chain/beacon partialCache (cache.go) but keyed by payload hash instead of
// beacon round, and bounded with an LRU instead of an unbounded map plus
// periodic FlushRounds.
package aggregate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/blake2b"

	"github.com/tidalmesh/elderd/crypto"
)

// ErrInvalidSignatureShare is returned when a share fails verification
// against the payload's claimed public key set.
var ErrInvalidSignatureShare = errors.New("aggregate: invalid signature share")

// ErrNotEnoughShares is returned by TryAggregate while fewer than the
// relevant threshold of shares have been collected; this is not an error
// condition for the caller, just "not yet".
var ErrNotEnoughShares = errors.New("aggregate: not enough shares yet")

type entry struct {
	pks       *crypto.PublicKeySet
	msg       []byte
	shares    map[int][]byte
	threshold int
	n         int
	expiresAt time.Time
}

// Aggregator collects signature shares keyed by hash(payload) and combines
// them into a recovered signature once supermajority-many have arrived.
// Entries still incomplete a TTL after their first share are evicted to
// bound memory, per
// spec.md §4.6.
type Aggregator struct {
	mu    sync.Mutex
	cache *lru.Cache
	clock clockwork.Clock
	ttl   time.Duration
}

// New returns an Aggregator holding at most maxEntries in-flight payloads,
// each expiring ttl after first being seen.
func New(maxEntries int, ttl time.Duration, clock clockwork.Clock) (*Aggregator, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("aggregate: new cache: %w", err)
	}
	return &Aggregator{cache: c, clock: clock, ttl: ttl}, nil
}

func payloadKey(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// TryAggregate records a signature share for payload (verified against
// pks) and, once supermajority-many distinct share indices have been
// collected, recovers and returns the combined signature. Shares beyond
// threshold are accepted silently (idempotent): spec.md §4.6.
func (a *Aggregator) TryAggregate(scheme *crypto.Scheme, pks *crypto.PublicKeySet, payload []byte, shareIndex int, share []byte) ([]byte, error) {
	if err := pks.VerifyShare(payload, share); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureShare, err)
	}

	key := payloadKey(payload)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictExpiredLocked()

	var e *entry
	if v, ok := a.cache.Get(key); ok {
		e = v.(*entry)
	} else {
		e = &entry{
			pks:       pks,
			msg:       payload,
			shares:    map[int][]byte{},
			threshold: pks.Threshold(),
			expiresAt: a.clock.Now().Add(a.ttl),
		}
		a.cache.Add(key, e)
	}
	if _, ok := e.shares[shareIndex]; !ok {
		e.shares[shareIndex] = share
		e.n++
	}

	if e.n < e.threshold {
		return nil, ErrNotEnoughShares
	}

	sigs := make([][]byte, 0, len(e.shares))
	for _, s := range e.shares {
		sigs = append(sigs, s)
	}
	recovered, err := e.pks.Recover(payload, sigs, e.n)
	if err != nil {
		return nil, fmt.Errorf("aggregate: recover: %w", err)
	}
	a.cache.Remove(key)
	return recovered, nil
}

// evictExpiredLocked drops entries whose TTL has elapsed. Called with mu
// held.
func (a *Aggregator) evictExpiredLocked() {
	now := a.clock.Now()
	for _, key := range a.cache.Keys() {
		v, ok := a.cache.Peek(key)
		if !ok {
			continue
		}
		if now.After(v.(*entry).expiresAt) {
			a.cache.Remove(key)
		}
	}
}

// Len returns the number of in-flight payloads currently tracked, after
// evicting anything whose TTL has elapsed.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpiredLocked()
	return a.cache.Len()
}
