// Package graph implements the shared graph store backing every instance:
// namespaced keyed entries over a datastore with last-writer-wins
// convergence, local subscriptions and signed frozen entries.
package graph

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/pkg/proto"
)

var (
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("entry not found")
	// ErrFrozen is returned when writing to a key holding a frozen entry.
	ErrFrozen = errors.New("entry is frozen")
	// ErrBadSignature is returned when a frozen entry fails verification.
	ErrBadSignature = errors.New("invalid entry signature")
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("store is closed")
)

const subscriberBuffer = 64

type subscriber struct {
	prefix string
	ch     chan proto.Entry
}

// Store is one graph namespace: a keyed entry set over a datastore backend.
// Writes converge last-writer-wins by entry timestamp; subscribers observe
// accepted writes in apply order.
type Store struct {
	ds     datastore.Datastore
	signer *Signer // nil for unsigned stores

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

// NewStore creates a store over the given backend. A non-nil signer makes
// the store sign every locally written entry.
func NewStore(ds datastore.Datastore, signer *Signer) *Store {
	return &Store{
		ds:     ds,
		signer: signer,
		subs:   make(map[int]*subscriber),
	}
}

// Signer returns the store's signer, or nil for unsigned stores.
func (s *Store) Signer() *Signer {
	return s.signer
}

// Put writes value under key with the current timestamp, signing when the
// store has a signer.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	e := proto.Entry{
		Key:       datastore.NewKey(key).String(),
		Value:     data,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if s.signer != nil {
		s.signer.Sign(&e)
	}
	return s.PutEntry(ctx, e)
}

// PutFrozen writes an immutable signed entry. A frozen key rejects all
// further writes. Requires a signer.
func (s *Store) PutFrozen(ctx context.Context, key string, value any) error {
	if s.signer == nil {
		return fmt.Errorf("frozen entries require a signer")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	e := proto.Entry{
		Key:       datastore.NewKey(key).String(),
		Value:     data,
		UpdatedAt: time.Now().UnixMilli(),
		Frozen:    true,
	}
	s.signer.Sign(&e)
	return s.PutEntry(ctx, e)
}

// PutEntry applies an entry, local or replicated from a peer. Stale writes
// (older timestamp than the stored entry) are dropped without error, per
// last-writer-wins convergence. Writes against a frozen entry fail with
// ErrFrozen; frozen entries themselves must carry a signature that
// verifies against the embedded public key.
func (s *Store) PutEntry(ctx context.Context, e proto.Entry) error {
	if e.Key == "" || e.Key == "/" {
		return fmt.Errorf("empty entry key")
	}
	e.Key = datastore.NewKey(e.Key).String()

	if e.Frozen {
		if len(e.Pub) != ed25519.PublicKeySize || !Verify(ed25519.PublicKey(e.Pub), e) {
			return ErrBadSignature
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	dsKey := datastore.NewKey(e.Key)
	existing, err := s.getLocked(ctx, dsKey)
	switch {
	case err == nil:
		if existing.Frozen {
			return ErrFrozen
		}
		if existing.UpdatedAt > e.UpdatedAt {
			// Stale write, converged copy wins.
			return nil
		}
		if existing.UpdatedAt == e.UpdatedAt {
			if bytes.Equal(existing.Value, e.Value) {
				// Already applied, e.g. an entry echoed back by a peer.
				return nil
			}
			// Same-millisecond conflict: break the tie by author then
			// value bytes so every node converges on the same winner.
			if entryLess(e, existing) {
				return nil
			}
		}
	case errors.Is(err, ErrNotFound):
		// First write for this key.
	default:
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.ds.Put(ctx, dsKey, data); err != nil {
		return fmt.Errorf("store write: %w", err)
	}

	s.notifyLocked(e)
	return nil
}

// GetEntry returns the entry stored under key.
func (s *Store) GetEntry(ctx context.Context, key string) (proto.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return proto.Entry{}, ErrClosed
	}
	return s.getLocked(ctx, datastore.NewKey(key))
}

// Get unmarshals the value stored under key into out.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	e, err := s.GetEntry(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(e.Value, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func (s *Store) getLocked(ctx context.Context, key datastore.Key) (proto.Entry, error) {
	data, err := s.ds.Get(ctx, key)
	if errors.Is(err, datastore.ErrNotFound) {
		return proto.Entry{}, ErrNotFound
	}
	if err != nil {
		return proto.Entry{}, fmt.Errorf("store read: %w", err)
	}

	var e proto.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return proto.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, nil
}

// List returns all entries under the given key prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]proto.Entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	res, err := s.ds.Query(ctx, query.Query{Prefix: datastore.NewKey(prefix).String()})
	if err != nil {
		return nil, fmt.Errorf("store query: %w", err)
	}
	defer res.Close()

	var entries []proto.Entry
	for r := range res.Next() {
		if r.Error != nil {
			return nil, fmt.Errorf("store query: %w", r.Error)
		}
		var e proto.Entry
		if err := json.Unmarshal(r.Value, &e); err != nil {
			log.Warn().Err(err).Str("key", r.Key).Msg("skipping undecodable entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Subscribe returns a channel delivering every accepted write under prefix,
// and a cancel function releasing the subscription. Slow consumers lose
// entries rather than blocking writers.
func (s *Store) Subscribe(prefix string) (<-chan proto.Entry, func()) {
	sub := &subscriber{
		prefix: datastore.NewKey(prefix).String(),
		ch:     make(chan proto.Entry, subscriberBuffer),
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.mu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Store) notifyLocked(e proto.Entry) {
	for _, sub := range s.subs {
		if !matchesPrefix(e.Key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.Debug().Str("key", e.Key).Msg("subscriber buffer full, dropping entry")
		}
	}
}

// entryLess is the total order used to resolve equal-timestamp writes.
func entryLess(a, b proto.Entry) bool {
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	return bytes.Compare(a.Value, b.Value) < 0
}

func matchesPrefix(key, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if key == prefix {
		return true
	}
	return len(key) > len(prefix) && key[:len(prefix)] == prefix && key[len(prefix)] == '/'
}

// Close releases all subscriptions and closes the backing datastore.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	s.mu.Unlock()

	return s.ds.Close()
}
