package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-engine/internal/cache"
)

// MetadataRecord is the parsed content of a kind 0 profile event for one
// identity, stamped with the event's created_at for last-write-wins.
type MetadataRecord struct {
	PubKey      string `json:"pubkey"`
	CreatedAt   int64  `json:"created_at"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
}

// LightningAddress returns the record's zap destination: lud16 if present,
// else the legacy lud06 LNURL, else "".
func (r *MetadataRecord) LightningAddress() (addr string, isLud16 bool) {
	if r.Lud16 != "" {
		return r.Lud16, true
	}
	if r.Lud06 != "" {
		return r.Lud06, false
	}
	return "", false
}

// MetadataStore caches one MetadataRecord per identity with monotonic
// last-write-wins semantics: a record only replaces the current one when its
// created_at is strictly greater. Safe under concurrent writers.
type MetadataStore struct {
	records syncMap // identity -> *MetadataRecord

	backend cache.Backend // optional persistence, nil-safe
	ttl     time.Duration

	resolveGroup singleflight.Group
}

// syncMap is a tiny typed wrapper; keeps the LWW compare-and-swap readable.
type syncMap struct {
	mu sync.Mutex
	m  map[string]*MetadataRecord
}

// NewMetadataStore creates a metadata cache. backend may be nil for a pure
// in-memory store.
func NewMetadataStore(backend cache.Backend, cfg cache.Config) *MetadataStore {
	return &MetadataStore{
		records: syncMap{m: make(map[string]*MetadataRecord)},
		backend: backend,
		ttl:     cfg.MetadataTTL,
	}
}

// Put applies a record under LWW and reports whether it was accepted.
// Equal timestamps keep the existing record.
func (s *MetadataStore) Put(rec *MetadataRecord) bool {
	if rec == nil || rec.PubKey == "" {
		return false
	}

	s.records.mu.Lock()
	current := s.records.m[rec.PubKey]
	if current != nil && current.CreatedAt >= rec.CreatedAt {
		s.records.mu.Unlock()
		return false
	}
	s.records.m[rec.PubKey] = rec
	s.records.mu.Unlock()

	if s.backend != nil {
		data, err := json.Marshal(rec)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.backend.Set(ctx, metadataKey(rec.PubKey), data, s.ttl); err != nil {
				slog.Warn("metadata: backend write failed", "pubkey", shortID(rec.PubKey), "error", err)
			}
			cancel()
		}
	}
	return true
}

// Get returns the cached record for an identity, consulting the persistent
// backend on a local miss.
func (s *MetadataStore) Get(identity string) (*MetadataRecord, bool) {
	s.records.mu.Lock()
	rec := s.records.m[identity]
	s.records.mu.Unlock()
	if rec != nil {
		IncrementCacheHit()
		return rec, true
	}

	if s.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		data, found, err := s.backend.Get(ctx, metadataKey(identity))
		if err == nil && found {
			var stored MetadataRecord
			if json.Unmarshal(data, &stored) == nil && stored.PubKey != "" {
				s.records.mu.Lock()
				if cur := s.records.m[identity]; cur == nil || cur.CreatedAt < stored.CreatedAt {
					s.records.m[identity] = &stored
				}
				rec = s.records.m[identity]
				s.records.mu.Unlock()
				IncrementCacheHit()
				return rec, true
			}
		}
	}

	IncrementCacheMiss()
	return nil, false
}

// Has reports whether any record is cached for the identity.
func (s *MetadataStore) Has(identity string) bool {
	s.records.mu.Lock()
	defer s.records.mu.Unlock()
	return s.records.m[identity] != nil
}

// Clear drops all in-memory records. The persistent backend is left alone;
// its entries expire on TTL.
func (s *MetadataStore) Clear() {
	s.records.mu.Lock()
	s.records.m = make(map[string]*MetadataRecord)
	s.records.mu.Unlock()
}

// ApplyEvent folds a kind 0 event into the store. Non-metadata events and
// unparseable content are ignored.
func (s *MetadataStore) ApplyEvent(evt *Event) bool {
	if evt == nil || evt.Kind != KindProfileMetadata {
		return false
	}
	rec, err := parseMetadataContent(evt)
	if err != nil {
		slog.Debug("metadata: unparseable kind 0 content", "pubkey", shortID(evt.PubKey), "error", err)
		return false
	}
	return s.Put(rec)
}

// Resolve returns the record for an identity, fetching kind 0 from the
// relays on a miss. Concurrent resolves for the same identity share one
// fetch via singleflight.
func (s *MetadataStore) Resolve(ctx context.Context, engine *Engine, identity string) (*MetadataRecord, bool) {
	if rec, ok := s.Get(identity); ok {
		return rec, true
	}

	result, _, shared := s.resolveGroup.Do(identity, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		events := engine.FetchSync(fetchCtx, []Filter{{
			Authors: []string{identity},
			Kinds:   []int{KindProfileMetadata},
			Limit:   1,
		}})
		for i := range events {
			s.ApplyEvent(&events[i])
		}

		rec, _ := s.Get(identity)
		return rec, nil
	})
	if shared {
		slog.Debug("metadata: shared resolve", "pubkey", shortID(identity))
	}

	rec, _ := result.(*MetadataRecord)
	return rec, rec != nil
}

func metadataKey(identity string) string {
	return "metadata:" + identity
}

// parseMetadataContent decodes a kind 0 event's JSON content.
func parseMetadataContent(evt *Event) (*MetadataRecord, error) {
	var content struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Picture     string `json:"picture"`
		Nip05       string `json:"nip05"`
		Lud16       string `json:"lud16"`
		Lud06       string `json:"lud06"`
	}
	if err := json.Unmarshal([]byte(evt.Content), &content); err != nil {
		return nil, err
	}
	return &MetadataRecord{
		PubKey:      evt.PubKey,
		CreatedAt:   evt.CreatedAt,
		Name:        content.Name,
		DisplayName: content.DisplayName,
		About:       content.About,
		Picture:     content.Picture,
		Nip05:       content.Nip05,
		Lud16:       content.Lud16,
		Lud06:       content.Lud06,
	}, nil
}
