package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// NIP-05 identifier verification against /.well-known/nostr.json, with an
// in-process TTL cache. A verified identifier binds a human-readable
// user@domain to a pubkey.

const (
	nip05HTTPTimeout = 5 * time.Second
	nip05CacheTTL    = 24 * time.Hour
)

// NIP05Result is the outcome of one verification.
type NIP05Result struct {
	Verified  bool
	Pubkey    string   // hex pubkey claimed by the domain
	Domain    string   // display form: "domain" for _@domain, else the identifier
	Relays    []string // relay hints from the nostr.json, URL-guarded
	CheckedAt time.Time
}

// NIP05Verifier fetches and caches identifier verifications.
type NIP05Verifier struct {
	httpClient *http.Client
	// validate guards outbound URLs; tests swap it to reach loopback.
	validate func(string) error

	mu    sync.Mutex
	cache map[string]*NIP05Result // identifier -> last result
}

// NewNIP05Verifier creates a verifier with the default timeout and SSRF guard.
func NewNIP05Verifier() *NIP05Verifier {
	return &NIP05Verifier{
		httpClient: &http.Client{
			Timeout: nip05HTTPTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		validate: validateExternalURL,
		cache:    make(map[string]*NIP05Result),
	}
}

// Cached returns the cached result when it is fresh and matches the pubkey,
// otherwise nil. Never touches the network.
func (v *NIP05Verifier) Cached(identifier, pubkey string) *NIP05Result {
	if identifier == "" || pubkey == "" {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cached := v.cache[identifier]
	if cached == nil || time.Since(cached.CheckedAt) > nip05CacheTTL {
		return nil
	}
	if cached.Verified && cached.Pubkey != strings.ToLower(pubkey) {
		// Identifier verified for someone else.
		return &NIP05Result{Verified: false, CheckedAt: cached.CheckedAt}
	}
	return cached
}

// Verify resolves an identifier for a pubkey, from cache when fresh.
func (v *NIP05Verifier) Verify(ctx context.Context, identifier, pubkey string) *NIP05Result {
	if identifier == "" || pubkey == "" {
		return nil
	}
	if cached := v.Cached(identifier, pubkey); cached != nil {
		return cached
	}

	result := v.fetchAndVerify(ctx, identifier, pubkey)
	v.mu.Lock()
	v.cache[identifier] = result
	v.mu.Unlock()
	return result
}

// VerifyAsync kicks off a verification in the background to warm the cache.
func (v *NIP05Verifier) VerifyAsync(identifier, pubkey string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), nip05HTTPTimeout)
		defer cancel()
		result := v.Verify(ctx, identifier, pubkey)
		if result != nil && result.Verified {
			slog.Debug("nip05: verified", "identifier", identifier,
				"pubkey", shortID(pubkey), "relays", len(result.Relays))
		}
	}()
}

func (v *NIP05Verifier) fetchAndVerify(ctx context.Context, identifier, pubkey string) *NIP05Result {
	result := &NIP05Result{CheckedAt: time.Now()}

	parts := strings.SplitN(identifier, "@", 2)
	if len(parts) != 2 {
		return result
	}
	name := strings.ToLower(parts[0])
	domain := strings.ToLower(parts[1])
	if name == "" || domain == "" || strings.ContainsAny(domain, "/\\") {
		return result
	}

	if name == "_" {
		result.Domain = domain
	} else {
		result.Domain = identifier
	}

	wellKnownURL := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, name)
	if err := v.validate(wellKnownURL); err != nil {
		slog.Debug("nip05: domain blocked", "domain", domain, "error", err)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, "GET", wellKnownURL, nil)
	if err != nil {
		return result
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		slog.Debug("nip05: fetch failed", "url", wellKnownURL, "error", err)
		return result
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Debug("nip05: fetch returned non-200", "url", wellKnownURL, "status", resp.StatusCode)
		return result
	}

	var data struct {
		Names  map[string]string   `json:"names"`
		Relays map[string][]string `json:"relays"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		slog.Debug("nip05: unparseable nostr.json", "url", wellKnownURL, "error", err)
		return result
	}

	claimed, ok := data.Names[name]
	if !ok {
		return result
	}
	claimed = strings.ToLower(claimed)
	if claimed != strings.ToLower(pubkey) {
		slog.Debug("nip05: pubkey mismatch",
			"expected", shortID(pubkey), "got", shortID(claimed))
		return result
	}

	result.Verified = true
	result.Pubkey = claimed
	for _, relay := range data.Relays[claimed] {
		if isRelayURLSafe(relay) {
			result.Relays = append(result.Relays, relay)
		}
	}
	return result
}
