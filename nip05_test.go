package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// newTestNIP05Verifier rewrites https:// well-known URLs to a loopback
// server and skips the SSRF guard.
func newTestNIP05Verifier(serverURL string) *NIP05Verifier {
	v := NewNIP05Verifier()
	v.validate = func(string) error { return nil }
	v.httpClient = &http.Client{
		Timeout: 2 * time.Second,
		Transport: rewriteTransport{target: serverURL},
	}
	return v
}

// rewriteTransport sends every request to the test server regardless of host.
type rewriteTransport struct {
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(rt.target)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestNIP05Verify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/nostr.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"names": map[string]string{"alice": "AABBCC" + strings.Repeat("0", 58)},
			"relays": map[string][]string{
				"aabbcc" + strings.Repeat("0", 58): {
					"wss://relay.example",
					"ws://printer.local", // must be filtered out
				},
			},
		})
	}))
	defer server.Close()

	v := newTestNIP05Verifier(server.URL)
	pubkey := "aabbcc" + strings.Repeat("0", 58)

	result := v.Verify(context.Background(), "alice@example.com", pubkey)
	if result == nil || !result.Verified {
		t.Fatalf("result = %+v, want verified", result)
	}
	if result.Pubkey != pubkey {
		t.Errorf("pubkey = %s (case not normalized?)", result.Pubkey)
	}
	if result.Domain != "alice@example.com" {
		t.Errorf("domain = %s", result.Domain)
	}
	if len(result.Relays) != 1 || result.Relays[0] != "wss://relay.example" {
		t.Errorf("relay hints = %v, want unsafe hints filtered", result.Relays)
	}

	// Second lookup is served from cache.
	if cached := v.Cached("alice@example.com", pubkey); cached == nil || !cached.Verified {
		t.Error("verification not cached")
	}

	// The cache must not vouch for a different pubkey.
	other := v.Cached("alice@example.com", strings.Repeat("ff", 32))
	if other != nil && other.Verified {
		t.Error("cache verified the identifier for a different pubkey")
	}
}

func TestNIP05VerifyMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"names": map[string]string{"bob": strings.Repeat("11", 32)},
		})
	}))
	defer server.Close()

	v := newTestNIP05Verifier(server.URL)
	result := v.Verify(context.Background(), "bob@example.com", strings.Repeat("22", 32))
	if result == nil || result.Verified {
		t.Errorf("result = %+v, want unverified on pubkey mismatch", result)
	}
}

func TestNIP05VerifyRootIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "_" {
			t.Errorf("name param = %s", r.URL.Query().Get("name"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"names": map[string]string{"_": strings.Repeat("33", 32)},
		})
	}))
	defer server.Close()

	v := newTestNIP05Verifier(server.URL)
	result := v.Verify(context.Background(), "_@example.com", strings.Repeat("33", 32))
	if !result.Verified {
		t.Fatal("root identifier not verified")
	}
	if result.Domain != "example.com" {
		t.Errorf("display domain = %s, want bare domain for _@", result.Domain)
	}
}

func TestNIP05VerifyBadInput(t *testing.T) {
	v := NewNIP05Verifier()
	if v.Verify(context.Background(), "", "pk") != nil {
		t.Error("empty identifier produced a result")
	}
	if v.Verify(context.Background(), "a@b", "") != nil {
		t.Error("empty pubkey produced a result")
	}

	for _, bad := range []string{"nodomain", "a@", "@b", "a@dom/ain"} {
		result := v.Verify(context.Background(), bad, "pk")
		if result == nil || result.Verified {
			t.Errorf("%q: result = %+v", bad, result)
		}
	}
}

func TestNIP05GuardBlocksInternalDomains(t *testing.T) {
	v := NewNIP05Verifier()
	result := v.Verify(context.Background(), "admin@vault.internal", strings.Repeat("44", 32))
	if result == nil || result.Verified {
		t.Errorf("internal domain verified: %+v", result)
	}
}
