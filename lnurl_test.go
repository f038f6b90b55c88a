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

// newTestLNURLClient permits loopback URLs so tests can use httptest.
func newTestLNURLClient() *LNURLClient {
	return &LNURLClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		validate:   func(string) error { return nil },
	}
}

func TestValidateExternalURL(t *testing.T) {
	bad := []string{
		"ftp://example.com/x",
		"http://localhost/lnurlp/a",
		"http://127.0.0.1:8080/x",
		"https://printer.local/x",
		"https://vault.internal/x",
		"https://10.0.0.5/x",
		"https://192.168.1.1/x",
		"https://169.254.169.254/latest/meta-data",
	}
	for _, u := range bad {
		if err := validateExternalURL(u); err == nil {
			t.Errorf("%s: accepted", u)
		}
	}
	if err := validateExternalURL("https://wallet.example/.well-known/lnurlp/bob"); err != nil {
		t.Errorf("public https URL rejected: %v", err)
	}
}

func TestFetchPayInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			json.NewEncoder(w).Encode(LNURLPayInfo{
				Callback:    "https://wallet.example/cb",
				MinSendable: 1000,
				MaxSendable: 500000000,
				Tag:         "payRequest",
				AllowsNostr: true,
			})
		case "/error":
			json.NewEncoder(w).Encode(LNURLError{Status: "ERROR", Reason: "user not found"})
		case "/wrong-tag":
			json.NewEncoder(w).Encode(LNURLPayInfo{Callback: "https://x/cb", MinSendable: 1, MaxSendable: 2, Tag: "withdrawRequest"})
		case "/no-callback":
			json.NewEncoder(w).Encode(LNURLPayInfo{MinSendable: 1, MaxSendable: 2, Tag: "payRequest"})
		case "/no-limits":
			json.NewEncoder(w).Encode(LNURLPayInfo{Callback: "https://x/cb", Tag: "payRequest"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newTestLNURLClient()
	ctx := context.Background()

	info, err := client.fetchPayInfo(ctx, server.URL+"/ok")
	if err != nil {
		t.Fatalf("fetchPayInfo: %v", err)
	}
	if !info.AllowsNostr || info.MinSendable != 1000 {
		t.Errorf("info = %+v", info)
	}

	for _, path := range []string{"/error", "/wrong-tag", "/no-callback", "/no-limits", "/missing"} {
		if _, err := client.fetchPayInfo(ctx, server.URL+path); err == nil {
			t.Errorf("%s: accepted", path)
		} else {
			t.Logf("%s: %v", path, err)
		}
	}
}

func TestFetchPayInfoHonorsSSRFGuard(t *testing.T) {
	client := NewLNURLClient()
	_, err := client.fetchPayInfo(context.Background(), "http://127.0.0.1:9/x")
	if err == nil || !strings.Contains(err.Error(), "invalid lnurl") {
		t.Errorf("loopback URL passed the guard: %v", err)
	}
}

func TestRequestInvoice(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(LNURLPayResponse{PR: "lnbc210n1invoice"})
	}))
	defer server.Close()

	client := newTestLNURLClient()
	info := &LNURLPayInfo{
		Callback:    server.URL + "/cb",
		MinSendable: 1000,
		MaxSendable: 100000,
	}

	pr, err := client.RequestInvoice(context.Background(), info, 21000, `{"kind":9734}`, "lnurl1example")
	if err != nil {
		t.Fatalf("RequestInvoice: %v", err)
	}
	if pr != "lnbc210n1invoice" {
		t.Errorf("pr = %s", pr)
	}
	if gotQuery.Get("amount") != "21000" {
		t.Errorf("amount param = %s", gotQuery.Get("amount"))
	}
	if gotQuery.Get("nostr") != `{"kind":9734}` {
		t.Errorf("nostr param = %s", gotQuery.Get("nostr"))
	}
	if gotQuery.Get("lnurl") != "lnurl1example" {
		t.Errorf("lnurl param = %s", gotQuery.Get("lnurl"))
	}

	// Without a zap request, neither nostr nor lnurl params are sent.
	if _, err := client.RequestInvoice(context.Background(), info, 21000, "", "lnurl1example"); err != nil {
		t.Fatalf("RequestInvoice plain: %v", err)
	}
	if _, ok := gotQuery["nostr"]; ok {
		t.Error("nostr param sent without a zap request")
	}
	if _, ok := gotQuery["lnurl"]; ok {
		t.Error("lnurl param sent without a zap request")
	}
}

func TestRequestInvoiceBounds(t *testing.T) {
	client := newTestLNURLClient()
	info := &LNURLPayInfo{Callback: "https://wallet.example/cb", MinSendable: 1000, MaxSendable: 2000}

	if _, err := client.RequestInvoice(context.Background(), info, 999, "", ""); err == nil {
		t.Error("amount below minimum accepted")
	}
	if _, err := client.RequestInvoice(context.Background(), info, 2001, "", ""); err == nil {
		t.Error("amount above maximum accepted")
	}
}

func TestRequestInvoiceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/error":
			json.NewEncoder(w).Encode(LNURLError{Status: "ERROR", Reason: "route not found"})
		case "/empty":
			json.NewEncoder(w).Encode(LNURLPayResponse{})
		}
	}))
	defer server.Close()

	client := newTestLNURLClient()
	for _, path := range []string{"/error", "/empty"} {
		info := &LNURLPayInfo{Callback: server.URL + path, MinSendable: 1, MaxSendable: 100000}
		if _, err := client.RequestInvoice(context.Background(), info, 21000, "", ""); err == nil {
			t.Errorf("%s: accepted", path)
		} else {
			t.Logf("%s: %v", path, err)
		}
	}
}

func TestResolveLud16Format(t *testing.T) {
	client := newTestLNURLClient()
	for _, bad := range []string{"nodomain", "@domain.com", "user@", ""} {
		if _, err := client.ResolveLud16(context.Background(), bad); err == nil {
			t.Errorf("%q: accepted", bad)
		}
	}
}

func TestResolveLud06Format(t *testing.T) {
	client := newTestLNURLClient()
	if _, err := client.ResolveLud06(context.Background(), "npub1notanlnurl"); err == nil {
		t.Error("non-lnurl bech32 accepted")
	}
	if _, err := client.ResolveLud06(context.Background(), "lnurl1corrupt"); err == nil {
		t.Error("corrupt lnurl accepted")
	}
}

func TestCanReceiveZaps(t *testing.T) {
	if CanReceiveZaps(nil) {
		t.Error("nil record can receive zaps")
	}
	if CanReceiveZaps(&MetadataRecord{PubKey: "x"}) {
		t.Error("record without addresses can receive zaps")
	}
	if !CanReceiveZaps(&MetadataRecord{Lud16: "a@b.c"}) {
		t.Error("lud16 record cannot receive zaps")
	}
	if !CanReceiveZaps(&MetadataRecord{Lud06: "lnurl1..."}) {
		t.Error("lud06 record cannot receive zaps")
	}
}

func TestSatsMsatsConversion(t *testing.T) {
	if SatsToMsats(21) != 21000 {
		t.Error("SatsToMsats(21)")
	}
	if MsatsToSats(21000) != 21 || MsatsToSats(21999) != 21 {
		t.Error("MsatsToSats rounds down")
	}
}
