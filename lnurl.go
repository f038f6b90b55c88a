package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nostr-engine/internal/nips"
)

// LNURL-pay handling for Lightning payments

const lnurlHTTPTimeout = 10 * time.Second

// validateExternalURL validates that a URL is safe to fetch (SSRF prevention)
func validateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s (expected https)", parsed.Scheme)
	}

	// Block localhost and common internal hostnames
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		host == "0.0.0.0" || strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") {
		return errors.New("internal hosts not allowed")
	}

	// Block private IP ranges (basic check)
	if strings.HasPrefix(host, "10.") ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasPrefix(host, "172.16.") ||
		strings.HasPrefix(host, "172.17.") ||
		strings.HasPrefix(host, "172.18.") ||
		strings.HasPrefix(host, "172.19.") ||
		strings.HasPrefix(host, "172.2") ||
		strings.HasPrefix(host, "172.30.") ||
		strings.HasPrefix(host, "172.31.") ||
		strings.HasPrefix(host, "169.254.") {
		return errors.New("private IP ranges not allowed")
	}

	return nil
}

// LNURLPayInfo contains the payment endpoint info from the initial LNURL fetch
type LNURLPayInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`    // millisats
	MaxSendable    int64  `json:"maxSendable"`    // millisats
	Metadata       string `json:"metadata"`       // JSON stringified metadata
	Tag            string `json:"tag"`            // should be "payRequest"
	AllowsNostr    bool   `json:"allowsNostr"`    // supports zap requests
	NostrPubkey    string `json:"nostrPubkey"`    // pubkey for zap receipts
	CommentAllowed int    `json:"commentAllowed"` // max comment length, 0 = no comments
}

// LNURLPayResponse contains the invoice from the callback
type LNURLPayResponse struct {
	PR     string `json:"pr"`     // BOLT11 invoice
	Routes []any  `json:"routes"` // ignored
}

// LNURLError is returned on LNURL errors
type LNURLError struct {
	Status string `json:"status"` // "ERROR"
	Reason string `json:"reason"`
}

// LNURLClient resolves Lightning addresses and requests invoices over the
// two-step LNURL-pay flow.
type LNURLClient struct {
	httpClient *http.Client
	// validate guards every outbound URL; tests swap it to reach loopback.
	validate func(string) error
}

// NewLNURLClient creates a client with the default timeout and SSRF guard.
func NewLNURLClient() *LNURLClient {
	return &LNURLClient{
		httpClient: &http.Client{Timeout: lnurlHTTPTimeout},
		validate:   validateExternalURL,
	}
}

// ResolveFromRecord resolves LNURL pay info from a metadata record's
// lud16/lud06. Returns an error if no Lightning address is configured.
func (c *LNURLClient) ResolveFromRecord(ctx context.Context, rec *MetadataRecord) (*LNURLPayInfo, error) {
	if rec == nil {
		return nil, errors.New("metadata record is nil")
	}
	if rec.Lud16 != "" {
		return c.ResolveLud16(ctx, rec.Lud16)
	}
	if rec.Lud06 != "" {
		return c.ResolveLud06(ctx, rec.Lud06)
	}
	return nil, errors.New("no Lightning address configured")
}

// ResolveLud16 resolves a Lightning address (user@domain.com) to LNURL pay info
func (c *LNURLClient) ResolveLud16(ctx context.Context, lud16 string) (*LNURLPayInfo, error) {
	parts := strings.SplitN(lud16, "@", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid lud16 format: expected user@domain")
	}
	username, domain := parts[0], parts[1]
	if username == "" || domain == "" {
		return nil, errors.New("invalid lud16: empty username or domain")
	}

	// https://domain.com/.well-known/lnurlp/username
	lnurlURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, strings.ToLower(username))
	return c.fetchPayInfo(ctx, lnurlURL)
}

// ResolveLud06 decodes a bech32 LNURL and fetches the pay info
func (c *LNURLClient) ResolveLud06(ctx context.Context, lud06 string) (*LNURLPayInfo, error) {
	if !strings.HasPrefix(strings.ToLower(lud06), "lnurl1") {
		return nil, errors.New("invalid lud06: must start with lnurl1")
	}

	hrp, data, err := nips.Bech32Decode(strings.ToLower(lud06))
	if err != nil {
		return nil, fmt.Errorf("failed to decode lnurl: %v", err)
	}
	if hrp != "lnurl" {
		return nil, errors.New("invalid lnurl hrp")
	}

	urlBytes, err := nips.Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to convert lnurl bits: %v", err)
	}

	return c.fetchPayInfo(ctx, string(urlBytes))
}

func (c *LNURLClient) fetchPayInfo(ctx context.Context, lnurlURL string) (*LNURLPayInfo, error) {
	if err := c.validate(lnurlURL); err != nil {
		return nil, fmt.Errorf("invalid lnurl: %v", err)
	}

	body, err := c.getJSON(ctx, lnurlURL)
	if err != nil {
		return nil, err
	}

	var lnurlErr LNURLError
	if err := json.Unmarshal(body, &lnurlErr); err == nil && lnurlErr.Status == "ERROR" {
		return nil, fmt.Errorf("lnurl error: %s", lnurlErr.Reason)
	}

	var info LNURLPayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lnurl response: %v", err)
	}

	if info.Tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag: %s (expected payRequest)", info.Tag)
	}
	if info.Callback == "" {
		return nil, errors.New("lnurl missing callback")
	}
	if info.MinSendable <= 0 || info.MaxSendable <= 0 {
		return nil, errors.New("lnurl missing amount limits")
	}

	return &info, nil
}

// RequestInvoice requests a BOLT11 invoice from the LNURL callback.
// amountMsats is the payment amount in millisatoshis; zapRequestJSON is an
// optional signed kind 9734 event for the receipt, with lnurl echoing the
// original LNURL for verification.
func (c *LNURLClient) RequestInvoice(ctx context.Context, info *LNURLPayInfo, amountMsats int64, zapRequestJSON string, lnurl string) (string, error) {
	if err := c.validate(info.Callback); err != nil {
		return "", fmt.Errorf("invalid callback URL: %v", err)
	}

	if amountMsats < info.MinSendable {
		return "", fmt.Errorf("amount %d msats below minimum %d", amountMsats, info.MinSendable)
	}
	if amountMsats > info.MaxSendable {
		return "", fmt.Errorf("amount %d msats above maximum %d", amountMsats, info.MaxSendable)
	}

	callbackURL, err := url.Parse(info.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %v", err)
	}

	query := callbackURL.Query()
	query.Set("amount", fmt.Sprintf("%d", amountMsats))
	// Caller must verify AllowsNostr before attaching a zap request.
	if zapRequestJSON != "" {
		query.Set("nostr", zapRequestJSON)
		if lnurl != "" {
			query.Set("lnurl", lnurl)
		}
	}
	callbackURL.RawQuery = query.Encode()

	body, err := c.getJSON(ctx, callbackURL.String())
	if err != nil {
		return "", err
	}

	var lnurlErr LNURLError
	if err := json.Unmarshal(body, &lnurlErr); err == nil && lnurlErr.Status == "ERROR" {
		return "", fmt.Errorf("callback error: %s", lnurlErr.Reason)
	}

	var payResp LNURLPayResponse
	if err := json.Unmarshal(body, &payResp); err != nil {
		return "", fmt.Errorf("failed to parse callback response: %v", err)
	}
	if payResp.PR == "" {
		return "", errors.New("callback returned empty invoice")
	}

	return payResp.PR, nil
}

func (c *LNURLClient) getJSON(ctx context.Context, u string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, lnurlHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// CanReceiveZaps checks if the record can receive zaps (has lud16 or lud06)
func CanReceiveZaps(rec *MetadataRecord) bool {
	if rec == nil {
		return false
	}
	return rec.Lud16 != "" || rec.Lud06 != ""
}

// SatsToMsats converts satoshis to millisatoshis
func SatsToMsats(sats int64) int64 {
	return sats * 1000
}

// MsatsToSats converts millisatoshis to satoshis (rounds down)
func MsatsToSats(msats int64) int64 {
	return msats / 1000
}
