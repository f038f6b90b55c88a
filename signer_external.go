package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nostr-engine/internal/nips"
)

// Request purposes for the external signer contract. Callbacks are
// correlated by purpose, not by a numeric request ID: the single-slot rule
// means at most one request of any purpose is ever outstanding.
const (
	PurposeSignEvent    = "sign_event"
	PurposeGetPublicKey = "get_public_key"
)

const externalSignTimeout = 60 * time.Second

// SigningRequest is handed to the Launcher to reach the external signer app.
type SigningRequest struct {
	Purpose string      `json:"purpose"`
	Draft   *EventDraft `json:"draft,omitempty"`
}

// SignerCallback is the external signer's response. Either Event carries the
// complete signed event, or Signature carries a bare signature to be spliced
// onto the pending draft. PubKey may be npub or hex.
type SignerCallback struct {
	Purpose   string          `json:"purpose"`
	Event     json.RawMessage `json:"event,omitempty"`
	Signature string          `json:"sig,omitempty"`
	PubKey    string          `json:"pubkey,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Launcher delivers a signing request to the external signer application.
// The transport (intent, deep link, local socket) is the embedder's concern.
type Launcher interface {
	Launch(req *SigningRequest) error
}

type signerOutcome struct {
	event  *Event
	pubkey string
	err    error
}

type pendingSigning struct {
	purpose string
	draft   *EventDraft
	result  chan signerOutcome // buffered(1), resolved exactly once
}

// ExternalSigner delegates signing to an external application through a
// Launcher. It holds a single request slot: a second Sign or PublicKey call
// while one is outstanding fails with ErrSignerBusy.
type ExternalSigner struct {
	launcher Launcher
	timeout  time.Duration

	mu      sync.Mutex
	pending *pendingSigning
	pubkey  string // learned from get_public_key or a full-event callback
}

// NewExternalSigner wires an external signer over the given launcher.
func NewExternalSigner(launcher Launcher) *ExternalSigner {
	return &ExternalSigner{
		launcher: launcher,
		timeout:  externalSignTimeout,
	}
}

// acquire claims the single request slot.
func (s *ExternalSigner) acquire(purpose string, draft *EventDraft) (*pendingSigning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, ErrSignerBusy
	}
	p := &pendingSigning{
		purpose: purpose,
		draft:   draft,
		result:  make(chan signerOutcome, 1),
	}
	s.pending = p
	return p, nil
}

// release clears the slot if it still holds p.
func (s *ExternalSigner) release(p *pendingSigning) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *ExternalSigner) await(ctx context.Context, p *pendingSigning) (signerOutcome, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case out := <-p.result:
		s.release(p)
		return out, nil
	case <-ctx.Done():
		s.release(p)
		return signerOutcome{}, ErrSigningCancelled
	case <-timer.C:
		s.release(p)
		return signerOutcome{}, fmt.Errorf("%w: external signer timed out", ErrSigningFailed)
	}
}

// Sign launches an external sign_event request and waits for its callback.
func (s *ExternalSigner) Sign(ctx context.Context, draft *EventDraft) (*Event, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: nil draft", ErrSigningFailed)
	}
	if draft.CreatedAt == 0 {
		draft.CreatedAt = time.Now().Unix()
	}
	if draft.Tags == nil {
		draft.Tags = [][]string{}
	}

	p, err := s.acquire(PurposeSignEvent, draft)
	if err != nil {
		return nil, err
	}

	if err := s.launcher.Launch(&SigningRequest{Purpose: PurposeSignEvent, Draft: draft}); err != nil {
		s.release(p)
		return nil, fmt.Errorf("%w: launch: %v", ErrSigningFailed, err)
	}

	out, err := s.await(ctx, p)
	if err != nil {
		return nil, err
	}
	if out.err != nil {
		return nil, out.err
	}
	return out.event, nil
}

// PublicKey returns the signer's pubkey, launching a get_public_key request
// through the same single slot on first use.
func (s *ExternalSigner) PublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.pubkey
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	p, err := s.acquire(PurposeGetPublicKey, nil)
	if err != nil {
		return "", err
	}

	if err := s.launcher.Launch(&SigningRequest{Purpose: PurposeGetPublicKey}); err != nil {
		s.release(p)
		return "", fmt.Errorf("%w: launch: %v", ErrSigningFailed, err)
	}

	out, err := s.await(ctx, p)
	if err != nil {
		return "", err
	}
	if out.err != nil {
		return "", out.err
	}
	return out.pubkey, nil
}

// HandleCallback resolves the pending request from an external signer
// response. Callbacks with no pending request, or for a different purpose
// than the pending one, are dropped.
func (s *ExternalSigner) HandleCallback(cb *SignerCallback) {
	s.mu.Lock()
	p := s.pending
	if p == nil || cb == nil || cb.Purpose != p.purpose {
		s.mu.Unlock()
		slog.Debug("signer: dropping unmatched callback")
		return
	}
	s.pending = nil
	s.mu.Unlock()

	out := s.resolveCallback(p, cb)
	if out.pubkey != "" {
		s.mu.Lock()
		s.pubkey = out.pubkey
		s.mu.Unlock()
	}
	p.result <- out
}

func (s *ExternalSigner) resolveCallback(p *pendingSigning, cb *SignerCallback) signerOutcome {
	if cb.Error != "" {
		return signerOutcome{err: fmt.Errorf("%w: %s", ErrSigningFailed, cb.Error)}
	}

	switch p.purpose {
	case PurposeGetPublicKey:
		pubkey, err := nips.NormalizePubkey(cb.PubKey)
		if err != nil {
			return signerOutcome{err: fmt.Errorf("%w: %v", ErrSigningFailed, err)}
		}
		return signerOutcome{pubkey: pubkey}

	case PurposeSignEvent:
		if len(cb.Event) > 0 {
			var evt Event
			if err := json.Unmarshal(cb.Event, &evt); err != nil {
				return signerOutcome{err: fmt.Errorf("%w: bad event JSON: %v", ErrSigningFailed, err)}
			}
			if err := VerifyEvent(&evt); err != nil {
				return signerOutcome{err: fmt.Errorf("%w: %v", ErrSigningFailed, err)}
			}
			return signerOutcome{event: &evt, pubkey: evt.PubKey}
		}
		return s.spliceSignature(p.draft, cb)
	}
	return signerOutcome{err: fmt.Errorf("%w: unknown purpose %q", ErrSigningFailed, p.purpose)}
}

// spliceSignature builds the signed event from a bare-signature callback:
// the draft plus the signer's pubkey determine the ID the signature covers.
func (s *ExternalSigner) spliceSignature(draft *EventDraft, cb *SignerCallback) signerOutcome {
	if cb.Signature == "" {
		return signerOutcome{err: fmt.Errorf("%w: callback carries neither event nor signature", ErrSigningFailed)}
	}

	pubkeyRaw := cb.PubKey
	if pubkeyRaw == "" {
		s.mu.Lock()
		pubkeyRaw = s.pubkey
		s.mu.Unlock()
	}
	if pubkeyRaw == "" {
		return signerOutcome{err: fmt.Errorf("%w: bare signature without a known pubkey", ErrSigningFailed)}
	}
	pubkey, err := nips.NormalizePubkey(pubkeyRaw)
	if err != nil {
		return signerOutcome{err: fmt.Errorf("%w: %v", ErrSigningFailed, err)}
	}

	evt := &Event{
		ID:        eventIDFor(draft, pubkey),
		PubKey:    pubkey,
		CreatedAt: draft.CreatedAt,
		Kind:      draft.Kind,
		Tags:      draft.Tags,
		Content:   draft.Content,
		Sig:       cb.Signature,
	}
	if err := VerifyEvent(evt); err != nil {
		return signerOutcome{err: fmt.Errorf("%w: %v", ErrSigningFailed, err)}
	}
	return signerOutcome{event: evt, pubkey: pubkey}
}

// CancelPending fails the outstanding request, if any, with
// ErrSigningCancelled and frees the slot.
func (s *ExternalSigner) CancelPending() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p != nil {
		p.result <- signerOutcome{err: ErrSigningCancelled}
	}
}

// Close tears down the signer, cancelling any pending request.
func (s *ExternalSigner) Close() {
	s.CancelPending()
}
