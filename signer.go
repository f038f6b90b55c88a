package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Signing errors. ErrSignerBusy and ErrSigningCancelled are part of the
// external signer contract; callers match them with errors.Is.
var (
	ErrSignerBusy       = errors.New("signer: a signing request is already pending")
	ErrSigningCancelled = errors.New("signer: signing request cancelled")
	ErrSigningFailed    = errors.New("signer: signing failed")
)

// Signer produces signed events from drafts. Implementations: LocalSigner
// (in-process key) and ExternalSigner (delegated to an external app).
type Signer interface {
	// Sign binds the draft to the signer's key: fills pubkey and
	// created_at (when zero), computes the ID and signature.
	Sign(ctx context.Context, draft *EventDraft) (*Event, error)

	// PublicKey returns the signer's hex public key.
	PublicKey(ctx context.Context) (string, error)
}

// LocalSigner signs events with an in-process secp256k1 private key.
type LocalSigner struct {
	privKey *btcec.PrivateKey
	pubkey  string // x-only, hex
}

// NewLocalSigner creates a signer from a 32-byte hex private key.
func NewLocalSigner(privKeyHex string) (*LocalSigner, error) {
	raw, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	privKey, pubKey := btcec.PrivKeyFromBytes(raw)
	return &LocalSigner{
		privKey: privKey,
		pubkey:  hex.EncodeToString(pubKey.SerializeCompressed()[1:]),
	}, nil
}

// NewGeneratedLocalSigner creates a signer with a fresh random key.
func NewGeneratedLocalSigner() (*LocalSigner, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		privKey: privKey,
		pubkey:  hex.EncodeToString(privKey.PubKey().SerializeCompressed()[1:]),
	}, nil
}

func (s *LocalSigner) PublicKey(ctx context.Context) (string, error) {
	return s.pubkey, nil
}

// Sign signs the draft locally. Fails only on malformed input.
func (s *LocalSigner) Sign(ctx context.Context, draft *EventDraft) (*Event, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: nil draft", ErrSigningFailed)
	}

	createdAt := draft.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	tags := draft.Tags
	if tags == nil {
		tags = [][]string{}
	}

	id := computeEventID(s.pubkey, createdAt, draft.Kind, tags, draft.Content)
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	sig, err := schnorr.Sign(s.privKey, idBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return &Event{
		ID:        id,
		PubKey:    s.pubkey,
		CreatedAt: createdAt,
		Kind:      draft.Kind,
		Tags:      tags,
		Content:   draft.Content,
		Sig:       hex.EncodeToString(sig.Serialize()),
	}, nil
}
