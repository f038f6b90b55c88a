package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used by the engine
const (
	KindProfileMetadata = 0
	KindNote            = 1
	KindContacts        = 3
	KindReaction        = 7
	KindZapRequest      = 9734
	KindZapReceipt      = 9735
	KindRelayList       = 10002
	KindClientAuth      = 22242
	KindNWCRequest      = 23194
	KindNWCResponse     = 23195
)

// Event is a fully signed, content-addressed protocol message.
// ID and Sig are always present on an Event; unsigned drafts are
// a separate type (EventDraft) and the two are never conflated.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
	SeenOn    []string   `json:"-"` // relay URLs this event arrived from
}

// EventDraft is an unsigned event: no ID, no signature, no author until
// a Signer binds it to a key.
type EventDraft struct {
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	CreatedAt int64      `json:"created_at"`
}

// TagValue returns the value of the last tag with the given name, or "".
func (e *Event) TagValue(name string) string {
	var value string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			value = tag[1]
		}
	}
	return value
}

// computeEventID calculates the canonical event ID: the SHA-256 of the
// NIP-01 serialization [0, pubkey, created_at, kind, tags, content].
func computeEventID(pubkey string, createdAt int64, kind int, tags [][]string, content string) string {
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,"%s"]`,
		pubkey,
		createdAt,
		kind,
		mustJSON(tags),
		escapeJSON(content),
	)

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:])
}

// eventIDFor computes the ID a draft would have when signed by pubkey.
func eventIDFor(draft *EventDraft, pubkey string) string {
	return computeEventID(pubkey, draft.CreatedAt, draft.Kind, draft.Tags, draft.Content)
}

// VerifyEvent checks that the event's ID matches its contents and that the
// signature verifies against the event's pubkey.
func VerifyEvent(evt *Event) error {
	if evt == nil {
		return errors.New("nil event")
	}

	expected := computeEventID(evt.PubKey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content)
	if evt.ID != expected {
		return errors.New("event ID does not match contents")
	}

	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil || len(pubKeyBytes) != 32 {
		return errors.New("invalid pubkey")
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %v", err)
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return errors.New("invalid signature hex")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %v", err)
	}

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return errors.New("invalid event ID hex")
	}

	if !sig.Verify(idBytes, pubKey) {
		return errors.New("signature verification failed")
	}
	return nil
}

// derivePublicKey returns the x-only (BIP-340) public key for a private key.
func derivePublicKey(privKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return privKey.PubKey().SerializeCompressed()[1:], nil
}

// generatePrivateKey creates a new random secp256k1 private key.
func generatePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

func mustJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// escapeJSON returns the JSON string encoding of s without surrounding quotes.
func escapeJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil || len(b) < 2 {
		return s
	}
	return string(b[1 : len(b)-1])
}

// Filter is a relay-side query specification (NIP-01).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string // tag name (without '#') -> values
	Search  string
}

// wire converts the filter to its JSON wire representation.
func (f Filter) wire() map[string]interface{} {
	req := map[string]interface{}{}
	if len(f.IDs) > 0 {
		req["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		req["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		req["kinds"] = f.Kinds
	}
	if f.Since != nil {
		req["since"] = *f.Since
	}
	if f.Until != nil {
		req["until"] = *f.Until
	}
	if f.Limit > 0 {
		req["limit"] = f.Limit
	}
	if f.Search != "" {
		req["search"] = f.Search
	}
	for name, values := range f.Tags {
		req["#"+name] = values
	}
	return req
}

// parseEventValue decodes an event from a decoded JSON value
// (the third element of an ["EVENT", subID, {...}] frame).
func parseEventValue(v interface{}) (Event, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, false
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, false
	}
	if evt.ID == "" || evt.PubKey == "" {
		return Event{}, false
	}
	return evt, true
}

// sortEventsNewestFirst orders events by created_at descending,
// tie-broken by ID for a stable order.
func sortEventsNewestFirst(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}

// randomID returns a short random hex identifier for subscriptions.
func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", b)
	}
	return hex.EncodeToString(b)
}
