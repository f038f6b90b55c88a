package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func TestEventIDComputation(t *testing.T) {
	pubkey := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
	id := computeEventID(pubkey, 1700000000, 1, [][]string{}, "test")

	// Manual serialization per NIP-01
	serialized := fmt.Sprintf(`[0,"%s",1700000000,1,[],"test"]`, pubkey)
	t.Logf("Serialized: %s", serialized)

	hash := sha256.Sum256([]byte(serialized))
	manualID := hex.EncodeToString(hash[:])

	t.Logf("Computed ID: %s", id)
	t.Logf("Manual ID:   %s", manualID)

	if id != manualID {
		t.Errorf("IDs don't match: computed=%s, manual=%s", id, manualID)
	}
}

func TestEventIDEscaping(t *testing.T) {
	pubkey := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

	// Content with quotes, backslashes and newlines must be JSON-escaped
	// inside the serialization.
	content := "line one\nwith \"quotes\" and \\backslash"
	id := computeEventID(pubkey, 1700000000, 1, [][]string{}, content)

	serialized := fmt.Sprintf(`[0,"%s",1700000000,1,[],"%s"]`, pubkey, escapeJSON(content))
	hash := sha256.Sum256([]byte(serialized))
	if id != hex.EncodeToString(hash[:]) {
		t.Errorf("escaped content produced wrong ID")
	}
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	signer, err := NewGeneratedLocalSigner()
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	evt, err := signer.Sign(context.Background(), &EventDraft{
		Kind:      KindNote,
		Content:   "hello relay",
		CreatedAt: 1700000000,
	})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	t.Logf("signed event id=%s pubkey=%s", evt.ID, evt.PubKey)

	if evt.ID == "" || evt.Sig == "" || evt.PubKey == "" {
		t.Fatal("signed event missing id, sig or pubkey")
	}
	if err := VerifyEvent(evt); err != nil {
		t.Errorf("VerifyEvent failed on freshly signed event: %v", err)
	}

	// Tampering with content must break verification
	tampered := *evt
	tampered.Content = "changed"
	if err := VerifyEvent(&tampered); err == nil {
		t.Error("VerifyEvent accepted tampered content")
	}

	// Tampering with the signature must break verification
	badSig := *evt
	badSig.Sig = badSig.Sig[:len(badSig.Sig)-2] + "00"
	if err := VerifyEvent(&badSig); err == nil {
		t.Error("VerifyEvent accepted tampered signature")
	}
}

func TestVerifyEventRejectsWrongID(t *testing.T) {
	signer, _ := NewGeneratedLocalSigner()
	evt, _ := signer.Sign(context.Background(), &EventDraft{Kind: KindNote, Content: "x"})

	evt.ID = computeEventID(evt.PubKey, evt.CreatedAt+1, evt.Kind, evt.Tags, evt.Content)
	if err := VerifyEvent(evt); err == nil {
		t.Error("VerifyEvent accepted event whose ID does not match its contents")
	}
}

func TestFilterWire(t *testing.T) {
	since := int64(100)
	f := Filter{
		Authors: []string{"aa"},
		Kinds:   []int{0, 1},
		Since:   &since,
		Limit:   10,
		Tags:    map[string][]string{"e": {"eventid"}},
		Search:  "cats",
	}

	wire := f.wire()
	t.Logf("wire form: %v", wire)

	if wire["limit"] != 10 {
		t.Errorf("limit = %v, want 10", wire["limit"])
	}
	if wire["since"] != since {
		t.Errorf("since = %v, want %d", wire["since"], since)
	}
	if _, ok := wire["#e"]; !ok {
		t.Error("tag filter #e missing from wire form")
	}
	if _, ok := wire["ids"]; ok {
		t.Error("empty ids should be omitted from wire form")
	}
	if wire["search"] != "cats" {
		t.Errorf("search = %v, want cats", wire["search"])
	}
}

func TestSortEventsNewestFirst(t *testing.T) {
	events := []Event{
		{ID: "a", CreatedAt: 100},
		{ID: "c", CreatedAt: 300},
		{ID: "b", CreatedAt: 200},
		{ID: "d", CreatedAt: 300},
	}
	sortEventsNewestFirst(events)

	if events[0].CreatedAt != 300 || events[3].CreatedAt != 100 {
		t.Errorf("events not sorted newest first: %+v", events)
	}
	// Equal timestamps are tie-broken by ID for stability
	if events[0].ID != "d" || events[1].ID != "c" {
		t.Errorf("tie-break by ID failed: got %s then %s", events[0].ID, events[1].ID)
	}
}

func TestTagValueReturnsLast(t *testing.T) {
	evt := &Event{Tags: [][]string{
		{"e", "first"},
		{"p", "pk"},
		{"e", "second"},
	}}
	if got := evt.TagValue("e"); got != "second" {
		t.Errorf("TagValue(e) = %q, want second", got)
	}
	if got := evt.TagValue("missing"); got != "" {
		t.Errorf("TagValue(missing) = %q, want empty", got)
	}
}
