package main

import (
	"encoding/base64"
	"strings"
	"testing"
)

func keypair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	priv, err := generatePrivateKey()
	if err != nil {
		t.Fatalf("generatePrivateKey: %v", err)
	}
	pub, err = derivePublicKey(priv)
	if err != nil {
		t.Fatalf("derivePublicKey: %v", err)
	}
	return priv, pub
}

func TestNip44ConversationKeySymmetry(t *testing.T) {
	alicePriv, alicePub := keypair(t)
	bobPriv, bobPub := keypair(t)

	k1, err := GetConversationKey(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("alice conversation key: %v", err)
	}
	k2, err := GetConversationKey(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("bob conversation key: %v", err)
	}

	if string(k1) != string(k2) {
		t.Error("conversation keys differ between the two sides")
	}
	if len(k1) != 32 {
		t.Errorf("conversation key length = %d, want 32", len(k1))
	}
}

func TestNip44EncryptDecryptRoundtrip(t *testing.T) {
	alicePriv, _ := keypair(t)
	_, bobPub := keypair(t)
	key, err := GetConversationKey(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("conversation key: %v", err)
	}

	messages := []string{
		"a",
		"hello, nostr",
		strings.Repeat("x", 31),
		strings.Repeat("x", 32),
		strings.Repeat("x", 33), // crosses the first padding boundary
		strings.Repeat("long message ", 200),
	}
	for _, msg := range messages {
		payload, err := Nip44Encrypt(msg, key)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", len(msg), err)
		}
		got, err := Nip44Decrypt(payload, key)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", len(msg), err)
		}
		if got != msg {
			t.Errorf("roundtrip mismatch at %d bytes", len(msg))
		}
	}
}

func TestNip44DecryptRejectsTamperedMAC(t *testing.T) {
	alicePriv, _ := keypair(t)
	_, bobPub := keypair(t)
	key, _ := GetConversationKey(alicePriv, bobPub)

	payload, err := Nip44Encrypt("authentic", key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(payload)
	raw[len(raw)-1] ^= 0x01 // flip one MAC bit
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := Nip44Decrypt(tampered, key); err == nil {
		t.Error("tampered MAC accepted")
	}

	raw2, _ := base64.StdEncoding.DecodeString(payload)
	raw2[40] ^= 0x01 // flip one ciphertext bit
	if _, err := Nip44Decrypt(base64.StdEncoding.EncodeToString(raw2), key); err == nil {
		t.Error("tampered ciphertext accepted")
	}
}

func TestNip44DecryptRejectsBadPayloads(t *testing.T) {
	alicePriv, _ := keypair(t)
	_, bobPub := keypair(t)
	key, _ := GetConversationKey(alicePriv, bobPub)

	cases := map[string]string{
		"future version":  "#Av3jV9...",
		"invalid base64":  "not!!base64",
		"too short":       base64.StdEncoding.EncodeToString([]byte{2, 1, 2, 3}),
		"unknown version": base64.StdEncoding.EncodeToString(append([]byte{9}, make([]byte, 120)...)),
	}
	for name, payload := range cases {
		if _, err := Nip44Decrypt(payload, key); err == nil {
			t.Errorf("%s: accepted", name)
		} else {
			t.Logf("%s: %v", name, err)
		}
	}
}

func TestNip44WrongKeyFails(t *testing.T) {
	alicePriv, _ := keypair(t)
	_, bobPub := keypair(t)
	evePriv, _ := keypair(t)

	key, _ := GetConversationKey(alicePriv, bobPub)
	wrongKey, _ := GetConversationKey(evePriv, bobPub)

	payload, _ := Nip44Encrypt("secret", key)
	if _, err := Nip44Decrypt(payload, wrongKey); err == nil {
		t.Error("decryption with wrong conversation key succeeded")
	}
}

func TestNip44PaddedLengths(t *testing.T) {
	cases := map[int]int{
		1:   32,
		16:  32,
		32:  32,
		33:  64,
		37:  64,
		64:  64,
		65:  96,
		100: 128,
		320: 320,
		321: 384,
	}
	for in, want := range cases {
		if got := calcPaddedLen(in); got != want {
			t.Errorf("calcPaddedLen(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNip04Roundtrip(t *testing.T) {
	alicePriv, alicePub := keypair(t)
	bobPriv, bobPub := keypair(t)

	k1, err := GetNip04SharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	k2, err := GetNip04SharedSecret(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatal("NIP-04 shared secrets differ between the two sides")
	}

	payload, err := Nip04Encrypt(`{"method":"get_balance"}`, k1)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.Contains(payload, "?iv=") {
		t.Errorf("payload missing ?iv= separator: %s", payload)
	}

	got, err := Nip04Decrypt(payload, k2)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != `{"method":"get_balance"}` {
		t.Errorf("roundtrip mismatch: %q", got)
	}
}

func TestNip04DecryptRejectsMalformed(t *testing.T) {
	priv, _ := keypair(t)
	_, pub := keypair(t)
	key, _ := GetNip04SharedSecret(priv, pub)

	cases := map[string]string{
		"no iv separator": base64.StdEncoding.EncodeToString(make([]byte, 32)),
		"bad ciphertext":  "!!!?iv=" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"short iv":        base64.StdEncoding.EncodeToString(make([]byte, 32)) + "?iv=" + base64.StdEncoding.EncodeToString(make([]byte, 8)),
		"partial block":   base64.StdEncoding.EncodeToString(make([]byte, 17)) + "?iv=" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
	}
	for name, payload := range cases {
		if _, err := Nip04Decrypt(payload, key); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}
