package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseNWCURI(t *testing.T) {
	walletPriv, _ := generatePrivateKey()
	walletPub, _ := derivePublicKey(walletPriv)
	secret, _ := generatePrivateKey()

	uri := fmt.Sprintf("nostr+walletconnect://%s?relay=wss://relay.wallet.example&secret=%s",
		hex.EncodeToString(walletPub), hex.EncodeToString(secret))

	cfg, err := ParseNWCURI(uri)
	if err != nil {
		t.Fatalf("ParseNWCURI: %v", err)
	}
	if hex.EncodeToString(cfg.WalletPubKey) != hex.EncodeToString(walletPub) {
		t.Error("wallet pubkey mismatch")
	}
	if cfg.Relay != "wss://relay.wallet.example" {
		t.Errorf("relay = %s", cfg.Relay)
	}
	if len(cfg.ClientPubKey) != 32 {
		t.Errorf("client pubkey length = %d", len(cfg.ClientPubKey))
	}
	if len(cfg.Nip04SharedKey) != 32 {
		t.Errorf("shared key length = %d", len(cfg.Nip04SharedKey))
	}

	// Both sides must derive the same NIP-04 secret.
	walletSide, err := GetNip04SharedSecret(walletPriv, cfg.ClientPubKey)
	if err != nil {
		t.Fatalf("wallet-side shared secret: %v", err)
	}
	if string(walletSide) != string(cfg.Nip04SharedKey) {
		t.Error("shared secrets differ between wallet and client")
	}
}

func TestParseNWCURIRejectsMalformed(t *testing.T) {
	pub := strings.Repeat("ab", 32)
	secret := strings.Repeat("cd", 32)

	cases := map[string]string{
		"wrong scheme":     fmt.Sprintf("walletconnect://%s?relay=wss://r&secret=%s", pub, secret),
		"short pubkey":     fmt.Sprintf("nostr+walletconnect://abcd?relay=wss://r&secret=%s", secret),
		"non-hex pubkey":   fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r&secret=%s", strings.Repeat("zz", 32), secret),
		"missing relay":    fmt.Sprintf("nostr+walletconnect://%s?secret=%s", pub, secret),
		"http relay":       fmt.Sprintf("nostr+walletconnect://%s?relay=https://r&secret=%s", pub, secret),
		"missing secret":   fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r", pub),
		"short secret":     fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r&secret=abcd", pub),
		"non-hex secret":   fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r&secret=%s", pub, strings.Repeat("zz", 32)),
	}
	for name, uri := range cases {
		if _, err := ParseNWCURI(uri); err == nil {
			t.Errorf("%s: accepted", name)
		} else {
			t.Logf("%s: %v", name, err)
		}
	}
}

// fakeWalletRelay is a relay plus wallet service in one: it answers the
// client's REQ with EOSE and replies to decrypted NIP-47 requests.
type fakeWalletRelay struct {
	t            *testing.T
	walletPriv   []byte
	walletSigner *LocalSigner
	respond      func(method string, params json.RawMessage) *NWCResponse
	silent       bool // ack the request with OK but never respond
}

func (f *fakeWalletRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var subID string
	for {
		var msg []interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		switch msg[0] {
		case "REQ":
			subID, _ = msg[1].(string)
			if err := conn.WriteJSON([]interface{}{"EOSE", subID}); err != nil {
				return
			}
		case "EVENT":
			evt, ok := parseEventValue(msg[1])
			if !ok {
				f.t.Error("fake wallet: unparseable request event")
				continue
			}
			if evt.Kind != KindNWCRequest {
				f.t.Errorf("fake wallet: request kind = %d", evt.Kind)
			}
			conn.WriteJSON([]interface{}{"OK", evt.ID, true, ""})
			if f.silent {
				continue
			}

			clientPub, err := hex.DecodeString(evt.PubKey)
			if err != nil {
				f.t.Errorf("fake wallet: bad client pubkey: %v", err)
				continue
			}
			shared, err := GetNip04SharedSecret(f.walletPriv, clientPub)
			if err != nil {
				f.t.Errorf("fake wallet: shared secret: %v", err)
				continue
			}
			plaintext, err := Nip04Decrypt(evt.Content, shared)
			if err != nil {
				f.t.Errorf("fake wallet: decrypt: %v", err)
				continue
			}
			var req NWCRequest
			if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
				f.t.Errorf("fake wallet: parse request: %v", err)
				continue
			}

			rawParams, _ := json.Marshal(req.Params)
			respJSON, _ := json.Marshal(f.respond(req.Method, rawParams))
			encrypted, err := Nip04Encrypt(string(respJSON), shared)
			if err != nil {
				f.t.Errorf("fake wallet: encrypt: %v", err)
				continue
			}
			respEvt, err := f.walletSigner.Sign(context.Background(), &EventDraft{
				Kind:    KindNWCResponse,
				Tags:    [][]string{{"p", evt.PubKey}, {"e", evt.ID}},
				Content: encrypted,
			})
			if err != nil {
				f.t.Errorf("fake wallet: sign response: %v", err)
				continue
			}
			if err := conn.WriteJSON([]interface{}{"EVENT", subID, respEvt}); err != nil {
				return
			}
		}
	}
}

// startWalletRelay spins up a fake wallet relay and returns a connected
// client pointed at it.
func startWalletRelay(t *testing.T, respond func(method string, params json.RawMessage) *NWCResponse, silent bool) *NWCClient {
	t.Helper()

	walletPriv, err := generatePrivateKey()
	if err != nil {
		t.Fatalf("wallet key: %v", err)
	}
	walletPub, _ := derivePublicKey(walletPriv)
	walletSigner, err := NewLocalSigner(hex.EncodeToString(walletPriv))
	if err != nil {
		t.Fatalf("wallet signer: %v", err)
	}

	relay := &fakeWalletRelay{t: t, walletPriv: walletPriv, walletSigner: walletSigner, respond: respond, silent: silent}
	server := httptest.NewServer(relay)
	t.Cleanup(server.Close)

	secret, _ := generatePrivateKey()
	uri := fmt.Sprintf("nostr+walletconnect://%s?relay=%s&secret=%s",
		hex.EncodeToString(walletPub),
		"ws"+strings.TrimPrefix(server.URL, "http"),
		hex.EncodeToString(secret))
	cfg, err := ParseNWCURI(uri)
	if err != nil {
		t.Fatalf("ParseNWCURI: %v", err)
	}

	client := NewNWCClient(cfg)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

func TestNWCPayInvoice(t *testing.T) {
	client := startWalletRelay(t, func(method string, params json.RawMessage) *NWCResponse {
		if method != "pay_invoice" {
			t.Errorf("method = %s", method)
		}
		var p struct {
			Invoice string `json:"invoice"`
		}
		json.Unmarshal(params, &p)
		if p.Invoice != "lnbc210n1test" {
			t.Errorf("invoice param = %s", p.Invoice)
		}
		result, _ := json.Marshal(NWCPayInvoiceResult{Preimage: "cafebabe"})
		return &NWCResponse{ResultType: "pay_invoice", Result: result}
	}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.PayInvoice(ctx, "lnbc210n1test")
	if err != nil {
		t.Fatalf("PayInvoice: %v", err)
	}
	if result.Preimage != "cafebabe" {
		t.Errorf("preimage = %s", result.Preimage)
	}
}

func TestNWCPayInvoiceWalletError(t *testing.T) {
	client := startWalletRelay(t, func(method string, params json.RawMessage) *NWCResponse {
		return &NWCResponse{
			ResultType: "pay_invoice",
			Error:      &NWCError{Code: NWCErrorInsufficientBalance, Message: "not enough sats"},
		}
	}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.PayInvoice(ctx, "lnbc1")
	if err == nil || !strings.Contains(err.Error(), NWCErrorInsufficientBalance) {
		t.Errorf("err = %v, want wallet error code", err)
	}
}

func TestNWCGetBalance(t *testing.T) {
	client := startWalletRelay(t, func(method string, params json.RawMessage) *NWCResponse {
		if method != "get_balance" {
			t.Errorf("method = %s", method)
		}
		result, _ := json.Marshal(NWCBalanceResult{Balance: 123456})
		return &NWCResponse{ResultType: "get_balance", Result: result}
	}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	balance, err := client.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Balance != 123456 {
		t.Errorf("balance = %d", balance.Balance)
	}
}

func TestNWCListTransactions(t *testing.T) {
	client := startWalletRelay(t, func(method string, params json.RawMessage) *NWCResponse {
		var p struct {
			Limit int `json:"limit"`
		}
		json.Unmarshal(params, &p)
		if p.Limit != 5 {
			t.Errorf("limit param = %d", p.Limit)
		}
		result, _ := json.Marshal(NWCListTransactionsResult{Transactions: []NWCTransaction{
			{Type: "outgoing", Amount: 21000, Preimage: "aa"},
			{Type: "incoming", Amount: 1000},
		}})
		return &NWCResponse{ResultType: "list_transactions", Result: result}
	}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	txs, err := client.ListTransactions(ctx, 5)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs.Transactions) != 2 || txs.Transactions[0].Type != "outgoing" {
		t.Errorf("transactions = %+v", txs.Transactions)
	}
}

func TestNWCCancelledRequest(t *testing.T) {
	client := startWalletRelay(t, nil, true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := client.GetBalance(ctx)
	if err == nil {
		t.Error("silent wallet produced a balance")
	}
}

func TestNWCNotConnected(t *testing.T) {
	cfg := &NWCConfig{}
	client := NewNWCClient(cfg)
	if client.IsConnected() {
		t.Error("fresh client reports connected")
	}
	if _, err := client.GetBalance(context.Background()); err == nil {
		t.Error("call succeeded without a connection")
	}
}
