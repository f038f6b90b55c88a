package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// Zap payment flow: lightning address lookup, LNURL invoice, then either an
// NWC wallet payment or a handoff to an external wallet app.

// ZapState is the flow's position in its lifecycle. Forward-only, except
// that SelectingAmount and Processing may fall back to Error.
type ZapState int

const (
	ZapIdle ZapState = iota
	ZapSelectingAmount
	ZapProcessing
	ZapOpenWallet   // invoice handed to an external wallet
	ZapWalletOpened // terminal for the handoff path, never Success
	ZapSuccess
	ZapError
)

func (s ZapState) String() string {
	switch s {
	case ZapIdle:
		return "idle"
	case ZapSelectingAmount:
		return "selecting_amount"
	case ZapProcessing:
		return "processing"
	case ZapOpenWallet:
		return "open_wallet"
	case ZapWalletOpened:
		return "wallet_opened"
	case ZapSuccess:
		return "success"
	case ZapError:
		return "error"
	}
	return "unknown"
}

// Zap flow errors.
var (
	ErrZapBadTransition = errors.New("zap: transition not allowed")
	ErrZapNoLightning   = errors.New("zap: recipient has no Lightning address")
	ErrZapAmountOutside = errors.New("zap: amount outside recipient's limits")
	ErrZapCancelled     = errors.New("zap: cancelled")
	ErrInvoiceFetch     = errors.New("zap: could not fetch invoice")
	ErrPaymentRejected  = errors.New("zap: payment rejected by wallet")
	ErrRecipientUnknown = errors.New("zap: recipient metadata not cached")
)

// WalletPayer pays BOLT11 invoices. *NWCClient implements it; tests inject
// fakes.
type WalletPayer interface {
	PayInvoice(ctx context.Context, bolt11Invoice string) (*NWCPayInvoiceResult, error)
}

// LNURLResolver is the slice of LNURLClient the zap flow needs.
type LNURLResolver interface {
	ResolveFromRecord(ctx context.Context, rec *MetadataRecord) (*LNURLPayInfo, error)
	RequestInvoice(ctx context.Context, info *LNURLPayInfo, amountMsats int64, zapRequestJSON string, lnurl string) (string, error)
}

// WalletHandoff carries the invoice to an external wallet app when no NWC
// wallet is configured.
type WalletHandoff struct {
	Invoice string // BOLT11 payment request
	URI     string // lightning: URI for deep links
	QRCode  []byte // PNG, for display
}

// ZapResult is the terminal outcome of a zap flow.
type ZapResult struct {
	State      ZapState
	AmountSats int64
	Preimage   string
	Handoff    *WalletHandoff
	Err        error
}

// ZapFlow runs one zap from amount selection to payment. One flow per zap;
// flows are not reused after reaching a terminal state.
type ZapFlow struct {
	metadata *MetadataStore
	signer   Signer
	lnurl    LNURLResolver
	wallet   WalletPayer // nil means external-wallet handoff
	relays   []string    // receipt relays for the zap request

	mu        sync.Mutex
	state     ZapState
	recipient string
	eventID   string // zapped event, optional
	eventKind int
	cancel    context.CancelFunc
	result    *ZapResult
}

// NewZapFlow assembles a flow. wallet may be nil: the flow then ends in a
// WalletHandoff instead of paying directly.
func NewZapFlow(metadata *MetadataStore, signer Signer, lnurl LNURLResolver, wallet WalletPayer, relays []string) *ZapFlow {
	return &ZapFlow{
		metadata: metadata,
		signer:   signer,
		lnurl:    lnurl,
		wallet:   wallet,
		relays:   relays,
		state:    ZapIdle,
	}
}

// State returns the flow's current state.
func (z *ZapFlow) State() ZapState {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// Result returns the terminal result, or nil before one is reached.
func (z *ZapFlow) Result() *ZapResult {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.result
}

// Start targets the flow at a recipient (and optionally the event being
// zapped) and moves Idle -> SelectingAmount.
func (z *ZapFlow) Start(recipientPubkey, zappedEventID string, zappedEventKind int) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.state != ZapIdle {
		return fmt.Errorf("%w: Start from %s", ErrZapBadTransition, z.state)
	}
	z.recipient = recipientPubkey
	z.eventID = zappedEventID
	z.eventKind = zappedEventKind
	z.state = ZapSelectingAmount
	return nil
}

// Cancel aborts the flow from SelectingAmount or Processing. The signer
// slot, if one is pending, is released through the context handed to Sign.
func (z *ZapFlow) Cancel() {
	z.mu.Lock()
	if z.state != ZapSelectingAmount && z.state != ZapProcessing {
		z.mu.Unlock()
		return
	}
	cancel := z.cancel
	if z.state == ZapSelectingAmount {
		// Nothing in flight; fail immediately.
		z.fail(ErrZapCancelled)
	}
	z.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// fail moves to Error. Caller holds z.mu.
func (z *ZapFlow) fail(err error) *ZapResult {
	z.state = ZapError
	z.result = &ZapResult{State: ZapError, Err: err}
	zapFailureTotal.Add(1)
	return z.result
}

// Send runs the payment pipeline for the chosen amount and returns the
// result: Success or Error with a wallet configured, or an OpenWallet
// handoff the caller completes via MarkWalletOpened. comment is attached
// to the zap request when the endpoint allows comments.
func (z *ZapFlow) Send(ctx context.Context, amountSats int64, comment string) *ZapResult {
	z.mu.Lock()
	if z.state != ZapSelectingAmount {
		state := z.state
		z.mu.Unlock()
		return &ZapResult{State: state, Err: fmt.Errorf("%w: Send from %s", ErrZapBadTransition, state)}
	}
	z.state = ZapProcessing
	runCtx, cancel := context.WithCancel(ctx)
	z.cancel = cancel
	recipient, eventID, eventKind := z.recipient, z.eventID, z.eventKind
	z.mu.Unlock()
	defer cancel()

	result := z.process(runCtx, recipient, eventID, eventKind, amountSats, comment)

	z.mu.Lock()
	defer z.mu.Unlock()
	z.cancel = nil
	if result.Err != nil {
		slog.Warn("zap: failed", "recipient", shortID(recipient), "error", result.Err)
		return z.fail(result.Err)
	}
	z.state = result.State
	z.result = result
	if result.State == ZapSuccess {
		zapSuccessTotal.Add(1)
		slog.Info("zap: sent", "recipient", shortID(recipient), "amount_sats", amountSats)
	}
	return result
}

func (z *ZapFlow) process(ctx context.Context, recipient, eventID string, eventKind int, amountSats int64, comment string) *ZapResult {
	// Lightning address comes from the cache; a miss fails before any
	// network traffic.
	rec, ok := z.metadata.Get(recipient)
	if !ok {
		return &ZapResult{Err: ErrRecipientUnknown}
	}
	if !CanReceiveZaps(rec) {
		return &ZapResult{Err: ErrZapNoLightning}
	}

	info, err := z.lnurl.ResolveFromRecord(ctx, rec)
	if err != nil {
		return &ZapResult{Err: fmt.Errorf("%w: %v", ErrZapNoLightning, err)}
	}

	amountMsats := SatsToMsats(amountSats)
	if amountMsats < info.MinSendable || amountMsats > info.MaxSendable {
		return &ZapResult{Err: fmt.Errorf("%w: %d msats not in [%d, %d]",
			ErrZapAmountOutside, amountMsats, info.MinSendable, info.MaxSendable)}
	}

	// Signed zap request rides along to the LNURL callback when the
	// endpoint supports receipts.
	var zapRequestJSON string
	if info.AllowsNostr {
		signed, err := z.signer.Sign(ctx, z.buildZapRequest(recipient, eventID, eventKind, amountMsats, comment, info))
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return &ZapResult{Err: ErrZapCancelled}
			}
			// Busy, cancelled, or failed: terminal either way, no retry.
			return &ZapResult{Err: err}
		}
		zapRequestJSON = mustJSON(signed)
	}

	// lnurl tag/param is only meaningful for bech32 LNURLs; lud16 is a
	// different encoding and the param is optional.
	invoice, err := z.lnurl.RequestInvoice(ctx, info, amountMsats, zapRequestJSON, rec.Lud06)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return &ZapResult{Err: ErrZapCancelled}
		}
		return &ZapResult{Err: fmt.Errorf("%w: %v", ErrInvoiceFetch, err)}
	}

	if z.wallet == nil {
		handoff, err := buildWalletHandoff(invoice)
		if err != nil {
			return &ZapResult{Err: err}
		}
		return &ZapResult{State: ZapOpenWallet, AmountSats: amountSats, Handoff: handoff}
	}

	payResult, err := z.wallet.PayInvoice(ctx, invoice)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return &ZapResult{Err: ErrZapCancelled}
		}
		if errors.Is(err, ErrPaymentTimeout) {
			return &ZapResult{Err: err}
		}
		return &ZapResult{Err: fmt.Errorf("%w: %v", ErrPaymentRejected, err)}
	}

	return &ZapResult{State: ZapSuccess, AmountSats: amountSats, Preimage: payResult.Preimage}
}

// buildZapRequest assembles the kind 9734 draft per NIP-57.
func (z *ZapFlow) buildZapRequest(recipient, eventID string, eventKind int, amountMsats int64, comment string, info *LNURLPayInfo) *EventDraft {
	relaysTag := append([]string{"relays"}, z.relays...)
	tags := [][]string{
		relaysTag,
		{"amount", fmt.Sprintf("%d", amountMsats)},
		{"p", recipient},
	}
	if eventID != "" {
		tags = append(tags, []string{"e", eventID})
		tags = append(tags, []string{"k", fmt.Sprintf("%d", eventKind)})
	}

	if info.CommentAllowed > 0 && len(comment) > info.CommentAllowed {
		comment = comment[:info.CommentAllowed]
	} else if info.CommentAllowed == 0 {
		comment = ""
	}

	return &EventDraft{
		Kind:      KindZapRequest,
		Tags:      tags,
		Content:   comment,
		CreatedAt: time.Now().Unix(),
	}
}

// MarkWalletOpened advances the handoff path to its terminal state. When
// Send returns an OpenWallet result the caller presents the handoff and
// calls this once the wallet app is launched; the flow then ends in
// WalletOpened, never Success, since payment confirmation is out of reach.
func (z *ZapFlow) MarkWalletOpened() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.state != ZapOpenWallet {
		return fmt.Errorf("%w: MarkWalletOpened from %s", ErrZapBadTransition, z.state)
	}
	z.state = ZapWalletOpened
	if z.result != nil {
		z.result.State = ZapWalletOpened
	}
	return nil
}

func buildWalletHandoff(invoice string) (*WalletHandoff, error) {
	uri := "lightning:" + invoice
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("zap: QR encode failed: %v", err)
	}
	return &WalletHandoff{
		Invoice: invoice,
		URI:     uri,
		QRCode:  png,
	}, nil
}

// VerifyZapReceipt checks a kind 9735 receipt against the zap request it
// claims to wrap: signature, description hash linkage is the LNURL server's
// job, but amount and recipient must line up.
func VerifyZapReceipt(receipt *Event, expectedRecipient string, expectedAmountMsats int64) error {
	if receipt == nil || receipt.Kind != KindZapReceipt {
		return errors.New("not a zap receipt")
	}
	if err := VerifyEvent(receipt); err != nil {
		return err
	}
	if p := receipt.TagValue("p"); p != expectedRecipient {
		return errors.New("zap receipt recipient mismatch")
	}

	descJSON := receipt.TagValue("description")
	if descJSON == "" {
		return errors.New("zap receipt missing description")
	}
	var zapRequest Event
	if err := json.Unmarshal([]byte(descJSON), &zapRequest); err != nil {
		return errors.New("zap receipt description is not an event")
	}
	if zapRequest.Kind != KindZapRequest {
		return errors.New("zap receipt does not wrap a zap request")
	}
	if amt := zapRequest.TagValue("amount"); amt != fmt.Sprintf("%d", expectedAmountMsats) {
		return errors.New("zap receipt amount mismatch")
	}
	return nil
}
