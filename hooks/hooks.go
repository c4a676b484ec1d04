// Package hooks implements the agentkit policy state machine: the request
// hook that decides whether a verified human bypasses payment, and the
// verify-failure hook that recovers short-paid settlements in discount mode.
package hooks

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/worldcoin/agentkit/chains"
	"github.com/worldcoin/agentkit/events"
	"github.com/worldcoin/agentkit/extension"
	"github.com/worldcoin/agentkit/header"
	"github.com/worldcoin/agentkit/store"
	"github.com/worldcoin/agentkit/types"
	"github.com/worldcoin/agentkit/validator"
	"github.com/worldcoin/agentkit/verifier"
	"github.com/worldcoin/agentkit/x402"
)

// HumanResolver resolves a wallet address to its human identifier on a
// chain. An empty identifier means the wallet is not registered.
type HumanResolver interface {
	LookupHuman(ctx context.Context, address, chainID string) (string, error)
}

// conditionalIncrementer is the optional store fast-path: increment only
// while the counter is below a cap, atomically. Remote stores implement it
// so concurrent trials on one counter cannot exceed the cap.
type conditionalIncrementer interface {
	IncrementUsageBelow(ctx context.Context, endpoint, humanID string, limit int64) (bool, error)
}

// Config assembles the collaborators of the state machine.
type Config struct {
	// Mode is the access policy for the protected routes.
	Mode types.AccessMode

	// Resolver looks up human identifiers. Required.
	Resolver HumanResolver

	// Usage tracks per-human counters. Required for free-trial and
	// discount modes.
	Usage store.UsageStore

	// Nonces is the optional replay guard.
	Nonces store.NonceStore

	// SupportedChains are the chains advertised in 402 responses; a
	// challenge naming any other chain fails validation.
	SupportedChains []types.SupportedChain

	// MaxAge overrides the default 5-minute issuedAt window.
	MaxAge time.Duration

	// EVMVerifier, when set, replaces offline EIP-191 recovery (for
	// EIP-1271 / EIP-6492 support).
	EVMVerifier chains.EVMVerifierFunc

	// Events receives observability events. Optional.
	Events events.Publisher
}

// Grant is the request hook's positive decision: the request is served
// without payment.
type Grant struct {
	Address string
	HumanID string
}

// Recovery is the verify-failure hook's positive decision: the settlement
// proceeds against the adjusted (paid) amount.
type Recovery struct {
	IsValid bool   `json:"isValid"`
	Payer   string `json:"payer"`
}

// Hooks is safe for concurrent use by many request handlers.
type Hooks struct {
	cfg      Config
	verifier *verifier.Verifier
	pending  *pendingTable
}

// New validates the configuration and builds the hooks. Configuration
// errors are fatal here so they cannot surface per-request.
func New(cfg Config) (*Hooks, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("a human resolver is required")
	}
	switch cfg.Mode.Mode {
	case types.ModeFree:
	case types.ModeFreeTrial:
		if cfg.Usage == nil {
			return nil, fmt.Errorf("free-trial mode requires a usage store")
		}
		if cfg.Mode.Uses < 0 {
			return nil, fmt.Errorf("free-trial uses must be positive, got %d", cfg.Mode.Uses)
		}
		if cfg.Mode.Uses == 0 {
			cfg.Mode.Uses = 1
		}
	case types.ModeDiscount:
		if cfg.Usage == nil {
			return nil, fmt.Errorf("discount mode requires a usage store")
		}
		if cfg.Mode.Percent < 1 || cfg.Mode.Percent > 100 {
			return nil, fmt.Errorf("discount percent must be in 1..100, got %d", cfg.Mode.Percent)
		}
		if cfg.Mode.Uses < 0 {
			return nil, fmt.Errorf("discount uses must be positive or zero for unbounded, got %d", cfg.Mode.Uses)
		}
	default:
		return nil, fmt.Errorf("unknown access mode: %q", cfg.Mode.Mode)
	}

	return &Hooks{
		cfg:      cfg,
		verifier: &verifier.Verifier{EVMVerifier: cfg.EVMVerifier},
		pending:  newPendingTable(),
	}, nil
}

// Mode returns the configured access mode, for echoing in 402 responses.
func (h *Hooks) Mode() *types.AccessMode {
	mode := h.cfg.Mode
	return &mode
}

// OnProtectedRequest runs on every protected request. A nil return is "no
// decision": the normal payment flow proceeds. It never panics across the
// adapter boundary; every internal failure yields a nil return. A failed
// human lookup emits agent_not_verified; other failures, including a
// recovered panic, emit validation_failed.
func (h *Hooks) OnProtectedRequest(ctx context.Context, r *http.Request) (grant *Grant) {
	endpoint := r.URL.Path
	defer func() {
		if rec := recover(); rec != nil {
			h.emit(ctx, events.Event{
				Type:     events.ValidationFailed,
				Resource: endpoint,
				Error:    fmt.Sprintf("internal error: %v", rec),
			})
			grant = nil
		}
	}()

	raw := r.Header.Get(header.Name)
	if raw == "" {
		return nil
	}

	msg, err := header.Parse(raw)
	if err != nil {
		h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: err.Error()})
		return nil
	}

	if !h.chainSupported(msg.ChainID) {
		h.emit(ctx, events.Event{
			Type:     events.ValidationFailed,
			Resource: endpoint,
			Error:    fmt.Sprintf("chain %s is not supported", msg.ChainID),
		})
		return nil
	}

	resourceURI := extension.RequestURL(r)
	result := validator.ValidateMessage(ctx, msg, resourceURI, validator.Options{
		MaxAge:     h.cfg.MaxAge,
		CheckNonce: h.checkNonce(),
	})
	if !result.Valid {
		h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: result.Error})
		return nil
	}

	verified := h.verifier.VerifySignature(ctx, msg)
	if !verified.Valid {
		h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: verified.Error})
		return nil
	}

	// Only successful verifications consume nonces; letting failures burn
	// them would hand adversaries a denial-of-service lever.
	if h.cfg.Nonces != nil {
		if err := h.cfg.Nonces.RecordNonce(ctx, msg.Nonce); err != nil {
			h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: err.Error()})
			return nil
		}
	}

	humanID, err := h.cfg.Resolver.LookupHuman(ctx, msg.Address, msg.ChainID)
	if err != nil || humanID == "" {
		h.emit(ctx, events.Event{Type: events.AgentNotVerified, Resource: endpoint, Address: msg.Address})
		return nil
	}

	switch h.cfg.Mode.Mode {
	case types.ModeFree:
		h.emit(ctx, events.Event{Type: events.AgentVerified, Resource: endpoint, Address: msg.Address, HumanID: humanID})
		return &Grant{Address: msg.Address, HumanID: humanID}

	case types.ModeFreeTrial:
		if !h.consumeTrial(ctx, endpoint, humanID) {
			return nil
		}
		h.emit(ctx, events.Event{Type: events.AgentVerified, Resource: endpoint, Address: msg.Address, HumanID: humanID})
		return &Grant{Address: msg.Address, HumanID: humanID}

	case types.ModeDiscount:
		// The agent is expected to pay the discounted amount; recovery
		// happens in OnVerifyFailure once the facilitator reports the
		// underpayment.
		h.pending.put(endpoint, msg.Address, humanID)
		return nil
	}
	return nil
}

// OnVerifyFailure runs when the facilitator rejects a payment. A non-nil
// return means the short payment is accepted: requirements.Amount has been
// adjusted to the paid amount and settlement should be retried against it.
// Only discount mode ever recovers.
func (h *Hooks) OnVerifyFailure(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements, verifyErr string) (recovery *Recovery) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("agentkit: verify-failure hook recovered from panic: %v", rec)
			recovery = nil
		}
	}()

	if h.cfg.Mode.Mode != types.ModeDiscount || payload == nil || requirements == nil {
		return nil
	}

	resourcePath := resourcePath(payload)
	if resourcePath == "" {
		return nil
	}

	payer, paidStr, err := x402.Payer(payload)
	if err != nil {
		return nil
	}

	entry, ok := h.pending.take(resourcePath, payer)
	if !ok {
		return nil
	}

	if !isUnderpayment(verifyErr) {
		return nil
	}

	if h.cfg.Mode.Uses > 0 {
		count, err := h.cfg.Usage.GetUsageCount(ctx, resourcePath, entry.humanID)
		if err != nil {
			return nil
		}
		if count >= int64(h.cfg.Mode.Uses) {
			h.emit(ctx, events.Event{
				Type:     events.DiscountExhausted,
				Resource: resourcePath,
				Address:  payer,
				HumanID:  entry.humanID,
			})
			return nil
		}
	}

	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil
	}
	paid, ok := new(big.Int).SetString(paidStr, 10)
	if !ok {
		return nil
	}

	// discounted = floor(required * (100 - percent) / 100)
	discounted := new(big.Int).Mul(required, big.NewInt(int64(100-h.cfg.Mode.Percent)))
	discounted.Div(discounted, big.NewInt(100))

	if paid.Cmp(discounted) < 0 {
		// Short beyond the permitted discount.
		return nil
	}
	if paid.Cmp(required) >= 0 {
		// Not an underpayment in substance; the verify failure has some
		// other cause.
		return nil
	}

	if err := h.cfg.Usage.IncrementUsage(ctx, resourcePath, entry.humanID); err != nil {
		return nil
	}

	h.emit(ctx, events.Event{
		Type:     events.DiscountApplied,
		Resource: resourcePath,
		Address:  payer,
		HumanID:  entry.humanID,
	})

	requirements.Amount = paid.String()
	return &Recovery{IsValid: true, Payer: payer}
}

// underpaymentReasons is the set of facilitator reason codes eligible for
// discount recovery. The code is the substring before the first colon of the
// facilitator's error; this coupling to upstream formatting is a known wire
// contract.
var underpaymentReasons = map[string]bool{
	"invalid_exact_evm_payload_authorization_value": true,
	"permit2_insufficient_amount":                   true,
	"insufficient_funds":                            true,
}

func isUnderpayment(verifyErr string) bool {
	code := verifyErr
	if idx := strings.Index(verifyErr, ":"); idx >= 0 {
		code = verifyErr[:idx]
	}
	return underpaymentReasons[strings.TrimSpace(code)]
}

func resourcePath(payload *types.PaymentPayload) string {
	if payload.Resource == nil || payload.Resource.URL == "" {
		return ""
	}
	parsed, err := url.Parse(payload.Resource.URL)
	if err != nil {
		return ""
	}
	if parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// consumeTrial performs the read-then-increment for free-trial mode. Stores
// that offer an atomic conditional increment are preferred (both bundled
// stores do); the separate read and increment below applies only to stores
// without it.
func (h *Hooks) consumeTrial(ctx context.Context, endpoint, humanID string) bool {
	uses := int64(h.cfg.Mode.Uses)

	if ci, ok := h.cfg.Usage.(conditionalIncrementer); ok {
		granted, err := ci.IncrementUsageBelow(ctx, endpoint, humanID, uses)
		if err != nil {
			h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: err.Error()})
			return false
		}
		return granted
	}

	count, err := h.cfg.Usage.GetUsageCount(ctx, endpoint, humanID)
	if err != nil {
		h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: err.Error()})
		return false
	}
	if count >= uses {
		return false
	}
	if err := h.cfg.Usage.IncrementUsage(ctx, endpoint, humanID); err != nil {
		h.emit(ctx, events.Event{Type: events.ValidationFailed, Resource: endpoint, Error: err.Error()})
		return false
	}
	return true
}

func (h *Hooks) chainSupported(chainID string) bool {
	for _, chain := range h.cfg.SupportedChains {
		if chain.ChainID == chainID {
			return true
		}
	}
	return false
}

func (h *Hooks) checkNonce() func(ctx context.Context, nonce string) (bool, error) {
	if h.cfg.Nonces == nil {
		return nil
	}
	return func(ctx context.Context, nonce string) (bool, error) {
		used, err := h.cfg.Nonces.HasUsedNonce(ctx, nonce)
		if err != nil {
			return false, err
		}
		return !used, nil
	}
}

func (h *Hooks) emit(ctx context.Context, event events.Event) {
	if h.cfg.Events == nil {
		return
	}
	if err := h.cfg.Events.Publish(ctx, event); err != nil {
		log.Printf("agentkit: failed to publish %s event: %v", event.Type, err)
	}
}
