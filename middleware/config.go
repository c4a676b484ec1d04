package middleware

import (
	"errors"
	"strings"

	"github.com/worldcoin/agentkit/hooks"
	"github.com/worldcoin/agentkit/types"
)

// DefaultMaxBufferSize caps buffered response bodies at 10 MiB.
const DefaultMaxBufferSize = 10 << 20

type Config struct {
	// FacilitatorURL is the base URL of the x402 facilitator service.
	FacilitatorURL string

	// DefaultRequirements applies to protected routes without specific
	// requirements.
	DefaultRequirements types.PaymentRequirements

	// ProtectedPaths lists path patterns that require payment. Supports
	// glob patterns like "/api/*" or exact paths like "/data".
	ProtectedPaths []string

	// RouteRequirements maps specific routes to custom payment
	// requirements; unlisted routes use DefaultRequirements.
	RouteRequirements map[string]types.PaymentRequirements

	// RouteResources maps a specific route to its ResourceInfo.
	RouteResources map[string]*types.ResourceInfo

	// PaymentHeaderName is the request header carrying the payment
	// signature. Defaults to "PAYMENT-SIGNATURE".
	PaymentHeaderName string

	// MaxBufferSize caps the buffered response while settlement is
	// pending. Defaults to DefaultMaxBufferSize.
	MaxBufferSize int

	// Agent, when set, engages the agentkit extension: verified humans are
	// granted access per the hooks' policy and 402 responses advertise the
	// challenge.
	Agent *hooks.Hooks

	// Statement is an optional human-readable line included in declared
	// challenges.
	Statement string
}

func (c *Config) Validate() error {
	if c.FacilitatorURL == "" {
		return errors.New("facilitator URL is required")
	}
	if len(c.ProtectedPaths) == 0 {
		return errors.New("at least one protected path must be specified")
	}

	if err := validatePaymentRequirements(&c.DefaultRequirements); err != nil {
		return errors.New("invalid default requirements: " + err.Error())
	}
	for route, req := range c.RouteRequirements {
		if err := validatePaymentRequirements(&req); err != nil {
			return errors.New("invalid requirements for route " + route + ": " + err.Error())
		}
	}

	return nil
}

func (c *Config) GetPaymentHeaderName() string {
	if c.PaymentHeaderName == "" {
		return "PAYMENT-SIGNATURE"
	}
	return c.PaymentHeaderName
}

func (c *Config) GetMaxBufferSize() int {
	if c.MaxBufferSize <= 0 {
		return DefaultMaxBufferSize
	}
	return c.MaxBufferSize
}

func validatePaymentRequirements(req *types.PaymentRequirements) error {
	if req.Scheme == "" {
		return errors.New("scheme is required")
	}
	if req.Network == "" {
		return errors.New("network is required")
	}
	if req.Amount == "" {
		return errors.New("amount is required")
	}
	if req.PayTo == "" {
		return errors.New("pay to address is required")
	}
	if req.Asset == "" {
		return errors.New("asset address is required")
	}
	return nil
}

// supportedChainsFor derives the advertised chains from a route's accepted
// networks, each with its chain-appropriate signature type.
func supportedChainsFor(requirements []types.PaymentRequirements) []types.SupportedChain {
	seen := make(map[string]bool)
	var out []types.SupportedChain
	for _, req := range requirements {
		if seen[req.Network] {
			continue
		}
		seen[req.Network] = true

		sigType := types.SignatureTypeEIP191
		if strings.HasPrefix(req.Network, "solana:") {
			sigType = types.SignatureTypeEd25519
		}
		out = append(out, types.SupportedChain{ChainID: req.Network, Type: sigType})
	}
	return out
}
