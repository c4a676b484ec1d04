// Package middleware wires the agentkit hooks into a gin server speaking the
// x402 payment protocol: 402 challenges, facilitator verification with
// discount recovery, and settle-before-flush response buffering.
package middleware

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/worldcoin/agentkit/extension"
	"github.com/worldcoin/agentkit/facilitator/client"
	"github.com/worldcoin/agentkit/types"
	"github.com/worldcoin/agentkit/x402"
)

type X402Middleware struct {
	config      *Config
	facilitator *client.FacilitatorClient
}

func NewX402Middleware(cfg *Config) (*X402Middleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &X402Middleware{
		config:      cfg,
		facilitator: client.NewFacilitatorClient(cfg.FacilitatorURL),
	}, nil
}

func (m *X402Middleware) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !m.isProtectedPath(ctx.Request.URL.Path) {
			ctx.Next()
			return
		}

		// The request hook runs before any facilitator call so that, in
		// discount mode, the pending record exists by the time the
		// facilitator reports a verification failure.
		if m.config.Agent != nil {
			if grant := m.config.Agent.OnProtectedRequest(ctx.Request.Context(), ctx.Request); grant != nil {
				ctx.Set("agentkit_address", grant.Address)
				ctx.Set("agentkit_human_id", grant.HumanID)
				ctx.Next()
				return
			}
		}

		headerName := m.config.GetPaymentHeaderName()
		paymentHeader := ctx.GetHeader(headerName)
		if paymentHeader == "" {
			m.sendPaymentRequired(ctx, ctx.Request.URL.Path, "")
			return
		}

		paymentPayload, err := x402.DecodePaymentHeader(paymentHeader)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid payment header: " + err.Error(),
			})
			ctx.Abort()
			return
		}

		requirements := m.getRequirements(ctx.Request.URL.Path)

		verifyResp, err := m.facilitator.Verify(ctx.Request.Context(), &types.VerifyRequest{
			X402Version:         types.X402Version,
			PaymentPayload:      *paymentPayload,
			PaymentRequirements: requirements,
		})
		if err != nil {
			ctx.JSON(http.StatusBadGateway, gin.H{
				"error": "Failed to verify payment: " + err.Error(),
			})
			ctx.Abort()
			return
		}

		if !verifyResp.IsValid {
			recovered := false
			if m.config.Agent != nil {
				// Discount mode: a verified human may short-pay down to
				// the discounted amount; the hook adjusts requirements
				// when the underpayment is within policy.
				if rec := m.config.Agent.OnVerifyFailure(ctx.Request.Context(), paymentPayload, &requirements, verifyResp.InvalidReason); rec != nil {
					recovered = rec.IsValid
					ctx.Set("agentkit_payer", rec.Payer)
				}
			}
			if !recovered {
				m.sendPaymentRequired(ctx, ctx.Request.URL.Path, verifyResp.InvalidReason)
				return
			}
		}

		ctx.Set("x402_payment_verified", true)
		ctx.Set("x402_payment_header", paymentHeader)
		ctx.Set("x402_payment_requirements", requirements)

		buffered := capture(ctx, m.config.GetMaxBufferSize())

		ctx.Next()

		if buffered.overflow {
			log.Printf("Response exceeded max buffer size (%d bytes), aborting", m.config.GetMaxBufferSize())
			buffered.abandon(ctx)
			ctx.JSON(http.StatusInternalServerError, gin.H{
				"error": "Response too large to process payment",
			})
			ctx.Abort()
			return
		}

		// Settle only if the handler succeeded.
		if buffered.Status() >= 200 && buffered.Status() < 300 {
			settleResp, err := m.facilitator.Settle(ctx.Request.Context(), &types.SettleRequest{
				X402Version:         types.X402Version,
				PaymentPayload:      *paymentPayload,
				PaymentRequirements: requirements,
			})
			if err != nil {
				buffered.abandon(ctx)
				ctx.JSON(http.StatusBadGateway, gin.H{
					"error": "Failed to settle payment: " + err.Error(),
				})
				ctx.Abort()
				return
			}

			if !settleResp.Success {
				buffered.abandon(ctx)
				ctx.JSON(http.StatusPaymentRequired, gin.H{
					"error": "Payment settlement failed: " + settleResp.ErrorReason,
				})
				ctx.Abort()
				return
			}

			ctx.Set("x402_settlement_tx", settleResp.Transaction)
			ctx.Set("x402_settlement_network", settleResp.Network)
			ctx.Set("x402_settlement_payer", settleResp.Payer)

			setPaymentResponseHeader(ctx, settleResp)

			log.Printf("Payment settled: tx=%s, network=%s, payer=%s",
				settleResp.Transaction, settleResp.Network, settleResp.Payer)
		}

		buffered.flush()
	}
}

func (m *X402Middleware) isProtectedPath(path string) bool {
	for _, pattern := range m.config.ProtectedPaths {
		matched, err := filepath.Match(pattern, path)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func (m *X402Middleware) getRequirements(path string) types.PaymentRequirements {
	if req, exists := m.config.RouteRequirements[path]; exists {
		return req
	}
	for pattern, req := range m.config.RouteRequirements {
		matched, err := filepath.Match(pattern, path)
		if err == nil && matched {
			return req
		}
	}
	return m.config.DefaultRequirements
}

func (m *X402Middleware) sendPaymentRequired(ctx *gin.Context, path, reason string) {
	requirements := m.getRequirements(path)
	headerName := m.config.GetPaymentHeaderName()

	resource := &types.ResourceInfo{URL: path}
	if r, exists := m.config.RouteResources[path]; exists {
		resource.Description = r.Description
		resource.MimeType = r.MimeType
	}

	if reason == "" {
		reason = headerName + " header is required"
	}

	response := types.PaymentRequired{
		X402Version: types.X402Version,
		Error:       reason,
		Resource:    resource,
		Accepts:     []types.PaymentRequirements{requirements},
	}

	if m.config.Agent != nil {
		block, err := extension.Declare(ctx.Request, extension.Config{
			Statement:       m.config.Statement,
			SupportedChains: supportedChainsFor(response.Accepts),
			Mode:            m.config.Agent.Mode(),
		})
		if err != nil {
			log.Printf("Failed to declare agentkit extension: %v", err)
		} else {
			response.Extensions = map[string]any{extension.Key: block}
		}
	}

	setPaymentRequiredHeader(ctx, &response)
	ctx.JSON(http.StatusPaymentRequired, response)
	ctx.Abort()
}

// setPaymentRequiredHeader encodes the PaymentRequired response as base64
// JSON in the PAYMENT-REQUIRED response header.
func setPaymentRequiredHeader(ctx *gin.Context, response *types.PaymentRequired) {
	data, err := json.Marshal(response)
	if err != nil {
		log.Printf("Failed to encode PAYMENT-REQUIRED header: %v", err)
		return
	}
	ctx.Header("PAYMENT-REQUIRED", base64.StdEncoding.EncodeToString(data))
}

// setPaymentResponseHeader encodes the SettleResponse as base64 JSON in the
// PAYMENT-RESPONSE response header.
func setPaymentResponseHeader(ctx *gin.Context, response *types.SettleResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		log.Printf("Failed to encode PAYMENT-RESPONSE header: %v", err)
		return
	}
	ctx.Header("PAYMENT-RESPONSE", base64.StdEncoding.EncodeToString(data))
}
