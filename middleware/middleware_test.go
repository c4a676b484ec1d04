package middleware

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldcoin/agentkit/chains"
	"github.com/worldcoin/agentkit/extension"
	"github.com/worldcoin/agentkit/header"
	"github.com/worldcoin/agentkit/hooks"
	"github.com/worldcoin/agentkit/store"
	"github.com/worldcoin/agentkit/types"
)

const testChain = "eip155:8453"

var nonceCounter atomic.Int64

type staticResolver map[string]string

func (r staticResolver) LookupHuman(ctx context.Context, address, chainID string) (string, error) {
	return r[strings.ToLower(address)], nil
}

// fakeFacilitator rejects every verification with the given reason and
// records the requirements each settle call carried.
type fakeFacilitator struct {
	invalidReason string
	settleError   string
	settleAmounts []string
	verifyCalls   int
}

func (f *fakeFacilitator) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls++
		resp := types.VerifyResponse{IsValid: f.invalidReason == "", InvalidReason: f.invalidReason}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		var req types.SettleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.settleAmounts = append(f.settleAmounts, req.PaymentRequirements.Amount)
		if f.settleError != "" {
			json.NewEncoder(w).Encode(types.SettleResponse{Success: false, ErrorReason: f.settleError})
			return
		}
		json.NewEncoder(w).Encode(types.SettleResponse{
			Success:     true,
			Transaction: "0xtx",
			Network:     req.PaymentRequirements.Network,
			Payer:       "0xpayer",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRouter(t *testing.T, cfg *Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mw, err := NewX402Middleware(cfg)
	require.NoError(t, err)

	router := gin.New()
	router.Use(mw.Handler())
	router.GET("/data", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"data": "premium"})
	})
	return router
}

func baseConfig(facilitatorURL string, agent *hooks.Hooks) *Config {
	return &Config{
		FacilitatorURL: facilitatorURL,
		ProtectedPaths: []string{"/data"},
		DefaultRequirements: types.PaymentRequirements{
			Scheme:            "exact",
			Network:           testChain,
			Amount:            "1000",
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			PayTo:             "0xB0B0000000000000000000000000000000000000",
			MaxTimeoutSeconds: 120,
		},
		Agent: agent,
	}
}

func newAgentHooks(t *testing.T, mode types.AccessMode, resolver staticResolver) *hooks.Hooks {
	t.Helper()
	mem := store.NewMemoryStore()
	h, err := hooks.New(hooks.Config{
		Mode:     mode,
		Resolver: resolver,
		Usage:    mem,
		Nonces:   mem,
		SupportedChains: []types.SupportedChain{
			{ChainID: testChain, Type: types.SignatureTypeEIP191},
		},
	})
	require.NoError(t, err)
	return h
}

func newSignedHeader(t *testing.T, key *ecdsa.PrivateKey, address, target string) string {
	t.Helper()

	parsedHost := strings.TrimPrefix(target, "http://")
	host := parsedHost[:strings.Index(parsedHost, "/")]

	challenge := &types.SignedChallenge{
		Domain:   host,
		Address:  address,
		URI:      target,
		Version:  types.ChallengeVersion,
		ChainID:  testChain,
		Type:     types.SignatureTypeEIP191,
		Nonce:    fmt.Sprintf("mw-nonce-%d", nonceCounter.Add(1)),
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
	}

	codec := &chains.EVMCodec{}
	text, err := codec.Format(chains.Message{
		Domain:   challenge.Domain,
		Address:  challenge.Address,
		URI:      challenge.URI,
		Version:  challenge.Version,
		ChainID:  challenge.ChainID,
		Nonce:    challenge.Nonce,
		IssuedAt: challenge.IssuedAt,
	})
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), key)
	require.NoError(t, err)
	sig[64] += 27
	challenge.Signature = "0x" + hex.EncodeToString(sig)

	encoded, err := header.Encode(challenge)
	require.NoError(t, err)
	return encoded
}

func paymentHeader(t *testing.T, payer, value string) string {
	t.Helper()
	payload := types.PaymentPayload{
		X402Version: types.X402Version,
		Resource:    &types.ResourceInfo{URL: "http://api.x/data"},
		Accepted:    types.PaymentRequirements{Scheme: "exact", Network: testChain},
		Payload: map[string]any{
			"signature": "0xabc",
			"authorization": map[string]any{
				"from":        payer,
				"to":          "0xB0B0000000000000000000000000000000000000",
				"value":       value,
				"validAfter":  0,
				"validBefore": 9999999999,
				"nonce":       "0x01",
			},
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestPaymentRequiredAdvertisesChallenge(t *testing.T) {
	facilitator := &fakeFacilitator{}
	agent := newAgentHooks(t, types.AccessMode{Mode: types.ModeFree}, staticResolver{})

	router := newTestRouter(t, baseConfig(facilitator.server(t).URL, agent))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "http://api.x/data", nil))

	require.Equal(t, http.StatusPaymentRequired, recorder.Code)

	var response types.PaymentRequired
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Contains(t, response.Extensions, extension.Key)

	block, err := json.Marshal(response.Extensions[extension.Key])
	require.NoError(t, err)
	var declared types.ChallengeExtension
	require.NoError(t, json.Unmarshal(block, &declared))

	assert.Equal(t, "api.x", declared.Info.Domain)
	assert.Equal(t, "http://api.x/data", declared.Info.URI)
	assert.Equal(t, []types.SupportedChain{{ChainID: testChain, Type: types.SignatureTypeEIP191}}, declared.SupportedChains)
	assert.Equal(t, types.ModeFree, declared.Mode.Mode)
	assert.NotEmpty(t, declared.Info.Nonce)

	// The PAYMENT-REQUIRED header mirrors the body.
	assert.NotEmpty(t, recorder.Header().Get("PAYMENT-REQUIRED"))
}

func TestVerifiedHumanBypassesPayment(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	facilitator := &fakeFacilitator{invalidReason: "should never be called"}
	agent := newAgentHooks(t, types.AccessMode{Mode: types.ModeFree},
		staticResolver{strings.ToLower(address): "0xh"})

	router := newTestRouter(t, baseConfig(facilitator.server(t).URL, agent))

	r := httptest.NewRequest("GET", "http://api.x/data", nil)
	r.Header.Set(header.Name, newSignedHeader(t, key, address, "http://api.x/data"))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, r)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "premium")
	assert.Zero(t, facilitator.verifyCalls)
}

func TestDiscountRecoveryAdjustsSettlement(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	facilitator := &fakeFacilitator{
		invalidReason: "invalid_exact_evm_payload_authorization_value: got 500, required 1000",
	}
	agent := newAgentHooks(t, types.AccessMode{Mode: types.ModeDiscount, Percent: 50, Uses: 10},
		staticResolver{strings.ToLower(address): "0xh"})

	router := newTestRouter(t, baseConfig(facilitator.server(t).URL, agent))

	r := httptest.NewRequest("GET", "http://api.x/data", nil)
	r.Header.Set(header.Name, newSignedHeader(t, key, address, "http://api.x/data"))
	r.Header.Set("PAYMENT-SIGNATURE", paymentHeader(t, address, "500"))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, r)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "premium")

	// Settlement ran against the recovered, discounted amount.
	require.Len(t, facilitator.settleAmounts, 1)
	assert.Equal(t, "500", facilitator.settleAmounts[0])
	assert.NotEmpty(t, recorder.Header().Get("PAYMENT-RESPONSE"))
}

func TestUnrecoverableFailureReturns402(t *testing.T) {
	facilitator := &fakeFacilitator{
		invalidReason: "invalid_signature: recovered 0x1, expected 0x2",
	}
	agent := newAgentHooks(t, types.AccessMode{Mode: types.ModeDiscount, Percent: 50, Uses: 10}, staticResolver{})

	router := newTestRouter(t, baseConfig(facilitator.server(t).URL, agent))

	r := httptest.NewRequest("GET", "http://api.x/data", nil)
	r.Header.Set("PAYMENT-SIGNATURE", paymentHeader(t, "0xA11CE00000000000000000000000000000000000", "500"))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, r)

	assert.Equal(t, http.StatusPaymentRequired, recorder.Code)
	assert.Empty(t, facilitator.settleAmounts)
}

func TestSettlementFailureReachesClient(t *testing.T) {
	facilitator := &fakeFacilitator{settleError: "nonce already used on chain"}
	router := newTestRouter(t, baseConfig(facilitator.server(t).URL, nil))

	r := httptest.NewRequest("GET", "http://api.x/data", nil)
	r.Header.Set("PAYMENT-SIGNATURE", paymentHeader(t, "0xA11CE00000000000000000000000000000000000", "1000"))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, r)

	// The buffered handler body is abandoned; the payment error is what the
	// client sees.
	assert.Equal(t, http.StatusPaymentRequired, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "nonce already used on chain")
	assert.NotContains(t, recorder.Body.String(), "premium")
}

func TestUnprotectedPathPassesThrough(t *testing.T) {
	facilitator := &fakeFacilitator{}
	router := newTestRouter(t, baseConfig(facilitator.server(t).URL, nil))
	router.GET("/health", func(ctx *gin.Context) { ctx.String(http.StatusOK, "ok") })

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "http://api.x/health", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", recorder.Body.String())
}
