// Package facilitator is the reference x402 facilitator: it verifies payment
// authorizations against the chain and settles them. Verification failures
// carry coded reasons ("code: detail") so resource servers can react to
// specific failures, in particular the underpayment codes the agentkit
// discount policy recovers from.
package facilitator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/worldcoin/agentkit/types"
)

type Facilitator struct {
	config *FacilitatorConfig
	router *gin.Engine

	rpcClientsMu sync.RWMutex
	rpcClients   map[string]*ethclient.Client
}

func NewFacilitator(cfg *FacilitatorConfig) *Facilitator {
	f := &Facilitator{
		config:     cfg,
		rpcClients: make(map[string]*ethclient.Client),
	}

	router := gin.Default()
	router.POST("/verify", f.handleVerify)
	router.POST("/settle", f.handleSettle)
	router.GET("/supported", f.handleSupported)
	f.router = router

	return f
}

// DialRPCClients eagerly connects to every configured network.
func (f *Facilitator) DialRPCClients() error {
	for network, netCfg := range f.config.Networks {
		client, err := ethclient.Dial(netCfg.RpcUrl)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", network, err)
		}
		f.rpcClientsMu.Lock()
		f.rpcClients[network] = client
		f.rpcClientsMu.Unlock()
	}
	return nil
}

func (f *Facilitator) getRPCClient(network string) (*ethclient.Client, error) {
	f.rpcClientsMu.RLock()
	client, ok := f.rpcClients[network]
	f.rpcClientsMu.RUnlock()
	if ok {
		return client, nil
	}

	netCfg, err := f.config.GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}

	client, err = ethclient.Dial(netCfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", network, err)
	}

	f.rpcClientsMu.Lock()
	f.rpcClients[network] = client
	f.rpcClientsMu.Unlock()
	return client, nil
}

// Run serves until the context is cancelled.
func (f *Facilitator) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", f.config.Server.Host, f.config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: f.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Facilitator listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close tears down the cached RPC connections.
func (f *Facilitator) Close() {
	f.rpcClientsMu.Lock()
	defer f.rpcClientsMu.Unlock()
	for _, client := range f.rpcClients {
		client.Close()
	}
	f.rpcClients = make(map[string]*ethclient.Client)
}

func (f *Facilitator) handleVerify(ctx *gin.Context) {
	var req types.VerifyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := time.Duration(f.config.Transaction.TimeoutSeconds) * time.Second
	verifyCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
	defer cancel()

	ctx.JSON(http.StatusOK, f.verifyPayment(verifyCtx, &req))
}

func (f *Facilitator) handleSettle(ctx *gin.Context) {
	var req types.SettleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := time.Duration(f.config.Transaction.TimeoutSeconds) * time.Second
	settleCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
	defer cancel()

	ctx.JSON(http.StatusOK, f.settlePayment(settleCtx, &req.PaymentPayload, &req.PaymentRequirements))
}

func (f *Facilitator) handleSupported(ctx *gin.Context) {
	kinds := f.config.Supported
	if kinds == nil {
		kinds = []types.SupportedKind{}
	}
	ctx.JSON(http.StatusOK, types.SupportedResponse{Kinds: kinds})
}
