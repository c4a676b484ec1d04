// Command server runs a demo resource server with the agentkit extension
// enabled: verified humans get a two-use free trial on the protected route,
// everyone else goes through the normal x402 payment flow.
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/worldcoin/agentkit/agentbook"
	"github.com/worldcoin/agentkit/events"
	"github.com/worldcoin/agentkit/hooks"
	"github.com/worldcoin/agentkit/middleware"
	"github.com/worldcoin/agentkit/store"
	"github.com/worldcoin/agentkit/types"
)

func main() {
	registry, err := agentbook.New(agentbook.Config{
		ContractAddress: os.Getenv("AGENTBOOK_CONTRACT"),
	})
	if err != nil {
		log.Fatalf("Failed to create AgentBook client: %v", err)
	}

	var usage store.UsageStore
	var nonces store.NonceStore
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		rs := store.NewRedisStore(redis.NewClient(opts), 10*time.Minute)
		usage, nonces = rs, rs
	} else {
		ms := store.NewMemoryStore()
		usage, nonces = ms, ms
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	publisher := events.NewWatermillPublisher(pubSub, "")

	agent, err := hooks.New(hooks.Config{
		Mode:     types.AccessMode{Mode: types.ModeFreeTrial, Uses: 2},
		Resolver: registry,
		Usage:    usage,
		Nonces:   nonces,
		SupportedChains: []types.SupportedChain{
			{ChainID: "eip155:8453", Type: types.SignatureTypeEIP191},
		},
		Events: publisher,
	})
	if err != nil {
		log.Fatalf("Failed to create hooks: %v", err)
	}

	mw, err := middleware.NewX402Middleware(&middleware.Config{
		FacilitatorURL: envOr("FACILITATOR_URL", "http://localhost:4020"),
		ProtectedPaths: []string{"/data"},
		DefaultRequirements: types.PaymentRequirements{
			Scheme:            "exact",
			Network:           "eip155:8453",
			Amount:            "1000",
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			PayTo:             envOr("PAY_TO", "0x0000000000000000000000000000000000000000"),
			MaxTimeoutSeconds: 120,
			Extra:             map[string]any{"name": "USD Coin", "version": "2"},
		},
		Agent:     agent,
		Statement: "Sign in to prove you are a verified human.",
	})
	if err != nil {
		log.Fatalf("Failed to create middleware: %v", err)
	}

	router := gin.Default()
	router.Use(mw.Handler())
	router.GET("/data", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"data": "premium content"})
	})

	if err := router.Run(":8080"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
