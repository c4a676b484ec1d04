package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/worldcoin/agentkit/facilitator"
)

func main() {
	configPath := flag.String("config", "facilitator/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := facilitator.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	f := facilitator.NewFacilitator(cfg)
	defer f.Close()

	if err := f.DialRPCClients(); err != nil {
		log.Fatalf("Failed to dial RPC clients: %v", err)
	}

	if err := f.Run(ctx); err != nil {
		log.Fatalf("Failed to run facilitator: %v", err)
	}
}
