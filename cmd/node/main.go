package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawnet/claw-node/internal/config"
	"github.com/clawnet/claw-node/internal/node"
)

const version = "0.3.0"

func main() {
	log.Printf("Starting claw-node %s (event-sourced agent runtime)...", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	log.Printf("[Main] network=%s dataDir=%s api=%v peers=%d",
		cfg.Network, cfg.DataDir, cfg.APIEnable, len(cfg.Bootstrap))

	n, err := node.New(cfg, version)
	if err != nil {
		log.Fatalf("FATAL: node init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("[Main] received %s, shutting down...", s)
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	log.Println("[Main] shutdown complete")
}
