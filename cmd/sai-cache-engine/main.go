package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/engine"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	if env := os.Getenv("SAI_CACHE_CONFIG"); env != "" && !isFlagSet("config") {
		*configPath = env
	}

	mainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(mainCtx, *configPath)
	if err != nil {
		fmt.Printf("Failed to create cache engine: %v\n", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		fmt.Printf("Failed to start cache engine: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		eng.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-mainCtx.Done():
	}

	if err := eng.Stop(); err != nil {
		eng.Logger().Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
