package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rshmem/internal/bootstrap"
	"github.com/yuuki/rshmem/internal/config"
)

func main() {
	flagSet := pflag.NewFlagSet("bootstrapd", pflag.ExitOnError)
	config.SetupBootstrapFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Println("rshmem bootstrapd v0.1.0")
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultBootstrapConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadBootstrapConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogging(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := bootstrap.Open(ctx, cfg.StoreURI)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.StoreURI).Msg("Failed to open backing store")
	}

	server := bootstrap.NewServer(cfg.ListenAddr, store)
	if err := server.Run(); err != nil {
		log.Fatal().Err(err).Msg("Rendezvous server failed")
	}
}
