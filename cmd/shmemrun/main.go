package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rshmem/internal/config"
	"github.com/yuuki/rshmem/internal/runner"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("shmemrun", pflag.ExitOnError)
	config.SetupRuntimeFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Println("rshmem shmemrun v0.1.0")
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultRuntimeConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadRuntimeConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	r, err := runner.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create runner")
	}

	if err := r.Run(); err != nil {
		log.Fatal().Err(err).Msg("Runner failed")
	}
}
