package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BootstrapConfig holds configuration for the rendezvous server
type BootstrapConfig struct {
	ListenAddr string
	StoreURI   string
	LogLevel   string
}

// SetupBootstrapFlags sets up the command line flags for bootstrapd
func SetupBootstrapFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "bootstrapd.yaml")
	flagSet.String("listen-addr", "0.0.0.0:50061", "Address to listen on for gRPC connections")
	flagSet.String("store", "mem", "Backing store URI (mem, sqlite://path, rqlite://host:port, http://host:port)")
}

// LoadBootstrapConfig loads the configuration for bootstrapd using viper and flags
func LoadBootstrapConfig(flagSet *pflag.FlagSet) (*BootstrapConfig, error) {
	v, err := newViper(flagSet, "bootstrapd")
	if err != nil {
		return nil, err
	}

	config := &BootstrapConfig{
		ListenAddr: v.GetString("listen-addr"),
		StoreURI:   v.GetString("store"),
		LogLevel:   v.GetString("log-level"),
	}
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("listen-addr must not be empty")
	}
	return config, nil
}

// CreateDefaultBootstrapConfig creates a default configuration file for bootstrapd
func CreateDefaultBootstrapConfig(path string) error {
	configContent := `# rshmem rendezvous server configuration
listen-addr: "0.0.0.0:50061"
store: "mem" # sqlite:///var/lib/rshmem/rendezvous.db, rqlite://localhost:4001
log-level: "info" # trace, debug, info, warn, error
`

	return writeConfigFile(path, configContent)
}
