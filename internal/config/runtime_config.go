package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/yuuki/rshmem/internal/rdma"
)

// Workloads shmemrun knows how to drive.
var Workloads = []string{"barrier", "partial", "putget", "teams", "all"}

// Metrics backends.
const (
	MetricsNone       = "none"
	MetricsOTel       = "otel"
	MetricsPrometheus = "prometheus"
)

// RuntimeConfig holds configuration for a shmemrun job
type RuntimeConfig struct {
	InstanceID        string
	WorldSize         int
	PEsPerNode        int
	HeapSize          uint64
	ScratchSize       uint64
	QueueOrder        uint
	QueuesPerPeer     int
	CQDoorbell        rdma.DoorbellMode
	MaxTeams          int
	SlotPoolSize      int
	Bootstrap         string
	DeviceCPU         int
	LogLevel          string
	Metrics           string
	OTelCollectorAddr string
	MetricsAddr       string
	Workload          string
	Iterations        int
	Rate              int
	Timeout           time.Duration
}

// SetupRuntimeFlags sets up the command line flags for shmemrun
func SetupRuntimeFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "shmemrun.yaml")
	flagSet.String("instance-id", getSystemHostname(), "Identifier attached to exported metrics")
	flagSet.Int("world-size", 4, "Number of PEs in the job")
	flagSet.Int("pes-per-node", 1, "PEs sharing a node; peers on the same node are mapped directly")
	flagSet.Uint64("heap-size", 16<<20, "Symmetric heap bytes per PE (multiple of 4096)")
	flagSet.Uint64("scratch-size", 4<<20, "Staging bytes per PE (multiple of 4096)")
	flagSet.Uint("queue-order", rdma.DefaultQueueOrder, "log2 of the send/completion ring depth")
	flagSet.Int("queues-per-peer", 1, "Queue pairs toward each RDMA peer")
	flagSet.String("cq-doorbell", rdma.DoorbellSoftware.String(), "Completion doorbell format (sw, hw)")
	flagSet.Int("max-teams", 32, "Team slots per PE (at most 64)")
	flagSet.Int("slot-pool-size", 8, "Partial barrier slots per team before a full barrier is forced")
	flagSet.String("bootstrap", "mem", "Rendezvous store URI (mem, grpc://host:port, sqlite://path, rqlite://host:port)")
	flagSet.Int("device-cpu", -1, "First CPU to pin device threads to (-1 disables pinning)")
	flagSet.String("metrics", MetricsNone, "Metrics backend (none, otel, prometheus)")
	flagSet.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address")
	flagSet.String("metrics-addr", ":9464", "Listen address of the Prometheus /metrics endpoint")
	flagSet.String("workload", "all", "Workload to run (barrier, partial, putget, teams, all)")
	flagSet.Int("iterations", 1000, "Iterations per workload")
	flagSet.Int("rate", 0, "Iterations per second per PE (0 is unlimited)")
	flagSet.Duration("timeout", 30*time.Second, "Bootstrap timeout")
}

// LoadRuntimeConfig loads the configuration for shmemrun using viper and flags
func LoadRuntimeConfig(flagSet *pflag.FlagSet) (*RuntimeConfig, error) {
	v, err := newViper(flagSet, "shmemrun")
	if err != nil {
		return nil, err
	}

	doorbell, err := rdma.ParseDoorbellMode(v.GetString("cq-doorbell"))
	if err != nil {
		return nil, err
	}

	config := &RuntimeConfig{
		InstanceID:        v.GetString("instance-id"),
		WorldSize:         v.GetInt("world-size"),
		PEsPerNode:        v.GetInt("pes-per-node"),
		HeapSize:          v.GetUint64("heap-size"),
		ScratchSize:       v.GetUint64("scratch-size"),
		QueueOrder:        v.GetUint("queue-order"),
		QueuesPerPeer:     v.GetInt("queues-per-peer"),
		CQDoorbell:        doorbell,
		MaxTeams:          v.GetInt("max-teams"),
		SlotPoolSize:      v.GetInt("slot-pool-size"),
		Bootstrap:         v.GetString("bootstrap"),
		DeviceCPU:         v.GetInt("device-cpu"),
		LogLevel:          v.GetString("log-level"),
		Metrics:           v.GetString("metrics"),
		OTelCollectorAddr: v.GetString("otel-collector-addr"),
		MetricsAddr:       v.GetString("metrics-addr"),
		Workload:          v.GetString("workload"),
		Iterations:        v.GetInt("iterations"),
		Rate:              v.GetInt("rate"),
		Timeout:           v.GetDuration("timeout"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the runtime cannot start with.
func (c *RuntimeConfig) Validate() error {
	switch {
	case c.WorldSize < 1:
		return fmt.Errorf("world-size must be positive, got %d", c.WorldSize)
	case c.PEsPerNode < 1:
		return fmt.Errorf("pes-per-node must be positive, got %d", c.PEsPerNode)
	case c.HeapSize == 0 || c.HeapSize%4096 != 0:
		return fmt.Errorf("heap-size must be a positive multiple of 4096, got %d", c.HeapSize)
	case c.ScratchSize == 0 || c.ScratchSize%4096 != 0:
		return fmt.Errorf("scratch-size must be a positive multiple of 4096, got %d", c.ScratchSize)
	case c.QueueOrder < rdma.MinQueueOrder || c.QueueOrder > rdma.MaxQueueOrder:
		return fmt.Errorf("queue-order must be in [%d, %d], got %d", rdma.MinQueueOrder, rdma.MaxQueueOrder, c.QueueOrder)
	case c.QueuesPerPeer < 1:
		return fmt.Errorf("queues-per-peer must be positive, got %d", c.QueuesPerPeer)
	case c.MaxTeams < 1 || c.MaxTeams > 64:
		return fmt.Errorf("max-teams must be in [1, 64], got %d", c.MaxTeams)
	case c.SlotPoolSize < 1:
		return fmt.Errorf("slot-pool-size must be positive, got %d", c.SlotPoolSize)
	case !slices.Contains([]string{MetricsNone, MetricsOTel, MetricsPrometheus}, c.Metrics):
		return fmt.Errorf("unknown metrics backend %q", c.Metrics)
	case !slices.Contains(Workloads, c.Workload):
		return fmt.Errorf("unknown workload %q", c.Workload)
	case c.Iterations < 0 || c.Rate < 0:
		return fmt.Errorf("iterations and rate must not be negative")
	}
	return nil
}

// CreateDefaultRuntimeConfig creates a default configuration file for shmemrun
func CreateDefaultRuntimeConfig(path string) error {
	configContent := `# rshmem runtime configuration
world-size: 4
pes-per-node: 1
heap-size: 16777216
scratch-size: 4194304
queue-order: 13 # 15 for deep rings
queues-per-peer: 1
cq-doorbell: "sw" # sw, hw
max-teams: 32
slot-pool-size: 8
bootstrap: "mem" # grpc://host:50061, sqlite:///tmp/rshmem.db, rqlite://localhost:4001
device-cpu: -1
log-level: "info" # trace, debug, info, warn, error
metrics: "none" # none, otel, prometheus
otel-collector-addr: "localhost:4317"
metrics-addr: ":9464"
workload: "all" # barrier, partial, putget, teams, all
iterations: 1000
rate: 0
timeout: "30s"
`

	return writeConfigFile(path, configContent)
}

// getSystemHostname returns the system hostname or a fallback string
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("shmemrun-%d", os.Getpid())
	}
	return hostname
}
