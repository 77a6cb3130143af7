package config

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rshmem/internal/rdma"
)

func runtimeFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flagSet := pflag.NewFlagSet("shmemrun", pflag.ContinueOnError)
	SetupRuntimeFlags(flagSet)
	require.NoError(t, flagSet.Parse(args))
	return flagSet
}

func TestRuntimeDefaults(t *testing.T) {
	cfg, err := LoadRuntimeConfig(runtimeFlags(t))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.WorldSize)
	assert.Equal(t, uint(rdma.DefaultQueueOrder), cfg.QueueOrder)
	assert.Equal(t, rdma.DoorbellSoftware, cfg.CQDoorbell)
	assert.Equal(t, uint64(16<<20), cfg.HeapSize)
	assert.Equal(t, "mem", cfg.Bootstrap)
	assert.Equal(t, MetricsNone, cfg.Metrics)
	assert.Equal(t, "all", cfg.Workload)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestRuntimeFlagsAndEnvironment(t *testing.T) {
	t.Setenv("RSHMEM_QUEUES_PER_PEER", "3")
	t.Setenv("RSHMEM_CQ_DOORBELL", "hw")

	cfg, err := LoadRuntimeConfig(runtimeFlags(t, "--world-size=8", "--queue-order=15", "--workload=teams"))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WorldSize)
	assert.Equal(t, uint(rdma.AltQueueOrder), cfg.QueueOrder)
	assert.Equal(t, "teams", cfg.Workload)
	assert.Equal(t, 3, cfg.QueuesPerPeer)
	assert.Equal(t, rdma.DoorbellHardware, cfg.CQDoorbell)
}

func TestRuntimeValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"world size", []string{"--world-size=0"}},
		{"unaligned heap", []string{"--heap-size=5000"}},
		{"queue order too small", []string{"--queue-order=1"}},
		{"queue order too large", []string{"--queue-order=21"}},
		{"too many teams", []string{"--max-teams=65"}},
		{"metrics backend", []string{"--metrics=statsd"}},
		{"workload", []string{"--workload=alltoall"}},
		{"doorbell", []string{"--cq-doorbell=mmio"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRuntimeConfig(runtimeFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfigFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()

	runtimePath := filepath.Join(dir, "nested", "shmemrun.yaml")
	require.NoError(t, CreateDefaultRuntimeConfig(runtimePath))
	cfg, err := LoadRuntimeConfig(runtimeFlags(t, "--config="+runtimePath))
	require.NoError(t, err)
	assert.Equal(t, uint(13), cfg.QueueOrder)
	assert.Equal(t, 1000, cfg.Iterations)

	bootstrapPath := filepath.Join(dir, "bootstrapd.yaml")
	require.NoError(t, CreateDefaultBootstrapConfig(bootstrapPath))
	flagSet := pflag.NewFlagSet("bootstrapd", pflag.ContinueOnError)
	SetupBootstrapFlags(flagSet)
	require.NoError(t, flagSet.Parse([]string{"--config=" + bootstrapPath, "--store=sqlite:///tmp/x.db"}))
	bcfg, err := LoadBootstrapConfig(flagSet)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:50061", bcfg.ListenAddr)
	assert.Equal(t, "sqlite:///tmp/x.db", bcfg.StoreURI, "explicit flags win over the file")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadRuntimeConfig(runtimeFlags(t, "--config=/nonexistent/shmemrun.yaml"))
	assert.Error(t, err)
}

func TestInitLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	InitLogging("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	InitLogging("bogus")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
