package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/felixnotka/hubfence/pkg/service"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("hubfence %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	buildInfo := service.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	config, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := service.Start(ctx, buildInfo, config); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig starts from the defaults, overlays CONFIG_FILE if set and then
// any environment variables that are set.
func loadConfig() (service.Config, error) {
	config := defaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := service.LoadFile(path, &config); err != nil {
			return config, err
		}
	}
	applyEnv(&config)
	return config, nil
}

func defaultConfig() service.Config {
	return service.Config{
		MetricsBindAddress:     ":8080",
		HealthProbeBindAddress: ":8081",
		Transport:              "eventhubs",
		ConsumerGroup:          "$Default",
		LeaseBackend:           "memory",
		EpochTable:             "hubfence-epochs",
		PositionTable:          "hubfence-offsets",
		LeaseNamespace:         "hubfence",
		HostMode:               service.HostStatic,
		LeaderElectionID:       "hubfence",
		MaxBatchSize:           100,
		WaitTime:               metav1.Duration{Duration: 5 * time.Second},
		RetryDelay:             metav1.Duration{Duration: 60 * time.Second},
		NotReadyDelay:          metav1.Duration{Duration: time.Second},
		CheckpointTimeout:      metav1.Duration{Duration: 3 * time.Second},
		Sink:                   "log",
		SinkTimeout:            metav1.Duration{Duration: 30 * time.Second},
	}
}

func applyEnv(c *service.Config) {
	c.MetricsBindAddress = envString("METRICS_BIND_ADDRESS", c.MetricsBindAddress)
	c.HealthProbeBindAddress = envString("HEALTH_PROBE_BIND_ADDRESS", c.HealthProbeBindAddress)
	c.LogLevel = envInt("LOG_LEVEL", c.LogLevel)
	c.Transport = envString("TRANSPORT", c.Transport)
	c.ConnectionString = envString("EVENTHUB_CONNECTION_STRING", c.ConnectionString)
	c.Namespace = envString("EVENTHUB_NAMESPACE", c.Namespace)
	c.EventHub = envString("EVENTHUB_NAME", c.EventHub)
	c.ConsumerGroup = envString("CONSUMER_GROUP", c.ConsumerGroup)
	c.PartitionIndex = envInt("PARTITION_INDEX", c.PartitionIndex)
	c.LeaseBackend = envString("LEASE_BACKEND", c.LeaseBackend)
	c.LeaseURL = envString("LEASE_URL", c.LeaseURL)
	c.EpochTable = envString("EPOCH_TABLE", c.EpochTable)
	c.PositionTable = envString("POSITION_TABLE", c.PositionTable)
	c.LeaseNamespace = envString("LEASE_NAMESPACE", c.LeaseNamespace)
	c.HostMode = envString("HOST_MODE", c.HostMode)
	c.LeaderElectionID = envString("LEADER_ELECTION_ID", c.LeaderElectionID)
	c.MaxBatchSize = envInt("MAX_BATCH_SIZE", c.MaxBatchSize)
	c.WaitTime.Duration = envDuration("WAIT_TIME", c.WaitTime.Duration)
	c.RetryDelay.Duration = envDuration("RETRY_DELAY", c.RetryDelay.Duration)
	c.NotReadyDelay.Duration = envDuration("NOT_READY_DELAY", c.NotReadyDelay.Duration)
	c.CheckpointTimeout.Duration = envDuration("CHECKPOINT_TIMEOUT", c.CheckpointTimeout.Duration)
	c.Sink = envString("SINK", c.Sink)
	c.SinkURL = envString("SINK_URL", c.SinkURL)
	c.SinkTimeout.Duration = envDuration("SINK_TIMEOUT", c.SinkTimeout.Duration)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return defaultVal
}
