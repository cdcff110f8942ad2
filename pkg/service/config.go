package service

import (
	"errors"
	"fmt"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// Host modes.
const (
	HostStatic   = "static"
	HostElection = "election"
)

// Config holds the service configuration, loaded from an optional YAML file
// and environment variables.
type Config struct {
	// MetricsBindAddress is the address the metrics endpoint binds to.
	MetricsBindAddress string `json:"metricsBindAddress" env:"METRICS_BIND_ADDRESS" envDefault:":8080"`

	// HealthProbeBindAddress is the address the health probe endpoint binds to.
	HealthProbeBindAddress string `json:"healthProbeBindAddress" env:"HEALTH_PROBE_BIND_ADDRESS" envDefault:":8081"`

	// LogLevel is the log verbosity (0=info, 1=debug, 2=trace).
	LogLevel int `json:"logLevel" env:"LOG_LEVEL" envDefault:"0"`

	// Transport selects the log backend: "eventhubs" or "memory".
	Transport string `json:"transport" env:"TRANSPORT" envDefault:"eventhubs"`

	// ConnectionString authenticates to Event Hubs. Without it Namespace and
	// the default Azure credential chain are used.
	ConnectionString string `json:"connectionString" env:"EVENTHUB_CONNECTION_STRING"`

	// Namespace is the fully qualified Event Hubs namespace.
	Namespace string `json:"namespace" env:"EVENTHUB_NAMESPACE"`

	// EventHub is the event hub name, when not part of the connection string.
	EventHub string `json:"eventHub" env:"EVENTHUB_NAME"`

	ConsumerGroup  string `json:"consumerGroup" env:"CONSUMER_GROUP" envDefault:"$Default"`
	PartitionIndex int    `json:"partitionIndex" env:"PARTITION_INDEX" envDefault:"0"`

	// LeaseBackend selects the epoch and position store: memory, postgres,
	// kubernetes, blob or redis.
	LeaseBackend string `json:"leaseBackend" env:"LEASE_BACKEND" envDefault:"memory"`

	// LeaseURL locates the store (postgres DSN, redis URL, blob container URL).
	LeaseURL string `json:"leaseURL" env:"LEASE_URL"`

	EpochTable    string `json:"epochTable" env:"EPOCH_TABLE" envDefault:"hubfence-epochs"`
	PositionTable string `json:"positionTable" env:"POSITION_TABLE" envDefault:"hubfence-offsets"`

	// LeaseNamespace is the Kubernetes namespace of the ConfigMap store and
	// the leader election Leases.
	LeaseNamespace string `json:"leaseNamespace" env:"LEASE_NAMESPACE" envDefault:"hubfence"`

	// HostMode is "static" (always primary) or "election".
	HostMode string `json:"hostMode" env:"HOST_MODE" envDefault:"static"`

	// LeaderElectionID prefixes the per-partition Lease name.
	LeaderElectionID string `json:"leaderElectionID" env:"LEADER_ELECTION_ID" envDefault:"hubfence"`

	MaxBatchSize int `json:"maxBatchSize" env:"MAX_BATCH_SIZE" envDefault:"100"`

	// Durations are written as Go duration strings ("5s") in the YAML file.
	WaitTime          metav1.Duration `json:"waitTime" env:"WAIT_TIME" envDefault:"5s"`
	RetryDelay        metav1.Duration `json:"retryDelay" env:"RETRY_DELAY" envDefault:"60s"`
	NotReadyDelay     metav1.Duration `json:"notReadyDelay" env:"NOT_READY_DELAY" envDefault:"1s"`
	CheckpointTimeout metav1.Duration `json:"checkpointTimeout" env:"CHECKPOINT_TIMEOUT" envDefault:"3s"`

	// Sink selects the batch handler: "log" or "http".
	Sink        string          `json:"sink" env:"SINK" envDefault:"log"`
	SinkURL     string          `json:"sinkURL" env:"SINK_URL"`
	SinkTimeout metav1.Duration `json:"sinkTimeout" env:"SINK_TIMEOUT" envDefault:"30s"`
}

// LoadFile overlays the YAML document at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("CONSUMER_GROUP is required"))
	}
	if c.PartitionIndex < 0 {
		errs = append(errs, fmt.Errorf("PARTITION_INDEX must be >= 0, got %d", c.PartitionIndex))
	}
	if c.Transport == "eventhubs" && c.ConnectionString == "" && c.Namespace == "" {
		errs = append(errs, errors.New("EVENTHUB_CONNECTION_STRING or EVENTHUB_NAMESPACE is required"))
	}
	if c.EpochTable == "" || c.PositionTable == "" || c.EpochTable == c.PositionTable {
		errs = append(errs, errors.New("EPOCH_TABLE and POSITION_TABLE must be set and differ"))
	}
	switch c.HostMode {
	case HostStatic:
	case HostElection:
		if c.LeaderElectionID == "" || c.LeaseNamespace == "" {
			errs = append(errs, errors.New("election host requires LEADER_ELECTION_ID and LEASE_NAMESPACE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported HOST_MODE %q (supported: %s, %s)", c.HostMode, HostStatic, HostElection))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.MaxBatchSize))
	}
	if c.WaitTime.Duration <= 0 {
		errs = append(errs, fmt.Errorf("WAIT_TIME must be positive, got %s", c.WaitTime.Duration))
	}
	return errors.Join(errs...)
}
