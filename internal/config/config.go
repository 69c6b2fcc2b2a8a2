// Package config loads terminal settings from the environment.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"mogipos/internal/changelog"
)

const envPrefix = "POS"

// Config holds every setting of the terminal process. CLI flags override
// the values loaded here.
type Config struct {
	DataDir      string `envconfig:"DATA_DIR" default:"./data/pos"`
	StateBackend string `envconfig:"STATE_BACKEND" default:"pebble"` // memory|pebble|badger
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"json"`
	SeedCatalog  bool   `envconfig:"SEED_CATALOG" default:"true"`

	// journal
	ChangelogSink string `envconfig:"CHANGELOG_SINK" default:"file"` // none|file|kafka|both
	ChangelogDir  string `envconfig:"CHANGELOG_DIR" default:"./changelog"`

	// Kafka
	KafkaBootstrap string `envconfig:"KAFKA_BOOTSTRAP"`
	TopicChangelog string `envconfig:"TOPIC_CHANGELOG" default:"pos.changelog"`
	TopicSnapshots string `envconfig:"TOPIC_SNAPSHOTS" default:"pos.snapshots"`
	KafkaTxID      string `envconfig:"KAFKA_TX_ID"` // transactional journal publishing when set

	// snapshots
	SnapshotDir      string        `envconfig:"SNAPSHOT_DIR" default:"./snapshots"`
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"0s"`
	ManifestSink     string        `envconfig:"MANIFEST_SINK" default:"file"` // file|kafka|both
}

// ChangelogFile is the journal file name inside ChangelogDir.
const ChangelogFile = "pos.jsonl"

// Load reads an optional .env file then POS_* variables.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process env")
	}
	return cfg, cfg.Validate()
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks enumerated settings and Kafka prerequisites.
func (c Config) Validate() error {
	if !oneOf(c.StateBackend, "memory", "pebble", "badger") {
		return errors.Errorf("state backend %q: want memory|pebble|badger", c.StateBackend)
	}
	if !oneOf(c.ChangelogSink, "none", "file", "kafka", "both") {
		return errors.Errorf("changelog sink %q: want none|file|kafka|both", c.ChangelogSink)
	}
	if !oneOf(c.ManifestSink, "file", "kafka", "both") {
		return errors.Errorf("manifest sink %q: want file|kafka|both", c.ManifestSink)
	}
	if c.UsesKafka() && strings.TrimSpace(c.KafkaBootstrap) == "" {
		return errors.New("kafka sink selected but KAFKA_BOOTSTRAP is empty")
	}
	if c.SnapshotInterval < 0 {
		return errors.New("snapshot interval cannot be negative")
	}
	return nil
}

// UsesKafka reports whether any sink publishes to Kafka.
func (c Config) UsesKafka() bool {
	return c.ChangelogSink == "kafka" || c.ChangelogSink == "both" ||
		c.ManifestSink == "kafka" || c.ManifestSink == "both"
}

// Brokers splits the comma separated bootstrap list.
func (c Config) Brokers() []string {
	return changelog.SplitBrokers(c.KafkaBootstrap)
}
