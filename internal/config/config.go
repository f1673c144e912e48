// Package config loads the ingest engine's tunables from an optional YAML
// file, then lets command-line flags override any of them, the same
// layering the rest of the fleet uses: file for the durable defaults,
// flags for what an operator needs to tweak per-invocation.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// IntRange is a half-open integer range [Start, End), as used for the
// port range and the two id ranges.
type IntRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Config is the complete set of tunables the core and its ambient layers
// read at startup.
type Config struct {
	// HTTP control-plane / streaming API.
	HTTPAddr string `yaml:"http_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`

	// Persistence.
	DBPath string `yaml:"db_path"`

	// Port leasing.
	PortRange IntRange `yaml:"port_range"`

	// ID generation.
	ChampionshipIDRange IntRange `yaml:"championship_id_range"`
	UserIDRange         IntRange `yaml:"user_id_range"`

	// Packet format.
	SupportedGameYear int `yaml:"supported_game_year"`

	// Rate gates.
	MotionInterval  time.Duration `yaml:"motion_interval"`
	SessionInterval time.Duration `yaml:"session_interval"`
	HistoryInterval time.Duration `yaml:"history_interval"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`

	// Batching / broadcast.
	BatchInterval     time.Duration `yaml:"batch_interval"`
	BatchCapacity     int           `yaml:"batch_capacity"`
	BroadcastCapacity int           `yaml:"broadcast_capacity"`

	// Firewall.
	FirewallEnabled bool `yaml:"firewall_enabled"`

	// Metrics.
	MetricsAddr     string        `yaml:"metrics_addr"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Default returns the configuration described by the environment/config
// section: every default the core ships with before a file or flags
// override any of it.
func Default() Config {
	return Config{
		HTTPAddr:            ":8080",
		DBPath:              "telemetry.db",
		PortRange:           IntRange{Start: 27700, End: 27800},
		ChampionshipIDRange: IntRange{Start: 700_000_000, End: 800_000_000},
		UserIDRange:         IntRange{Start: 600_000_000, End: 700_000_000},
		SupportedGameYear:   2023,
		MotionInterval:      700 * time.Millisecond,
		SessionInterval:     10 * time.Second,
		HistoryInterval:     time.Second,
		SocketTimeout:       15 * time.Minute,
		BatchInterval:       700 * time.Millisecond,
		BatchCapacity:       1024,
		BroadcastCapacity:   50,
		FirewallEnabled:     false,
		MetricsAddr:         ":9090",
		MetricsInterval:     10 * time.Second,
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// command-line flag overrides from args. A missing file at the default
// path is not an error; an explicit non-default path that is missing is.
func Load(path string, args []string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && path == defaultConfigPath {
				// fine: run on pure defaults plus flags
			} else {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	fs := flag.NewFlagSet("telemetryd", flag.ContinueOnError)
	httpAddr := fs.String("http-addr", cfg.HTTPAddr, "control-plane and streaming API listen address")
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	tlsCert := fs.String("tls-cert", cfg.TLSCert, "TLS certificate path (empty to serve plain HTTP)")
	tlsKey := fs.String("tls-key", cfg.TLSKey, "TLS key path")
	firewallEnabled := fs.Bool("firewall", cfg.FirewallEnabled, "manage nft rules for leased ports (Linux only)")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "not read by telemetryd; Prometheus metrics are served at /metrics on -http-addr")
	socketTimeout := fs.Duration("socket-timeout", cfg.SocketTimeout, "idle timeout for a championship's UDP socket")
	batchInterval := fs.Duration("batch-interval", cfg.BatchInterval, "batcher tick interval")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.HTTPAddr = *httpAddr
	cfg.DBPath = *dbPath
	cfg.TLSCert = *tlsCert
	cfg.TLSKey = *tlsKey
	cfg.FirewallEnabled = *firewallEnabled
	cfg.MetricsAddr = *metricsAddr
	cfg.SocketTimeout = *socketTimeout
	cfg.BatchInterval = *batchInterval

	return cfg, nil
}

const defaultConfigPath = "telemetryd.yaml"

// DefaultConfigPath is the config file path used when none is given
// explicitly on the command line.
func DefaultConfigPath() string { return defaultConfigPath }
