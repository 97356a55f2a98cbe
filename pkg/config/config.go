// Package config loads and validates a node's YAML configuration:
// load, fill defaults, validate, and optionally generate a starter file
// across seven configuration sections.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vazonhub/rhizome/pkg/rherrors"
)

// Config is the complete node configuration.
type Config struct {
	DHT         DHTConfig         `yaml:"dht"`
	Storage     StorageConfig     `yaml:"storage"`
	Network     NetworkConfig     `yaml:"network"`
	Node        NodeConfig        `yaml:"node"`
	Popularity  PopularityConfig  `yaml:"popularity"`
	Security    SecurityConfig    `yaml:"security"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// DHTConfig holds Kademlia routing parameters.
type DHTConfig struct {
	K              int           `yaml:"k"`
	Alpha          int           `yaml:"alpha"`
	NodeIDBits     int           `yaml:"node_id_bits"`
	BucketCount    int           `yaml:"bucket_count"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds local store facade parameters.
type StorageConfig struct {
	DataDir           string        `yaml:"data_dir"`
	MaxStorageSize    int64         `yaml:"max_storage_size"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	PopularTTL        time.Duration `yaml:"popular_ttl"`
	ActiveTTL         time.Duration `yaml:"active_ttl"`
	PrivateTTL        time.Duration `yaml:"private_ttl"`
	MinGuaranteedTTL  time.Duration `yaml:"min_guaranteed_ttl"`
	RedisHost         string        `yaml:"redis_host"`
	RedisPort         int           `yaml:"redis_port"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
}

// NetworkConfig holds UDP transport parameters.
type NetworkConfig struct {
	ListenHost        string        `yaml:"listen_host"`
	ListenPort        int           `yaml:"listen_port"`
	BootstrapNodes    []string      `yaml:"bootstrap_nodes"`
	MaxConnections    int           `yaml:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// NodeConfig holds node identity and role settings.
type NodeConfig struct {
	NodeType      string `yaml:"node_type"`
	AutoDetectType bool   `yaml:"auto_detect_type"`
	NodeIDFile    string `yaml:"node_id_file"`
	StateFile     string `yaml:"state_file"`
}

// PopularityConfig holds popularity-engine tunables.
type PopularityConfig struct {
	UpdateInterval       time.Duration `yaml:"update_interval"`
	ExchangeInterval     time.Duration `yaml:"exchange_interval"`
	GlobalUpdateInterval time.Duration `yaml:"global_update_interval"`
	PopularityThreshold  float64       `yaml:"popularity_threshold"`
	ActiveThreshold      float64       `yaml:"active_threshold"`
}

// SecurityConfig holds inbound rate-limit parameters.
type SecurityConfig struct {
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
}

// PersistenceConfig holds the Postgres connection used to persist the
// routing table's peer set across restarts. An empty Host disables
// persistence entirely (the default): the node bootstraps from
// network.bootstrap_nodes only, the same as if this section were absent.
type PersistenceConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	DBName             string        `yaml:"dbname"`
	SSLMode            string        `yaml:"ssl_mode"`
	StalePeerThreshold time.Duration `yaml:"stale_peer_threshold"`
}

// NodeTypes recognized by --node-type and the `node.node_type` key.
const (
	NodeTypeFull   = "full"
	NodeTypeLight  = "light"
	NodeTypeMobile = "mobile"
	NodeTypeSeed   = "seed"
)

// LoadConfig loads configuration from a YAML file, filling in defaults
// for anything left unset (every key is optional).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.DHT.K == 0 {
		c.DHT.K = 20
	}
	if c.DHT.Alpha == 0 {
		c.DHT.Alpha = 3
	}
	if c.DHT.NodeIDBits == 0 {
		c.DHT.NodeIDBits = 160
	}
	if c.DHT.BucketCount == 0 {
		c.DHT.BucketCount = 160
	}
	if c.DHT.RefreshInterval == 0 {
		c.DHT.RefreshInterval = time.Hour
	}
	if c.DHT.PingTimeout == 0 {
		c.DHT.PingTimeout = 5 * time.Second
	}
	if c.DHT.RequestTimeout == 0 {
		c.DHT.RequestTimeout = 10 * time.Second
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.MaxStorageSize == 0 {
		c.Storage.MaxStorageSize = 10 * 1 << 30
	}
	if c.Storage.DefaultTTL == 0 {
		c.Storage.DefaultTTL = 86400 * time.Second
	}
	if c.Storage.PopularTTL == 0 {
		c.Storage.PopularTTL = 2592000 * time.Second
	}
	if c.Storage.ActiveTTL == 0 {
		c.Storage.ActiveTTL = 604800 * time.Second
	}
	if c.Storage.PrivateTTL == 0 {
		c.Storage.PrivateTTL = 10800 * time.Second
	}
	if c.Storage.MinGuaranteedTTL == 0 {
		c.Storage.MinGuaranteedTTL = 3600 * time.Second
	}
	if c.Storage.RedisHost == "" {
		c.Storage.RedisHost = "localhost"
	}
	if c.Storage.RedisPort == 0 {
		c.Storage.RedisPort = 6379
	}

	if c.Network.ListenHost == "" {
		c.Network.ListenHost = "0.0.0.0"
	}
	if c.Network.ListenPort == 0 {
		c.Network.ListenPort = 8468
	}
	if c.Network.MaxConnections == 0 {
		c.Network.MaxConnections = 100
	}
	if c.Network.ConnectionTimeout == 0 {
		c.Network.ConnectionTimeout = 30 * time.Second
	}

	if c.Node.NodeType == "" {
		c.Node.NodeType = NodeTypeFull
	}
	if c.Node.NodeIDFile == "" {
		c.Node.NodeIDFile = "node_id.key"
	}
	if c.Node.StateFile == "" {
		c.Node.StateFile = "state.json"
	}

	if c.Popularity.UpdateInterval == 0 {
		c.Popularity.UpdateInterval = 3600 * time.Second
	}
	if c.Popularity.ExchangeInterval == 0 {
		c.Popularity.ExchangeInterval = 21600 * time.Second
	}
	if c.Popularity.GlobalUpdateInterval == 0 {
		c.Popularity.GlobalUpdateInterval = 10800 * time.Second
	}
	if c.Popularity.PopularityThreshold == 0 {
		c.Popularity.PopularityThreshold = 7.0
	}
	if c.Popularity.ActiveThreshold == 0 {
		c.Popularity.ActiveThreshold = 5.0
	}

	if c.Security.RateLimitRequests == 0 {
		c.Security.RateLimitRequests = 100
	}
	if c.Security.RateLimitWindow == 0 {
		c.Security.RateLimitWindow = 60 * time.Second
	}

	if c.Persistence.Host != "" {
		if c.Persistence.Port == 0 {
			c.Persistence.Port = 5432
		}
		if c.Persistence.DBName == "" {
			c.Persistence.DBName = "rhizome"
		}
		if c.Persistence.SSLMode == "" {
			c.Persistence.SSLMode = "disable"
		}
		if c.Persistence.StalePeerThreshold == 0 {
			c.Persistence.StalePeerThreshold = 7 * 24 * time.Hour
		}
	}

	// Node-type resource caps: light and mobile nodes run on constrained
	// hardware and need a smaller storage footprint; mobile additionally
	// shrinks its bucket size since it rarely stays online long enough to
	// be a useful routing hop.
	switch c.Node.NodeType {
	case NodeTypeLight:
		if c.Storage.MaxStorageSize > 1<<30 {
			c.Storage.MaxStorageSize = 1 << 30
		}
	case NodeTypeMobile:
		if c.Storage.MaxStorageSize > 100<<20 {
			c.Storage.MaxStorageSize = 100 << 20
		}
		c.DHT.K = 10
	}
}

func (c *Config) validate() error {
	if c.Network.ListenPort < 1 || c.Network.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Network.ListenPort)
	}
	if c.DHT.K < 1 {
		return fmt.Errorf("dht.k must be positive, got %d", c.DHT.K)
	}
	if c.DHT.Alpha < 1 {
		return fmt.Errorf("dht.alpha must be positive, got %d", c.DHT.Alpha)
	}

	validTypes := map[string]bool{NodeTypeFull: true, NodeTypeLight: true, NodeTypeMobile: true, NodeTypeSeed: true}
	if !validTypes[c.Node.NodeType] {
		return rherrors.NewInvalidNodeType(c.Node.NodeType)
	}

	return nil
}

// GenerateDefaultConfig produces a Config with every default filled in
// for the given node type, suitable for writing a starter config file.
func GenerateDefaultConfig(nodeType string) *Config {
	cfg := &Config{Node: NodeConfig{NodeType: nodeType}}
	cfg.setDefaults()
	return cfg
}

// WriteConfigFile marshals cfg to YAML and writes it to path.
func WriteConfigFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
