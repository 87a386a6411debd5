package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"taracol/pkg/cidutil"
	"taracol/pkg/crypto"
)

type Mode string

const (
	ModePDS   Mode = "pds"
	ModeRelay Mode = "relay"
)

type Config struct {
	Mode       Mode   `json:"mode" yaml:"mode"`
	NodeID     string `json:"node_id" yaml:"node_id"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// HTTPAddr serves health, metrics and read-only lookups; empty disables it.
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	// Endpoint is advertised in the identities of hosted accounts. It
	// defaults to the federation listen address.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// Hash names the multihash function for new content: sha2-256,
	// sha3-256 or blake3.
	Hash string `json:"hash" yaml:"hash"`

	Keys     KeysConfig     `json:"keys" yaml:"keys"`
	Identity IdentityConfig `json:"identity" yaml:"identity"`
	Repo     RepoConfig     `json:"repo" yaml:"repo"`
	Firehose FirehoseConfig `json:"firehose" yaml:"firehose"`
	Relay    RelayConfig    `json:"relay,omitempty" yaml:"relay,omitempty"`
	TLS      TLSConfig      `json:"tls,omitempty" yaml:"tls,omitempty"`
}

type KeysConfig struct {
	Scheme string `json:"scheme" yaml:"scheme"`
	// Dir defaults to <data_dir>/keys.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type IdentityConfig struct {
	CacheTTL     Duration `json:"cache_ttl" yaml:"cache_ttl"`
	FetchTimeout Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	// Directory is the federation address of the node serving identity
	// documents. When empty a PDS hosts its own directory and a relay reads
	// identities from its first peer.
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`
}

type RepoConfig struct {
	CommitPolicy  string   `json:"commit_policy" yaml:"commit_policy"`
	MaxRecordSize ByteSize `json:"max_record_size" yaml:"max_record_size"`
}

type FirehoseConfig struct {
	Backlog           int      `json:"backlog" yaml:"backlog"`
	Retention         int      `json:"retention" yaml:"retention"`
	KeepaliveInterval Duration `json:"keepalive_interval" yaml:"keepalive_interval"`
}

type RelayConfig struct {
	Peers               []PeerConfig  `json:"peers" yaml:"peers"`
	KeepaliveTimeout    Duration      `json:"keepalive_timeout" yaml:"keepalive_timeout"`
	Backoff             BackoffConfig `json:"backoff" yaml:"backoff"`
	CheckpointInterval  Duration      `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	BackfillConcurrency int           `json:"backfill_concurrency" yaml:"backfill_concurrency"`
}

type BackoffConfig struct {
	Base Duration `json:"base" yaml:"base"`
	Max  Duration `json:"max" yaml:"max"`
}

type PeerConfig struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

// TLSConfig enables mutual TLS on the federation port. The three paths are
// set together or not at all.
type TLSConfig struct {
	CA   string `json:"ca,omitempty" yaml:"ca,omitempty"`
	Cert string `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key  string `json:"key,omitempty" yaml:"key,omitempty"`
}

func (t TLSConfig) Enabled() bool { return t.CA != "" || t.Cert != "" || t.Key != "" }

// Default returns a complete configuration for mode.
func Default(mode Mode) *Config {
	cfg := &Config{
		Mode:       mode,
		NodeID:     string(mode) + "-1",
		ListenAddr: ":7400",
		HTTPAddr:   ":7480",
		DataDir:    "./data",
		Hash:       "sha2-256",
		Keys:       KeysConfig{Scheme: string(crypto.Ed25519)},
		Identity: IdentityConfig{
			CacheTTL:     Duration(30 * time.Second),
			FetchTimeout: Duration(5 * time.Second),
		},
		Repo: RepoConfig{
			CommitPolicy:  "queue",
			MaxRecordSize: ByteSize(1 << 20),
		},
		Firehose: FirehoseConfig{
			Backlog:           256,
			Retention:         10000,
			KeepaliveInterval: Duration(15 * time.Second),
		},
	}
	if mode == ModeRelay {
		cfg.ListenAddr = ":7500"
		cfg.HTTPAddr = ":7580"
		cfg.Relay = RelayConfig{
			KeepaliveTimeout:    Duration(45 * time.Second),
			Backoff:             BackoffConfig{Base: Duration(100 * time.Millisecond), Max: Duration(30 * time.Second)},
			CheckpointInterval:  Duration(10 * time.Second),
			BackfillConcurrency: 8,
		}
	}
	return cfg
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON file on top of the
// defaults for the mode it declares.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	unmarshal := json.Unmarshal
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	}

	var head struct {
		Mode Mode `json:"mode" yaml:"mode"`
	}
	if err := unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if head.Mode == "" {
		head.Mode = ModePDS
	}

	cfg := Default(head.Mode)
	if err := unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv builds a configuration from TARACOL_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default(Mode(getEnv("TARACOL_MODE", string(ModePDS))))
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any TARACOL_* variables that are set.
func ApplyEnv(cfg *Config) error {
	cfg.NodeID = getEnv("TARACOL_NODE_ID", cfg.NodeID)
	cfg.ListenAddr = getEnv("TARACOL_LISTEN_ADDR", cfg.ListenAddr)
	cfg.HTTPAddr = getEnv("TARACOL_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("TARACOL_DATA_DIR", cfg.DataDir)
	cfg.Endpoint = getEnv("TARACOL_ENDPOINT", cfg.Endpoint)
	cfg.Hash = getEnv("TARACOL_HASH", cfg.Hash)
	cfg.Keys.Scheme = getEnv("TARACOL_KEY_SCHEME", cfg.Keys.Scheme)
	cfg.Identity.Directory = getEnv("TARACOL_IDENTITY_DIRECTORY", cfg.Identity.Directory)
	cfg.TLS.CA = getEnv("TARACOL_TLS_CA", cfg.TLS.CA)
	cfg.TLS.Cert = getEnv("TARACOL_TLS_CERT", cfg.TLS.Cert)
	cfg.TLS.Key = getEnv("TARACOL_TLS_KEY", cfg.TLS.Key)

	if v := os.Getenv("TARACOL_MAX_RECORD_SIZE"); v != "" {
		if err := cfg.Repo.MaxRecordSize.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("TARACOL_MAX_RECORD_SIZE: %w", err)
		}
	}
	if v := os.Getenv("TARACOL_FIREHOSE_RETENTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TARACOL_FIREHOSE_RETENTION: %w", err)
		}
		cfg.Firehose.Retention = n
	}
	if peers := os.Getenv("TARACOL_RELAY_PEERS"); peers != "" {
		parsed, err := ParsePeers(peers)
		if err != nil {
			return fmt.Errorf("TARACOL_RELAY_PEERS: %w", err)
		}
		cfg.Relay.Peers = parsed
	}
	return nil
}

// ParsePeers parses a comma-separated list of id=address pairs, e.g.
// "pds-1=10.0.0.1:7400,pds-2=10.0.0.2:7400". A bare address is its own id.
func ParsePeers(s string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok {
			id, addr = part, part
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q", part)
		}
		peers = append(peers, PeerConfig{ID: id, Address: addr})
	}
	return peers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// KeyDir is where account keys are kept.
func (c *Config) KeyDir() string {
	if c.Keys.Dir != "" {
		return c.Keys.Dir
	}
	return filepath.Join(c.DataDir, "keys")
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModePDS, ModeRelay:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModePDS, ModeRelay, c.Mode)
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := cidutil.ParseHasher(c.Hash); err != nil {
		return err
	}
	if _, err := crypto.SchemeFor(crypto.Algorithm(c.Keys.Scheme)); err != nil {
		return err
	}
	switch c.Repo.CommitPolicy {
	case "queue", "fail-fast":
	default:
		return fmt.Errorf("repo.commit_policy must be \"queue\" or \"fail-fast\", got %q", c.Repo.CommitPolicy)
	}
	if c.Repo.MaxRecordSize <= 0 {
		return fmt.Errorf("repo.max_record_size must be positive")
	}
	if c.Firehose.Backlog <= 0 || c.Firehose.Retention <= 0 {
		return fmt.Errorf("firehose.backlog and firehose.retention must be positive")
	}
	if c.Identity.FetchTimeout <= 0 {
		return fmt.Errorf("identity.fetch_timeout must be positive")
	}
	if c.TLS.Enabled() && (c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "") {
		return fmt.Errorf("tls needs ca, cert and key together")
	}

	if c.Mode == ModeRelay {
		if len(c.Relay.Peers) == 0 {
			return fmt.Errorf("a relay needs at least one peer")
		}
		seen := make(map[string]bool, len(c.Relay.Peers))
		for _, p := range c.Relay.Peers {
			if p.ID == "" || p.Address == "" {
				return fmt.Errorf("relay peers need an id and an address")
			}
			if seen[p.ID] {
				return fmt.Errorf("duplicate relay peer %q", p.ID)
			}
			seen[p.ID] = true
		}
		if c.Relay.Backoff.Max > 0 && c.Relay.Backoff.Max < c.Relay.Backoff.Base {
			return fmt.Errorf("relay.backoff.max is below relay.backoff.base")
		}
	}
	return nil
}
