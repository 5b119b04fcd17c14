// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration is a time.Duration written as a Go duration string ("15m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the agent's configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Agent      AgentConfig      `yaml:"agent"`
	Paths      PathsConfig      `yaml:"paths"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Tokens     TokensConfig     `yaml:"tokens"`
	HCS10      HCS10Config      `yaml:"hcs10"`
	Index      IndexConfig      `yaml:"index"`
	Governance GovernanceConfig `yaml:"governance"`
	PriceFeed  PriceFeedConfig  `yaml:"price_feed"`
	Summary    SummaryConfig    `yaml:"summary"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides are the fields an environment section may override.
type Overrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Ledger  *LedgerConfig  `yaml:"ledger,omitempty"`
	Tokens  *TokensConfig  `yaml:"tokens,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Summary *SummaryConfig `yaml:"summary,omitempty"`
}

// AgentConfig identifies this agent.
type AgentConfig struct {
	// ID is the agent's ledger account id.
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for agent data.
	Root string `yaml:"root"`

	// Database is the SQLite file holding registration, checkpoints
	// and snapshots. Default: ${LYNXIFY_ROOT}/lynxify.db
	Database string `yaml:"database"`

	// Socket is the Unix socket of the local status API.
	// Default: ${LYNXIFY_ROOT}/agent.sock
	Socket string `yaml:"socket"`
}

// LedgerConfig selects and configures the ledger gateway.
type LedgerConfig struct {
	// Backend is "memory" or "kafka".
	Backend string `yaml:"backend"`

	// Brokers are the Kafka bootstrap servers.
	Brokers []string `yaml:"brokers"`

	// ClientID is the Kafka client id. Default: lynxify-<agent id>
	ClientID string `yaml:"client_id"`

	RegistryTopic   string `yaml:"registry_topic"`
	InboundTopic    string `yaml:"inbound_topic"`
	IndexTopic      string `yaml:"index_topic"`
	GovernanceTopic string `yaml:"governance_topic"`
}

// TokensConfig selects the token ledger.
type TokensConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`

	// Initial seeds the memory backend.
	Initial map[string]float64 `yaml:"initial"`
}

// HCS10Config tunes the agent protocol.
type HCS10Config struct {
	RequestTimeout       Duration `yaml:"request_timeout"`
	RegistrationInterval Duration `yaml:"registration_interval"`
	DiscoveryInterval    Duration `yaml:"discovery_interval"`
}

// IndexConfig configures the index state machine.
type IndexConfig struct {
	// Tokens are the static weights, units of each token per index
	// unit. Ignored when PolicyFile is set.
	Tokens         map[string]float64 `yaml:"tokens"`
	InitialWeights map[string]float64 `yaml:"initial_weights"`

	// PolicyFile is a JSONC token policy.
	PolicyFile string `yaml:"policy_file"`

	RebalanceThreshold float64  `yaml:"rebalance_threshold"`
	RiskThreshold      float64  `yaml:"risk_threshold"`
	MaxDrawdown        float64  `yaml:"max_drawdown"`
	RiskInterval       Duration `yaml:"risk_interval"`
	ProposalTTL        Duration `yaml:"proposal_ttl"`
	HistorySize        int      `yaml:"history_size"`

	// Executor makes this agent execute approved proposals.
	Executor bool `yaml:"executor"`
}

// GovernanceConfig configures the governance service.
type GovernanceConfig struct {
	Enabled           bool               `yaml:"enabled"`
	TotalVotingPower  float64            `yaml:"total_voting_power"`
	Quorum            float64            `yaml:"quorum"`
	ApprovalThreshold float64            `yaml:"approval_threshold"`
	VotingPeriod      Duration           `yaml:"voting_period"`
	VoterWeights      map[string]float64 `yaml:"voter_weights"`
	Executor          bool               `yaml:"executor"`
}

// PriceFeedConfig configures price polling.
type PriceFeedConfig struct {
	// URL returns a JSON object of symbol to price. Empty disables
	// the feed.
	URL      string   `yaml:"url"`
	Interval Duration `yaml:"interval"`
}

// SummaryConfig configures proposal summaries.
type SummaryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address. Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// Default returns the configuration the file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".cache", "lynxify")
	return &Config{
		Environment: Development,
		Agent:       AgentConfig{Capabilities: []string{"rebalancing", "risk-assessment"}},
		Paths: PathsConfig{
			Root:     root,
			Database: "${LYNXIFY_ROOT}/lynxify.db",
			Socket:   "${LYNXIFY_ROOT}/agent.sock",
		},
		Ledger: LedgerConfig{Backend: "memory"},
		Tokens: TokensConfig{Backend: "memory", RedisKey: "lynxify:balances"},
		HCS10: HCS10Config{
			RequestTimeout:       Duration(30 * time.Second),
			RegistrationInterval: Duration(30 * time.Minute),
			DiscoveryInterval:    Duration(10 * time.Minute),
		},
		Index: IndexConfig{
			RebalanceThreshold: 0.05,
			RiskThreshold:      0.05,
			RiskInterval:       Duration(15 * time.Minute),
			ProposalTTL:        Duration(24 * time.Hour),
			HistorySize:        30,
		},
		Governance: GovernanceConfig{
			TotalVotingPower:  3,
			Quorum:            0.5,
			ApprovalThreshold: 0.5,
			VotingPeriod:      Duration(24 * time.Hour),
		},
		PriceFeed: PriceFeedConfig{Interval: Duration(time.Minute)},
		Summary:   SummaryConfig{Model: "claude-3-5-haiku-latest", APIKeyEnv: "ANTHROPIC_API_KEY"},
	}
}

// Load loads the file named by LYNXIFY_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("LYNXIFY_CONFIG")
	if path == "" {
		return nil, errors.New("LYNXIFY_CONFIG environment variable not set; " +
			"set it to the path of your lynxify.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over [Default].
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// A relative policy file is relative to the config file.
	if cfg.Index.PolicyFile != "" && !filepath.IsAbs(cfg.Index.PolicyFile) {
		cfg.Index.PolicyFile = filepath.Join(filepath.Dir(path), cfg.Index.PolicyFile)
	}
	return cfg, nil
}

// Parse decodes YAML over [Default], applies the environment section
// and expands variables.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		setString(&c.Paths.Root, paths.Root)
		setString(&c.Paths.Database, paths.Database)
		setString(&c.Paths.Socket, paths.Socket)
	}
	if ledger := overrides.Ledger; ledger != nil {
		setString(&c.Ledger.Backend, ledger.Backend)
		if len(ledger.Brokers) > 0 {
			c.Ledger.Brokers = ledger.Brokers
		}
		setString(&c.Ledger.ClientID, ledger.ClientID)
		setString(&c.Ledger.RegistryTopic, ledger.RegistryTopic)
		setString(&c.Ledger.InboundTopic, ledger.InboundTopic)
		setString(&c.Ledger.IndexTopic, ledger.IndexTopic)
		setString(&c.Ledger.GovernanceTopic, ledger.GovernanceTopic)
	}
	if tokens := overrides.Tokens; tokens != nil {
		setString(&c.Tokens.Backend, tokens.Backend)
		setString(&c.Tokens.RedisAddr, tokens.RedisAddr)
		setString(&c.Tokens.RedisPassword, tokens.RedisPassword)
		setString(&c.Tokens.RedisKey, tokens.RedisKey)
		if tokens.RedisDB != 0 {
			c.Tokens.RedisDB = tokens.RedisDB
		}
	}
	if metrics := overrides.Metrics; metrics != nil {
		setString(&c.Metrics.Addr, metrics.Addr)
	}
	if summary := overrides.Summary; summary != nil {
		// Enabled is a bool, so the section always decides it.
		c.Summary.Enabled = summary.Enabled
		setString(&c.Summary.Model, summary.Model)
		setString(&c.Summary.APIKeyEnv, summary.APIKeyEnv)
		setString(&c.Summary.BaseURL, summary.BaseURL)
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"LYNXIFY_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["LYNXIFY_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Index.PolicyFile = expandVars(c.Index.PolicyFile, vars)
	for i, broker := range c.Ledger.Brokers {
		c.Ledger.Brokers[i] = expandVars(broker, vars)
	}
	c.Tokens.RedisAddr = expandVars(c.Tokens.RedisAddr, vars)
	c.PriceFeed.URL = expandVars(c.PriceFeed.URL, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars take precedence
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Agent.ID == "" {
		errs = append(errs, errors.New("agent.id is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, errors.New("paths.database is required"))
	}

	switch c.Ledger.Backend {
	case "memory":
	case "kafka":
		if len(c.Ledger.Brokers) == 0 {
			errs = append(errs, errors.New("ledger.brokers is required for the kafka backend"))
		}
		if c.Ledger.RegistryTopic == "" {
			errs = append(errs, errors.New("ledger.registry_topic is required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be memory or kafka, got %q", c.Ledger.Backend))
	}

	switch c.Tokens.Backend {
	case "memory":
	case "redis":
		if c.Tokens.RedisAddr == "" {
			errs = append(errs, errors.New("tokens.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("tokens.backend must be memory or redis, got %q", c.Tokens.Backend))
	}

	if len(c.Index.Tokens) == 0 && c.Index.PolicyFile == "" {
		errs = append(errs, errors.New("index.tokens or index.policy_file is required"))
	}
	for symbol, weight := range c.Index.Tokens {
		if weight <= 0 {
			errs = append(errs, fmt.Errorf("index.tokens.%s must be positive", symbol))
		}
	}
	if t := c.Index.RebalanceThreshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("index.rebalance_threshold must be in (0, 1), got %v", t))
	}
	if c.Index.RiskThreshold <= 0 {
		errs = append(errs, errors.New("index.risk_threshold must be positive"))
	}

	if c.Governance.Enabled {
		g := c.Governance
		if g.TotalVotingPower <= 0 {
			errs = append(errs, errors.New("governance.total_voting_power must be positive"))
		}
		if g.Quorum <= 0 || g.Quorum > 1 {
			errs = append(errs, errors.New("governance.quorum must be in (0, 1]"))
		}
		if g.ApprovalThreshold <= 0 || g.ApprovalThreshold >= 1 {
			errs = append(errs, errors.New("governance.approval_threshold must be in (0, 1)"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories holding the database and socket.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, filepath.Dir(c.Paths.Database), filepath.Dir(c.Paths.Socket)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
