package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelConfig declares one model reachable through a provider.
type ModelConfig struct {
	Name             string  `yaml:"name"`
	ContextTokens    int     `yaml:"context_tokens"`
	MaxOutputTokens  int     `yaml:"max_output_tokens"`
	InputPerMTok     float64 `yaml:"input_per_mtok"`
	OutputPerMTok    float64 `yaml:"output_per_mtok"`
	SupportsTools    bool    `yaml:"supports_tools"`
	ProposerEligible bool    `yaml:"proposer_eligible"`
}

// ProviderConfig declares one provider adapter.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	Type      string        `yaml:"type"` // anthropic | openai | compat
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"` // env var holding the key; vault overrides
	Endpoints []string      `yaml:"endpoints"`   // extra replica endpoints (compat only)
	Models    []ModelConfig `yaml:"models"`
}

// FileConfig is the YAML config file shape carrying the structured sections.
type FileConfig struct {
	General struct {
		MaxRounds int    `yaml:"max_rounds"`
		Protocol  string `yaml:"protocol"`
		Decompose bool   `yaml:"decompose"`
	} `yaml:"general"`
	Consensus struct {
		Panel                []string `yaml:"panel"`
		ProposerStrategy     string   `yaml:"proposer_strategy"`
		Proposer             string   `yaml:"proposer"`
		Challengers          []string `yaml:"challengers"`
		ChallengeFramings    []string `yaml:"challenge_framings"`
		MinChallengers       int      `yaml:"min_challengers"`
		ConvergenceThreshold float64  `yaml:"convergence_threshold"`
		SycophancyMarkers    []string `yaml:"sycophancy_markers"`
	} `yaml:"consensus"`
	Voting struct {
		Aggregation string `yaml:"aggregation"`
	} `yaml:"voting"`
	Tools struct {
		Enabled   bool `yaml:"enabled"`
		MaxRounds int  `yaml:"max_rounds"`
	} `yaml:"tools"`
	Cost struct {
		WarnThreshold float64 `yaml:"warn_threshold"`
		HardLimit     float64 `yaml:"hard_limit"`
	} `yaml:"cost"`
	Decompose struct {
		MinSubtasks int    `yaml:"min_subtasks"`
		MaxSubtasks int    `yaml:"max_subtasks"`
		Synthesis   string `yaml:"synthesis"` // merge | prioritize
	} `yaml:"decompose"`
	Providers []ProviderConfig `yaml:"providers"`
}

// Config is the full runtime configuration: the YAML sections plus the
// operational settings that come from the environment.
type Config struct {
	ListenAddr string
	LogLevel   string
	DBDSN      string
	ConfigFile string

	File FileConfig

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	ProviderTimeoutSecs int
	ContextTokenBudget  int

	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

// LoadConfig reads the environment and the optional YAML config file.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("QUORUM_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("QUORUM_LOG_LEVEL", "info"),
		DBDSN:      getEnv("QUORUM_DB_DSN", "file:quorum.sqlite"),
		ConfigFile: getEnv("QUORUM_CONFIG_FILE", "quorum.yaml"),

		VaultEnabled:  getEnvBool("QUORUM_VAULT_ENABLED", false),
		VaultPassword: getEnv("QUORUM_VAULT_PASSWORD", ""),

		ProviderTimeoutSecs: getEnvInt("QUORUM_PROVIDER_TIMEOUT_SECS", 120),
		ContextTokenBudget:  getEnvInt("QUORUM_CONTEXT_TOKEN_BUDGET", 2000),

		CORSOrigins:    getEnvStringSlice("QUORUM_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("QUORUM_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("QUORUM_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("QUORUM_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("QUORUM_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("QUORUM_OTEL_SERVICE_NAME", "quorum"),

		TemporalEnabled:   getEnvBool("QUORUM_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("QUORUM_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("QUORUM_TEMPORAL_NAMESPACE", "quorum"),
		TemporalTaskQueue: getEnv("QUORUM_TEMPORAL_TASK_QUEUE", "quorum-debates"),
	}

	if err := loadFile(&cfg.File, cfg.ConfigFile); err != nil {
		return Config{}, err
	}
	applyFileDefaults(&cfg.File)
	applyEnvOverrides(&cfg.File)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads the YAML config file when it exists. A missing file is not
// an error; everything has a default.
func loadFile(fc *FileConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyFileDefaults(fc *FileConfig) {
	if fc.General.MaxRounds == 0 {
		fc.General.MaxRounds = 3
	}
	if fc.General.Protocol == "" {
		fc.General.Protocol = "consensus"
	}
	if fc.Consensus.MinChallengers == 0 {
		fc.Consensus.MinChallengers = 2
	}
	if fc.Consensus.ConvergenceThreshold == 0 {
		fc.Consensus.ConvergenceThreshold = 0.7
	}
	if fc.Consensus.ProposerStrategy == "" {
		fc.Consensus.ProposerStrategy = "top-cost"
	}
	if fc.Voting.Aggregation == "" {
		fc.Voting.Aggregation = "majority"
	}
	if fc.Tools.MaxRounds == 0 {
		fc.Tools.MaxRounds = 5
	}
	if fc.Decompose.MinSubtasks == 0 {
		fc.Decompose.MinSubtasks = 2
	}
	if fc.Decompose.MaxSubtasks == 0 {
		fc.Decompose.MaxSubtasks = 7
	}
	if fc.Decompose.Synthesis == "" {
		fc.Decompose.Synthesis = "merge"
	}
}

// applyEnvOverrides lets the flat environment override the file sections.
func applyEnvOverrides(fc *FileConfig) {
	fc.General.MaxRounds = getEnvInt("QUORUM_MAX_ROUNDS", fc.General.MaxRounds)
	fc.General.Protocol = getEnv("QUORUM_PROTOCOL", fc.General.Protocol)
	fc.General.Decompose = getEnvBool("QUORUM_DECOMPOSE", fc.General.Decompose)
	fc.Consensus.MinChallengers = getEnvInt("QUORUM_MIN_CHALLENGERS", fc.Consensus.MinChallengers)
	fc.Consensus.ConvergenceThreshold = getEnvFloat("QUORUM_CONVERGENCE_THRESHOLD", fc.Consensus.ConvergenceThreshold)
	fc.Voting.Aggregation = getEnv("QUORUM_VOTING_AGGREGATION", fc.Voting.Aggregation)
	fc.Tools.Enabled = getEnvBool("QUORUM_TOOLS_ENABLED", fc.Tools.Enabled)
	fc.Tools.MaxRounds = getEnvInt("QUORUM_TOOLS_MAX_ROUNDS", fc.Tools.MaxRounds)
	fc.Cost.WarnThreshold = getEnvFloat("QUORUM_COST_WARN_USD", fc.Cost.WarnThreshold)
	fc.Cost.HardLimit = getEnvFloat("QUORUM_COST_HARD_LIMIT_USD", fc.Cost.HardLimit)
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("QUORUM_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("QUORUM_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("QUORUM_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	fc := c.File
	if fc.General.MaxRounds < 1 || fc.General.MaxRounds > 5 {
		return fmt.Errorf("general.max_rounds must be in 1..5, got %d", fc.General.MaxRounds)
	}
	switch fc.General.Protocol {
	case "consensus", "voting", "auto":
	default:
		return fmt.Errorf("general.protocol must be consensus, voting or auto, got %q", fc.General.Protocol)
	}
	if fc.Consensus.ConvergenceThreshold < 0 || fc.Consensus.ConvergenceThreshold > 1 {
		return fmt.Errorf("consensus.convergence_threshold must be in [0,1], got %f", fc.Consensus.ConvergenceThreshold)
	}
	switch fc.Consensus.ProposerStrategy {
	case "top-cost", "round-robin", "fixed":
	default:
		return fmt.Errorf("consensus.proposer_strategy must be top-cost, round-robin or fixed, got %q", fc.Consensus.ProposerStrategy)
	}
	if fc.Consensus.ProposerStrategy == "fixed" && fc.Consensus.Proposer == "" {
		return fmt.Errorf("consensus.proposer is required with the fixed proposer strategy")
	}
	for _, f := range fc.Consensus.ChallengeFramings {
		switch f {
		case "flaw", "alternative", "risk", "devils-advocate":
		default:
			return fmt.Errorf("unknown challenge framing %q", f)
		}
	}
	switch fc.Voting.Aggregation {
	case "majority", "weighted":
	default:
		return fmt.Errorf("voting.aggregation must be majority or weighted, got %q", fc.Voting.Aggregation)
	}
	if fc.Cost.HardLimit < 0 {
		return fmt.Errorf("cost.hard_limit must be >= 0, got %f", fc.Cost.HardLimit)
	}
	if fc.Decompose.MinSubtasks < 1 || fc.Decompose.MaxSubtasks < fc.Decompose.MinSubtasks {
		return fmt.Errorf("decompose subtask bounds invalid: min %d, max %d", fc.Decompose.MinSubtasks, fc.Decompose.MaxSubtasks)
	}
	for _, p := range fc.Providers {
		switch p.Type {
		case "anthropic", "openai", "compat":
		default:
			return fmt.Errorf("provider %q has unknown type %q", p.Name, p.Type)
		}
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
