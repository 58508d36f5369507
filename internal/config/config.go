package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppConfig          *AppConfig
	OracleConfig       *OracleConfig
	BrowserConfig      *BrowserConfig
	ResolverConfig     *ResolverConfig
	ExecutorConfig     *ExecutorConfig
	OrchestratorConfig *OrchestratorConfig
}

type AppConfig struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type OracleConfig struct {
	APIKey    string `envconfig:"ORACLE_API_KEY" required:"true"`
	Model     string `envconfig:"ORACLE_MODEL" default:"claude-sonnet-4-20250514"`
	MaxTokens int    `envconfig:"ORACLE_MAX_TOKENS" default:"4096"`
}

type BrowserConfig struct {
	Headless    bool          `envconfig:"BROWSER_HEADLESS" default:"false"`
	SlowMo      int           `envconfig:"BROWSER_SLOW_MO" default:"100"`
	CallTimeout time.Duration `envconfig:"BROWSER_CALL_TIMEOUT" default:"10s"`
	NavTimeout  time.Duration `envconfig:"BROWSER_NAV_TIMEOUT" default:"30s"`
	UserDataDir string        `envconfig:"BROWSER_USER_DATA_DIR" default:""`
	KeepOpen    bool          `envconfig:"BROWSER_KEEP_OPEN" default:"false"`
}

// ResolverConfig holds the scoring weights. The contract is determinism and
// the three match tiers; the literal values are a policy choice and stay
// configurable.
type ResolverConfig struct {
	ExactWeight     float64 `envconfig:"RESOLVER_EXACT_WEIGHT" default:"100"`
	FuzzyWeight     float64 `envconfig:"RESOLVER_FUZZY_WEIGHT" default:"60"`
	WeakWeight      float64 `envconfig:"RESOLVER_WEAK_WEIGHT" default:"20"`
	DistancePenalty float64 `envconfig:"RESOLVER_DISTANCE_PENALTY" default:"4"`
	MaxDistance     int     `envconfig:"RESOLVER_MAX_DISTANCE" default:"8"`
}

type ExecutorConfig struct {
	ResolveAttempts   int           `envconfig:"EXECUTOR_RESOLVE_ATTEMPTS" default:"3"`
	StaleRetries      int           `envconfig:"EXECUTOR_STALE_RETRIES" default:"2"`
	TransientRetries  int           `envconfig:"EXECUTOR_TRANSIENT_RETRIES" default:"2"`
	SettleInitialWait time.Duration `envconfig:"EXECUTOR_SETTLE_INITIAL_WAIT" default:"250ms"`
	SettleMaxWait     time.Duration `envconfig:"EXECUTOR_SETTLE_MAX_WAIT" default:"2s"`
}

type OrchestratorConfig struct {
	ReplanThreshold int           `envconfig:"ORCH_REPLAN_THRESHOLD" default:"2"`
	MaxReplans      int           `envconfig:"ORCH_MAX_REPLANS" default:"4"`
	MaxElapsed      time.Duration `envconfig:"ORCH_MAX_ELAPSED" default:"10m"`
	HistoryWindow   int           `envconfig:"ORCH_HISTORY_WINDOW" default:"12"`
}

func GetConfig() (*Config, error) {
	_ = godotenv.Load()

	var conf Config

	if err := envconfig.Process("", &conf); err != nil {
		return nil, fmt.Errorf("read config from env vars: %w", err)
	}

	return &conf, nil
}
