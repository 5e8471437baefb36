package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Neo4j      Neo4jConfig
	Audit      AuditConfig
	Alerts     AlertsConfig
	Prediction PredictionConfig
	IDs        IDsConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RequestsPerMinute int
	AllowedOrigins    []string
	Development       bool
}

type SQLiteConfig struct {
	Path        string
	BusyTimeout int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

// AuditConfig controls the hash-chain export batch.
type AuditConfig struct {
	Schedule    string
	PeriodHours int
	// Periods one scheduled run may catch up on.
	BackfillPeriods int
	ExportDir       string
	LockTTLSec      int
	RunOnStartup    bool
}

type AlertsConfig struct {
	Stream              string
	DeadlineWarningDays int
	SweepSchedule       string
	QueueSize           int
	QueueWorkers        int
}

type PredictionConfig struct {
	DependencyChainLength int
	TeamWorkload          float64
	DefaultDaysAhead      int
	CacheTTLSec           int
}

type IDsConfig struct {
	Node int64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/compliance-ledger")

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// LoadFile reads a single explicit config file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.requestsPerMinute", 600)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/ledger.db")
	v.SetDefault("sqlite.busyTimeout", 5000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.maxTokens", 400)
	v.SetDefault("llm.timeoutSec", 20)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("audit.schedule", "0 15 0 * * *")
	v.SetDefault("audit.periodHours", 24)
	v.SetDefault("audit.backfillPeriods", 31)
	v.SetDefault("audit.exportDir", "./data/audit-export")
	v.SetDefault("audit.lockTTLSec", 600)
	v.SetDefault("audit.runOnStartup", false)

	v.SetDefault("alerts.stream", "compliance:alerts")
	v.SetDefault("alerts.deadlineWarningDays", 3)
	v.SetDefault("alerts.sweepSchedule", "0 0 8 * * *")
	v.SetDefault("alerts.queueSize", 256)
	v.SetDefault("alerts.queueWorkers", 2)

	v.SetDefault("prediction.dependencyChainLength", 2)
	v.SetDefault("prediction.teamWorkload", 0.75)
	v.SetDefault("prediction.defaultDaysAhead", 30)
	v.SetDefault("prediction.cacheTTLSec", 300)

	v.SetDefault("ids.node", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
