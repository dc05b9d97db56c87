package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelsec/docrisk/internal/models"
)

type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Engine        EngineConfig        `yaml:"engine"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type EngineConfig struct {
	Contamination        float64 `yaml:"contamination"`
	Clusters             int     `yaml:"clusters"`
	Trees                int     `yaml:"trees"`
	SampleSize           int     `yaml:"sample_size"`
	Seed                 int64   `yaml:"seed"`
	RiskThreshold        float64 `yaml:"risk_threshold"`
	RiskScale            float64 `yaml:"risk_scale"`
	MinTrainingRows      int     `yaml:"min_training_rows"`
	MinHistoryRows       int     `yaml:"min_history_rows"`
	HistoryLimit         int     `yaml:"history_limit"`
	BulkWindowMinutes    int     `yaml:"bulk_window_minutes"`
	AnomalyFlagThreshold float64 `yaml:"anomaly_flag_threshold"`
	Timezone             string  `yaml:"timezone"`
	ModelDir             string  `yaml:"model_dir"`
	FallbackLogPath      string  `yaml:"fallback_log_path"`
	RetrainSchedule      string  `yaml:"retrain_schedule"`
}

// Location resolves the canonical scoring timezone.
func (c EngineConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Engine.Contamination == 0 {
		c.Engine.Contamination = 0.1
	}
	if c.Engine.Clusters == 0 {
		c.Engine.Clusters = 3
	}
	if c.Engine.Trees == 0 {
		c.Engine.Trees = 100
	}
	if c.Engine.Seed == 0 {
		c.Engine.Seed = 42
	}
	if c.Engine.RiskThreshold == 0 {
		c.Engine.RiskThreshold = 0.5
	}
	if c.Engine.RiskScale == 0 {
		c.Engine.RiskScale = 1.0
	}
	if c.Engine.MinTrainingRows == 0 {
		c.Engine.MinTrainingRows = 10
	}
	if c.Engine.MinHistoryRows == 0 {
		c.Engine.MinHistoryRows = 50
	}
	if c.Engine.HistoryLimit == 0 {
		c.Engine.HistoryLimit = 1000
	}
	if c.Engine.BulkWindowMinutes == 0 {
		c.Engine.BulkWindowMinutes = 30
	}
	if c.Engine.AnomalyFlagThreshold == 0 {
		c.Engine.AnomalyFlagThreshold = 0.7
	}
	if c.Engine.Timezone == "" {
		c.Engine.Timezone = "Asia/Kolkata"
	}
	if c.Engine.ModelDir == "" {
		c.Engine.ModelDir = "models"
	}
	if c.Engine.FallbackLogPath == "" {
		c.Engine.FallbackLogPath = "access_logs_fallback.log"
	}
	if c.Engine.RetrainSchedule == "" {
		c.Engine.RetrainSchedule = "@hourly"
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
