package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	ServerAddress string `env:"SERVER_ADDRESS"`
	Environment   string `env:"ENVIRONMENT"`
	LogLevel      string `env:"LOG_LEVEL"`
	StatePath     string `env:"STATE_PATH"`
	RulesPath     string `env:"RULES_PATH"`
	Database      DatabaseConfig
	Migration     MigrationConfig
	AI            AIConfig
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST"`
	Port     int    `env:"DB_PORT"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`
	Params   string `env:"DB_PARAMS"`
}

// Enabled reports whether a MySQL ledger is configured. Without one the service keeps the
// ledger in the state snapshot only.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != "" && d.Name != ""
}

type MigrationConfig struct {
	Dir string `env:"MIGRATION_DIR"`
}

type AIConfig struct {
	Enabled       bool          `env:"AI_ENABLED"`
	APIKey        string        `env:"ANTHROPIC_API_KEY"`
	Model         string        `env:"AI_MODEL"`
	Timeout       time.Duration `env:"AI_TIMEOUT"`
	Workers       int           `env:"AI_WORKERS"`
	RatePerSecond float64       `env:"AI_RATE_PER_SECOND"`
}

// LoadConfig reads .env from the working directory (if present) and the environment.
func LoadConfig() (*Config, error) {
	return Load(viper.New(), ".env")
}

// Load reads configuration into v from the given env file and the environment. A missing
// file is not an error; environment variables override file values.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrap(err, "error reading config file")
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "unable to stat %s", path)
		}
	}

	config := &Config{
		ServerAddress: v.GetString("SERVER_ADDRESS"),
		Environment:   v.GetString("ENVIRONMENT"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		StatePath:     v.GetString("STATE_PATH"),
		RulesPath:     v.GetString("RULES_PATH"),
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			Params:   v.GetString("DB_PARAMS"),
		},
		Migration: MigrationConfig{
			Dir: v.GetString("MIGRATION_DIR"),
		},
		AI: AIConfig{
			Enabled:       v.GetBool("AI_ENABLED"),
			APIKey:        v.GetString("ANTHROPIC_API_KEY"),
			Model:         v.GetString("AI_MODEL"),
			Timeout:       v.GetDuration("AI_TIMEOUT"),
			Workers:       v.GetInt("AI_WORKERS"),
			RatePerSecond: v.GetFloat64("AI_RATE_PER_SECOND"),
		},
	}
	if config.AI.Enabled && config.AI.APIKey == "" {
		return nil, errors.New("AI_ENABLED is set but ANTHROPIC_API_KEY is empty")
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STATE_PATH", "intake.db")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_PARAMS", "parseTime=true")
	v.SetDefault("MIGRATION_DIR", "migrations")
	v.SetDefault("AI_ENABLED", false)
	v.SetDefault("AI_TIMEOUT", "20s")
	v.SetDefault("AI_WORKERS", 4)
	v.SetDefault("AI_RATE_PER_SECOND", 2)
}

// GetDSN returns the MySQL DSN string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}

// GetMigrationDBURL returns the database URL for migrations
func (c *Config) GetMigrationDBURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}
