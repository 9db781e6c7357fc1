package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       LogConfig
	Loan      LoanConfig
	Scheduler SchedulerConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Events    EventsConfig
	Directory DirectoryConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string // sqlite, memory
	DSN    string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// ProductConfig holds per loan type pricing.
type ProductConfig struct {
	DefaultInterestRate float64 `mapstructure:"default_interest_rate"`
	GuaranteeRate       float64 `mapstructure:"guarantee_rate"`
}

// LoanConfig holds the lending rules.
type LoanConfig struct {
	MaxDebtToIncome       float64
	MaxActiveApplications int
	MonthlyPenaltyRate    float64
	GuaranteeRate         float64
	OverpaymentPolicy     string // absorb, reject, credit
	Products              map[string]ProductConfig
}

// SchedulerConfig controls the overdue batch runner.
type SchedulerConfig struct {
	Enabled         bool
	OverdueInterval time.Duration
}

type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	DirectoryTTL time.Duration
}

// StorageConfig configures the S3-compatible document bucket.
type StorageConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// DirectoryConfig lists the branch and employee names shown on applications and loans.
type DirectoryConfig struct {
	Branches  map[string]string
	Employees map[string]string
}

type EventsConfig struct {
	RedisEnabled bool
	RedisChannel string
}

// Load loads configuration from config.toml and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with MICROLOAN_ prefix (e.g., MICROLOAN_DATABASE_DSN)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/microloan")
	return load(v)
}

// LoadFile loads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MICROLOAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Loan: LoanConfig{
			MaxDebtToIncome:       v.GetFloat64("loan.max_debt_to_income"),
			MaxActiveApplications: v.GetInt("loan.max_active_applications"),
			MonthlyPenaltyRate:    v.GetFloat64("loan.monthly_penalty_rate"),
			GuaranteeRate:         v.GetFloat64("loan.guarantee_rate"),
			OverpaymentPolicy:     v.GetString("loan.overpayment_policy"),
		},
		Scheduler: SchedulerConfig{
			Enabled:         v.GetBool("scheduler.enabled"),
			OverdueInterval: v.GetDuration("scheduler.overdue_interval"),
		},
		Redis: RedisConfig{
			Enabled:      v.GetBool("redis.enabled"),
			Addr:         v.GetString("redis.addr"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			DirectoryTTL: v.GetDuration("redis.directory_ttl"),
		},
		Storage: StorageConfig{
			Enabled:         v.GetBool("storage.enabled"),
			Bucket:          v.GetString("storage.bucket"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
		},
		Events: EventsConfig{
			RedisEnabled: v.GetBool("events.redis_enabled"),
			RedisChannel: v.GetString("events.redis_channel"),
		},
	}
	if err := v.UnmarshalKey("loan.products", &cfg.Loan.Products); err != nil {
		return nil, fmt.Errorf("error reading loan.products: %w", err)
	}
	cfg.Directory.Branches = v.GetStringMapString("directory.branches")
	cfg.Directory.Employees = v.GetStringMapString("directory.employees")

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultProducts are the annual rates used when an application carries none.
var defaultProducts = map[string]ProductConfig{
	"commercial":   {DefaultInterestRate: 0.18},
	"agricultural": {DefaultInterestRate: 0.15},
	"personal":     {DefaultInterestRate: 0.20},
	"emergency":    {DefaultInterestRate: 0.24},
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "microloan"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "microloan.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Loan.MaxDebtToIncome == 0 {
		cfg.Loan.MaxDebtToIncome = 0.40
	}
	if cfg.Loan.MaxActiveApplications == 0 {
		cfg.Loan.MaxActiveApplications = 3
	}
	if cfg.Loan.MonthlyPenaltyRate == 0 {
		cfg.Loan.MonthlyPenaltyRate = 0.05
	}
	if cfg.Loan.GuaranteeRate == 0 {
		cfg.Loan.GuaranteeRate = 0.15
	}
	if cfg.Loan.OverpaymentPolicy == "" {
		cfg.Loan.OverpaymentPolicy = "absorb"
	}
	if cfg.Loan.Products == nil {
		cfg.Loan.Products = make(map[string]ProductConfig)
	}
	for name, def := range defaultProducts {
		p, ok := cfg.Loan.Products[name]
		if !ok {
			p = def
		}
		if p.DefaultInterestRate == 0 {
			p.DefaultInterestRate = def.DefaultInterestRate
		}
		if p.GuaranteeRate == 0 {
			p.GuaranteeRate = cfg.Loan.GuaranteeRate
		}
		cfg.Loan.Products[name] = p
	}
	if cfg.Scheduler.OverdueInterval == 0 {
		cfg.Scheduler.OverdueInterval = time.Hour
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.DirectoryTTL == 0 {
		cfg.Redis.DirectoryTTL = 10 * time.Minute
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Events.RedisChannel == "" {
		cfg.Events.RedisChannel = "microloan.events"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}
	if c.Loan.MaxDebtToIncome <= 0 || c.Loan.MaxDebtToIncome > 1 {
		return fmt.Errorf("loan.max_debt_to_income must be in (0, 1]")
	}
	if c.Loan.MaxActiveApplications < 1 {
		return fmt.Errorf("loan.max_active_applications must be positive")
	}
	if c.Loan.MonthlyPenaltyRate < 0 {
		return fmt.Errorf("loan.monthly_penalty_rate cannot be negative")
	}
	switch c.Loan.OverpaymentPolicy {
	case "absorb", "reject", "credit":
	default:
		return fmt.Errorf("loan.overpayment_policy must be absorb, reject or credit, got %q", c.Loan.OverpaymentPolicy)
	}
	for name, p := range c.Loan.Products {
		if p.DefaultInterestRate < 0 || p.GuaranteeRate < 0 {
			return fmt.Errorf("loan.products.%s rates cannot be negative", name)
		}
	}
	if c.Scheduler.OverdueInterval < time.Minute {
		return fmt.Errorf("scheduler.overdue_interval must be at least one minute")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage is enabled")
	}
	return nil
}
