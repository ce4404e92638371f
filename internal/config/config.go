package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Vendor     VendorConfig     `yaml:"vendor"`
	PII        PIIConfig        `yaml:"pii"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Workers    WorkersConfig    `yaml:"workers"`
	Dialer     DialerConfig     `yaml:"dialer"`
	Buckets    []BucketConfig   `yaml:"buckets"`
	Reports    ReportsConfig    `yaml:"reports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled       bool               `yaml:"enabled"`
	Port          int                `yaml:"port"`
	WebhookSecret string             `yaml:"webhook_secret"`
	Auth          APIAuthConfig      `yaml:"auth"`
	RateLimit     APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// VendorConfig describes the predictive dialer API.
type VendorConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	RobotID        string  `yaml:"robot_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
	TokenTTLHours  int     `yaml:"token_ttl_hours"`
	TaskRowCeiling int     `yaml:"task_row_ceiling"`
	ResultPageSize int     `yaml:"result_page_size"`
}

type PIIConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	BatchSize      int    `yaml:"batch_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AlertsConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

type WorkersConfig struct {
	Concurrency         int      `yaml:"concurrency"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	Queues              []string `yaml:"queues"`
}

// DialerConfig holds the pipeline defaults; feature settings may override them per bucket.
type DialerConfig struct {
	Timezone               string  `yaml:"timezone"`
	BusinessDayEnd         string  `yaml:"business_day_end"`
	ConstructTime          string  `yaml:"construct_time"`
	DiscrepancyTime        string  `yaml:"discrepancy_time"`
	DefaultBatchSize       int     `yaml:"default_batch_size"`
	MaxRetries             int     `yaml:"max_retries"`
	RetryUnitSeconds       int     `yaml:"retry_unit_seconds"`
	NotReadyDelaySeconds   int     `yaml:"not_ready_delay_seconds"`
	NotReadyMaxWaits       int     `yaml:"not_ready_max_waits"`
	WebhookDelaySeconds    int     `yaml:"webhook_delay_seconds"`
	RetroloadSliceMinutes  int     `yaml:"retroload_slice_minutes"`
	DiscrepancyThreshold   float64 `yaml:"discrepancy_threshold"`
	NextWaveHour           int     `yaml:"next_wave_hour"`
	IneffectiveConsecutive int     `yaml:"ineffective_consecutive_days"`
	IneffectiveLookback    int     `yaml:"ineffective_lookback_days"`
	IneffectiveRefresh     int     `yaml:"ineffective_refresh_days"`
	VendorFraction         float64 `yaml:"vendor_fraction"`
	DistributionDay        int     `yaml:"distribution_day"`
	ScheduleStart          string  `yaml:"schedule_start"`
	ScheduleEnd            string  `yaml:"schedule_end"`
	RepeatIntervalMinutes  int     `yaml:"repeat_interval_minutes"`
	RepeatCount            int     `yaml:"repeat_count"`
}

// BucketConfig declares a bucket the scheduler constructs every day.
type BucketConfig struct {
	Name          string `yaml:"name"`
	DPDMin        *int   `yaml:"dpd_min"`
	DPDMax        *int   `yaml:"dpd_max"`
	BatchSize     int    `yaml:"batch_size"`
	Mandatory     bool   `yaml:"mandatory"`
	ScheduleStart string `yaml:"schedule_start"`
	ScheduleEnd   string `yaml:"schedule_end"`
	Disabled      bool   `yaml:"disabled"`
}

type ReportsConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Vendor.BaseURL == "" {
		return errors.New("vendor base_url is required")
	}
	if _, err := time.LoadLocation(c.Dialer.Timezone); err != nil {
		return fmt.Errorf("invalid dialer timezone %q: %w", c.Dialer.Timezone, err)
	}
	for _, clock := range []string{c.Dialer.BusinessDayEnd, c.Dialer.ConstructTime, c.Dialer.DiscrepancyTime, c.Dialer.ScheduleStart, c.Dialer.ScheduleEnd} {
		if _, _, err := ParseClock(clock); err != nil {
			return err
		}
	}
	if c.Dialer.DiscrepancyThreshold < 0 || c.Dialer.DiscrepancyThreshold >= 1 {
		return fmt.Errorf("discrepancy_threshold must be in [0,1), got %v", c.Dialer.DiscrepancyThreshold)
	}

	return ValidateBuckets(c.Buckets)
}

func ValidateBuckets(buckets []BucketConfig) error {
	seen := make(map[string]bool)
	for _, b := range buckets {
		name := strings.ToLower(strings.TrimSpace(b.Name))
		if name == "" {
			return errors.New("bucket with empty name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate bucket found: %s", name)
		}
		seen[name] = true
		if b.DPDMin != nil && b.DPDMax != nil && *b.DPDMin > *b.DPDMax {
			return fmt.Errorf("bucket %s: dpd_min > dpd_max", name)
		}
		if b.BatchSize < 0 {
			return fmt.Errorf("bucket %s: negative batch_size", name)
		}
	}
	return nil
}

// Bucket returns the configured bucket by name, case-insensitively.
func (c *Config) Bucket(name string) (BucketConfig, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, b := range c.Buckets {
		if strings.ToLower(strings.TrimSpace(b.Name)) == name {
			return b, true
		}
	}
	return BucketConfig{}, false
}

// Location returns the business timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Dialer.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	return h, m, nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Vendor.TimeoutSeconds == 0 {
		c.Vendor.TimeoutSeconds = 30
	}
	if c.Vendor.TokenTTLHours == 0 {
		c.Vendor.TokenTTLHours = 23
	}
	if c.Vendor.TaskRowCeiling == 0 {
		c.Vendor.TaskRowCeiling = 50000
	}
	if c.Vendor.ResultPageSize == 0 {
		c.Vendor.ResultPageSize = 500
	}
	if c.PII.BatchSize == 0 {
		c.PII.BatchSize = 100
	}
	if c.PII.TimeoutSeconds == 0 {
		c.PII.TimeoutSeconds = 15
	}

	if c.Workers.Concurrency == 0 {
		c.Workers.Concurrency = 4
	}
	if c.Workers.PollIntervalSeconds == 0 {
		c.Workers.PollIntervalSeconds = 2
	}
	if len(c.Workers.Queues) == 0 {
		c.Workers.Queues = []string{"high", "normal", "low"}
	}

	d := &c.Dialer
	if d.Timezone == "" {
		d.Timezone = "Asia/Jakarta"
	}
	if d.BusinessDayEnd == "" {
		d.BusinessDayEnd = "21:00"
	}
	if d.ConstructTime == "" {
		d.ConstructTime = "05:00"
	}
	if d.DiscrepancyTime == "" {
		d.DiscrepancyTime = "22:00"
	}
	if d.DefaultBatchSize == 0 {
		d.DefaultBatchSize = 5000
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RetryUnitSeconds == 0 {
		d.RetryUnitSeconds = 60
	}
	if d.NotReadyDelaySeconds == 0 {
		d.NotReadyDelaySeconds = 300
	}
	if d.NotReadyMaxWaits == 0 {
		d.NotReadyMaxWaits = 6
	}
	if d.WebhookDelaySeconds == 0 {
		d.WebhookDelaySeconds = 30
	}
	if d.RetroloadSliceMinutes == 0 {
		d.RetroloadSliceMinutes = 3
	}
	if d.DiscrepancyThreshold == 0 {
		d.DiscrepancyThreshold = 0.001
	}
	if d.NextWaveHour == 0 {
		d.NextWaveHour = 14
	}
	if d.IneffectiveConsecutive == 0 {
		d.IneffectiveConsecutive = 3
	}
	if d.IneffectiveLookback == 0 {
		d.IneffectiveLookback = 7
	}
	if d.IneffectiveRefresh == 0 {
		d.IneffectiveRefresh = 14
	}
	if d.VendorFraction == 0 {
		d.VendorFraction = 0.2
	}
	if d.DistributionDay == 0 {
		d.DistributionDay = 1
	}
	if d.ScheduleStart == "" {
		d.ScheduleStart = "08:00"
	}
	if d.ScheduleEnd == "" {
		d.ScheduleEnd = "20:00"
	}
	if d.RepeatIntervalMinutes == 0 {
		d.RepeatIntervalMinutes = 60
	}
	if d.RepeatCount == 0 {
		d.RepeatCount = 3
	}

	if c.Reports.Path == "" {
		c.Reports.Path = "reports"
	}
}
