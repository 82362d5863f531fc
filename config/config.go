/*
Copyright 2026 The kra-vscu-microservice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	SubmitterModeInline = "inline"
	SubmitterModeQueue  = "queue"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"VSCU_SERVER_SSL"`
	SecretKey string `json:"secret_key" envconfig:"VSCU_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"VSCU_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"VSCU_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"VSCU_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"VSCU_DATA_SOURCE_DNS"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"VSCU_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"VSCU_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"VSCU_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"VSCU_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

// RedisConfig is optional. Without it the caller cache, the scheduler lock
// and queue mode are disabled.
type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"VSCU_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"VSCU_REDIS_SKIP_TLS_VERIFY"`
}

// UpstreamConfig describes the tax authority endpoint.
type UpstreamConfig struct {
	BaseURL          string   `json:"base_url" envconfig:"VSCU_UPSTREAM_BASE_URL"`
	TimeoutSeconds   int      `json:"timeout_seconds" envconfig:"VSCU_UPSTREAM_TIMEOUT_SECONDS"`
	SalesPath        string   `json:"sales_path" envconfig:"VSCU_UPSTREAM_SALES_PATH"`
	StockMasterPath  string   `json:"stock_master_path" envconfig:"VSCU_UPSTREAM_STOCK_MASTER_PATH"`
	ItemsPath        string   `json:"items_path" envconfig:"VSCU_UPSTREAM_ITEMS_PATH"`
	SuccessCodes     []string `json:"success_codes" envconfig:"VSCU_UPSTREAM_SUCCESS_CODES"`
	PreferDeviceURLs bool     `json:"prefer_device_urls" envconfig:"VSCU_UPSTREAM_PREFER_DEVICE_URLS"`
}

// RetryConfig controls the background retry scheduler.
type RetryConfig struct {
	IntervalSeconds     int  `json:"interval_seconds" envconfig:"VSCU_RETRY_INTERVAL_SECONDS"`
	MaxRetries          int  `json:"max_retries" envconfig:"VSCU_RETRY_MAX_RETRIES"`
	BackoffBaseSeconds  int  `json:"backoff_base_seconds" envconfig:"VSCU_RETRY_BACKOFF_BASE_SECONDS"`
	ClaimTimeoutSeconds int  `json:"claim_timeout_seconds" envconfig:"VSCU_RETRY_CLAIM_TIMEOUT_SECONDS"`
	BatchSize           int  `json:"batch_size" envconfig:"VSCU_RETRY_BATCH_SIZE"`
	MaxWorkers          int  `json:"max_workers" envconfig:"VSCU_RETRY_MAX_WORKERS"`
	Disabled            bool `json:"disabled" envconfig:"VSCU_RETRY_DISABLED"`
}

// SubmitterConfig controls how freshly committed records are first attempted.
type SubmitterConfig struct {
	Mode      string `json:"mode" envconfig:"VSCU_SUBMITTER_MODE"`
	Workers   int    `json:"workers" envconfig:"VSCU_SUBMITTER_WORKERS"`
	QueueSize int    `json:"queue_size" envconfig:"VSCU_SUBMITTER_QUEUE_SIZE"`
}

// CryptoConfig holds base64 encoded keys for sealing fields at rest.
type CryptoConfig struct {
	OpaqueKey string `json:"opaque_key" envconfig:"VSCU_CRYPTO_OPAQUE_KEY"`
	LookupKey string `json:"lookup_key" envconfig:"VSCU_CRYPTO_LOOKUP_KEY"`
}

type QueueConfig struct {
	DeliveryQueue  string `json:"delivery_queue" envconfig:"VSCU_QUEUE_DELIVERY"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"VSCU_QUEUE_WEBHOOK"`
	Concurrency    int    `json:"concurrency" envconfig:"VSCU_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"VSCU_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"VSCU_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"VSCU_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"VSCU_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"VSCU_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"VSCU_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type LogConfig struct {
	Level  string `json:"level" envconfig:"VSCU_LOG_LEVEL"`
	Format string `json:"format" envconfig:"VSCU_LOG_FORMAT"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"VSCU_PROJECT_NAME"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Upstream        UpstreamConfig   `json:"upstream"`
	Retry           RetryConfig      `json:"retry"`
	Submitter       SubmitterConfig  `json:"submitter"`
	Crypto          CryptoConfig     `json:"crypto"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Log             LogConfig        `json:"log"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"VSCU_ENABLE_TELEMETRY"`
	OtlpEndpoint    string           `json:"otlp_endpoint" envconfig:"VSCU_OTLP_ENDPOINT"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("vscu", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	configureLogger(cnf.Log)
	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called vscu.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "VSCU Middleware"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Upstream.BaseURL == "" {
		log.Println("Error: Upstream base URL is empty. It's a required field.")
		return errors.New("upstream base URL is required")
	}

	if cnf.Crypto.OpaqueKey == "" || cnf.Crypto.LookupKey == "" {
		log.Println("Error: Crypto keys are empty. Both opaque_key and lookup_key are required.")
		return errors.New("crypto keys are required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Upstream.BaseURL), "/")

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setDataSourceDefaults()
	cnf.setUpstreamDefaults()
	cnf.setRetryDefaults()

	if err := cnf.setSubmitterDefaults(); err != nil {
		return err
	}

	if cnf.Queue.DeliveryQueue == "" {
		cnf.Queue.DeliveryQueue = "submission_delivery"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "webhook_queue"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 5
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setDataSourceDefaults() {
	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = 25
	}
	if cnf.DataSource.MaxIdleConns <= 0 {
		cnf.DataSource.MaxIdleConns = 10
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = 30 * time.Minute
	}
	if cnf.DataSource.ConnMaxIdleTime <= 0 {
		cnf.DataSource.ConnMaxIdleTime = 5 * time.Minute
	}
}

func (cnf *Configuration) setUpstreamDefaults() {
	if cnf.Upstream.TimeoutSeconds <= 0 {
		cnf.Upstream.TimeoutSeconds = 30
	}
	if cnf.Upstream.SalesPath == "" {
		cnf.Upstream.SalesPath = "/trnsSales/saveSales"
	}
	if cnf.Upstream.StockMasterPath == "" {
		cnf.Upstream.StockMasterPath = "/stockMaster/saveStockMaster"
	}
	if cnf.Upstream.ItemsPath == "" {
		cnf.Upstream.ItemsPath = "/items/saveItems"
	}
	if len(cnf.Upstream.SuccessCodes) == 0 {
		cnf.Upstream.SuccessCodes = []string{"000"}
	}
}

func (cnf *Configuration) setRetryDefaults() {
	if cnf.Retry.IntervalSeconds <= 0 {
		cnf.Retry.IntervalSeconds = 30
	}
	if cnf.Retry.MaxRetries <= 0 {
		cnf.Retry.MaxRetries = 5
	}
	if cnf.Retry.BackoffBaseSeconds <= 0 {
		cnf.Retry.BackoffBaseSeconds = 60
	}
	// A claim must outlive the upstream timeout or a slow attempt gets re-driven.
	minClaim := 2 * cnf.Upstream.TimeoutSeconds
	if cnf.Retry.ClaimTimeoutSeconds <= 0 {
		cnf.Retry.ClaimTimeoutSeconds = 600
	}
	if cnf.Retry.ClaimTimeoutSeconds < minClaim {
		log.Printf("Warning: claim timeout %ds is shorter than twice the upstream timeout. Using %ds", cnf.Retry.ClaimTimeoutSeconds, minClaim)
		cnf.Retry.ClaimTimeoutSeconds = minClaim
	}
	if cnf.Retry.MaxWorkers <= 0 {
		cnf.Retry.MaxWorkers = 10
	}
	if cnf.Retry.BatchSize <= 0 {
		cnf.Retry.BatchSize = cnf.Retry.MaxWorkers * 50
	}
}

func (cnf *Configuration) setSubmitterDefaults() error {
	cnf.Submitter.Mode = strings.ToLower(strings.TrimSpace(cnf.Submitter.Mode))
	if cnf.Submitter.Mode == "" {
		cnf.Submitter.Mode = SubmitterModeInline
	}
	if cnf.Submitter.Mode != SubmitterModeInline && cnf.Submitter.Mode != SubmitterModeQueue {
		return errors.New("submitter mode must be inline or queue")
	}
	if cnf.Submitter.Mode == SubmitterModeQueue && cnf.Redis.Dns == "" {
		return errors.New("redis DNS is required when submitter mode is queue")
	}
	if cnf.Submitter.Workers <= 0 {
		cnf.Submitter.Workers = 8
	}
	if cnf.Submitter.QueueSize <= 0 {
		cnf.Submitter.QueueSize = 1024
	}
	return nil
}

// UpstreamTimeout is the per-attempt deadline for a delivery.
func (cnf *Configuration) UpstreamTimeout() time.Duration {
	return time.Duration(cnf.Upstream.TimeoutSeconds) * time.Second
}

func (cnf *Configuration) RetryInterval() time.Duration {
	return time.Duration(cnf.Retry.IntervalSeconds) * time.Second
}

func (cnf *Configuration) BackoffBase() time.Duration {
	return time.Duration(cnf.Retry.BackoffBaseSeconds) * time.Second
}

func (cnf *Configuration) ClaimTimeout() time.Duration {
	return time.Duration(cnf.Retry.ClaimTimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to print: secrets are masked.
func (cnf *Configuration) Redacted() Configuration {
	c := *cnf
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Server.SecretKey = mask(c.Server.SecretKey)
	c.Crypto.OpaqueKey = mask(c.Crypto.OpaqueKey)
	c.Crypto.LookupKey = mask(c.Crypto.LookupKey)
	c.DataSource.Dns = mask(c.DataSource.Dns)
	c.Redis.Dns = mask(c.Redis.Dns)
	c.Notification.Slack.WebhookUrl = mask(c.Notification.Slack.WebhookUrl)
	return c
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

func configureLogger(cfg LogConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logrus.SetLevel(level)
	}
	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
}
