// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml, an optional .env file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/leonie/brokerflow/internal/models"
)

// MailConfig configures the Gmail adapter.
type MailConfig struct {
	CredentialsFile string // service account or authorized-user JSON
	TokenFile       string // cached user token (installed-app flow)
	Subject         string // mailbox to impersonate with domain-wide delegation
	Query           string
	ProcessedLabel  string
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	MaxResults      int64
	PushTopic       string // Pub/Sub topic for users.watch; empty disables push
}

// ClassifierConfig configures the generative classification service.
type ClassifierConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	MaxAttempts   int
	MinConfidence float64
}

// StorageConfig selects and configures the file storage backend.
type StorageConfig struct {
	Backend string // "drive" or "minio"

	DriveCredentialsFile string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string
	LinkExpiry     time.Duration

	Timeout time.Duration
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	URL    string
}

// WorkerConfig configures the job queue consumer.
type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
	MaxRetries  int
	LockTTL     time.Duration
}

// DocumentConfig configures attachment normalisation.
type DocumentConfig struct {
	TargetBytes     int64
	MaxInputBytes   int64
	LibreOfficePath string
	GhostscriptPath string
	ToolTimeout     time.Duration
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	From          string
	OperatorEmail string
	DryRun        bool
	SendTimeout   time.Duration
	MaxAttempts   int
	BufferSize    int
}

// Config holds all configuration for the pipeline.
type Config struct {
	Mail       MailConfig
	Classifier ClassifierConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Workers    WorkerConfig
	Documents  DocumentConfig
	Notify     NotifyConfig

	// Redis
	RedisURL  string
	JobStream string
	JobGroup  string

	// Ops HTTP server (health, Gmail push, dead letters)
	Port      int
	OpsToken  string
	PushToken string

	LogLevel string

	// PieceTypes is the checklist catalog seeded into the store at boot.
	PieceTypes []models.PieceType
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Mail struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		Subject         string `yaml:"subject"`
		Query           string `yaml:"query"`
		ProcessedLabel  string `yaml:"processed_label"`
		PushTopic       string `yaml:"push_topic"`
	} `yaml:"mail"`
	Classifier struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"classifier"`
	Storage struct {
		Backend string `yaml:"backend"`
		Drive   struct {
			CredentialsFile string `yaml:"credentials_file"`
		} `yaml:"drive"`
		Minio struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			UseSSL    bool   `yaml:"use_ssl"`
			Bucket    string `yaml:"bucket"`
		} `yaml:"minio"`
	} `yaml:"storage"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Stream string `yaml:"stream"`
		Group  string `yaml:"group"`
	} `yaml:"redis"`
	Notify struct {
		From          string `yaml:"from"`
		OperatorEmail string `yaml:"operator_email"`
	} `yaml:"notify"`
	PieceTypes []models.PieceType `yaml:"piece_types"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A .env file in the working
// directory, when present, is loaded first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFile reads configuration from the given YAML path.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Mail: MailConfig{
			CredentialsFile: firstNonEmpty(raw.Mail.CredentialsFile, envOrDefault("GMAIL_CREDENTIALS_FILE", "")),
			TokenFile:       firstNonEmpty(raw.Mail.TokenFile, envOrDefault("GMAIL_TOKEN_FILE", "")),
			Subject:         firstNonEmpty(raw.Mail.Subject, envOrDefault("GMAIL_SUBJECT", "")),
			Query:           firstNonEmpty(raw.Mail.Query, envOrDefault("GMAIL_QUERY", "label:INBOX is:unread")),
			ProcessedLabel:  firstNonEmpty(raw.Mail.ProcessedLabel, envOrDefault("GMAIL_PROCESSED_LABEL", "")),
			PushTopic:       firstNonEmpty(raw.Mail.PushTopic, envOrDefault("GMAIL_PUSH_TOPIC", "")),
			PollInterval:    envOrDefaultDuration("POLL_INTERVAL", 60*time.Second),
			FetchTimeout:    envOrDefaultDuration("MAIL_FETCH_TIMEOUT", 30*time.Second),
			MaxResults:      int64(envOrDefaultInt("MAIL_MAX_RESULTS", 50)),
		},
		Classifier: ClassifierConfig{
			APIKey:        firstNonEmpty(raw.Classifier.APIKey, envOrDefault("CLASSIFIER_API_KEY", "")),
			BaseURL:       firstNonEmpty(raw.Classifier.BaseURL, envOrDefault("CLASSIFIER_BASE_URL", "")),
			Model:         firstNonEmpty(raw.Classifier.Model, envOrDefault("CLASSIFIER_MODEL", "gpt-4o-mini")),
			Timeout:       envOrDefaultDuration("CLASSIFIER_TIMEOUT", 20*time.Second),
			MaxAttempts:   envOrDefaultInt("CLASSIFIER_MAX_ATTEMPTS", 3),
			MinConfidence: envOrDefaultFloat("CLASSIFIER_MIN_CONFIDENCE", 0.5),
		},
		Storage: StorageConfig{
			Backend:              firstNonEmpty(raw.Storage.Backend, envOrDefault("STORAGE_BACKEND", "drive")),
			DriveCredentialsFile: firstNonEmpty(raw.Storage.Drive.CredentialsFile, envOrDefault("DRIVE_CREDENTIALS_FILE", "")),
			MinioEndpoint:        firstNonEmpty(raw.Storage.Minio.Endpoint, envOrDefault("MINIO_ENDPOINT", "")),
			MinioAccessKey:       firstNonEmpty(raw.Storage.Minio.AccessKey, envOrDefault("MINIO_ACCESS_KEY", "")),
			MinioSecretKey:       firstNonEmpty(raw.Storage.Minio.SecretKey, envOrDefault("MINIO_SECRET_KEY", "")),
			MinioUseSSL:          raw.Storage.Minio.UseSSL || envOrDefaultBool("MINIO_USE_SSL", false),
			MinioBucket:          firstNonEmpty(raw.Storage.Minio.Bucket, envOrDefault("MINIO_BUCKET", "")),
			LinkExpiry:           envOrDefaultDuration("STORAGE_LINK_EXPIRY", 7*24*time.Hour),
			Timeout:              envOrDefaultDuration("STORAGE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Driver: firstNonEmpty(raw.Database.Driver, envOrDefault("DATABASE_DRIVER", "postgres")),
			URL:    firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		},
		Workers: WorkerConfig{
			Concurrency: envOrDefaultInt("WORKER_CONCURRENCY", 4),
			JobTimeout:  envOrDefaultDuration("JOB_TIMEOUT", 5*time.Minute),
			MaxRetries:  envOrDefaultInt("JOB_MAX_RETRIES", 3),
			LockTTL:     envOrDefaultDuration("CLIENT_LOCK_TTL", 10*time.Minute),
		},
		Documents: DocumentConfig{
			TargetBytes:     int64(envOrDefaultInt("DOCUMENT_TARGET_BYTES", 1_800_000)),
			MaxInputBytes:   int64(envOrDefaultInt("DOCUMENT_MAX_INPUT_BYTES", 10*1024*1024)),
			LibreOfficePath: envOrDefault("LIBREOFFICE_PATH", "soffice"),
			GhostscriptPath: envOrDefault("GHOSTSCRIPT_PATH", "gs"),
			ToolTimeout:     envOrDefaultDuration("DOCUMENT_TOOL_TIMEOUT", 2*time.Minute),
		},
		Notify: NotifyConfig{
			From:          firstNonEmpty(raw.Notify.From, envOrDefault("NOTIFY_FROM", "")),
			OperatorEmail: firstNonEmpty(raw.Notify.OperatorEmail, envOrDefault("OPERATOR_EMAIL", "")),
			DryRun:        envOrDefaultBool("NOTIFY_DRY_RUN", false),
			SendTimeout:   envOrDefaultDuration("NOTIFY_TIMEOUT", 15*time.Second),
			MaxAttempts:   envOrDefaultInt("NOTIFY_MAX_ATTEMPTS", 2),
			BufferSize:    envOrDefaultInt("NOTIFY_BUFFER", 100),
		},
		RedisURL:   firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		JobStream:  firstNonEmpty(raw.Redis.Stream, envOrDefault("JOB_STREAM", "brokerflow:jobs")),
		JobGroup:   firstNonEmpty(raw.Redis.Group, envOrDefault("JOB_GROUP", "brokerflow")),
		Port:       envOrDefaultInt("PORT", 8080),
		OpsToken:   envOrDefault("OPS_TOKEN", ""),
		PushToken:  envOrDefault("PUSH_TOKEN", ""),
		LogLevel:   envOrDefault("LOG_LEVEL", "info"),
		PieceTypes: raw.PieceTypes,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "drive":
	case "minio":
		if c.Storage.MinioEndpoint == "" || c.Storage.MinioBucket == "" {
			return fmt.Errorf("storage.minio endpoint and bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	if c.Workers.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", c.Workers.Concurrency)
	}
	if c.Classifier.MaxAttempts < 1 {
		c.Classifier.MaxAttempts = 1
	}

	for i, pt := range c.PieceTypes {
		if pt.ID == "" || pt.Name == "" || pt.LoanType == "" {
			return fmt.Errorf("piece_types[%d]: id, name and loan_type are required", i)
		}
	}

	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
