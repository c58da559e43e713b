package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	ObjectStoreMinio    = "minio"
	ObjectStoreSupabase = "supabase"
	ObjectStoreMemory   = "memory"
)

type Config struct {
	// Server
	Port           string
	Environment    string
	RequestTimeout time.Duration
	CORSOrigins    []string

	// Database
	Store       string
	DatabaseURL string

	// Auth
	JWTSecret          string
	JWTTTL             time.Duration
	AutoJoinProjectIDs []int64

	// Object storage
	ObjectStore string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Presigned URLs
	UploadURLTTL    time.Duration
	UploadURLMaxTTL time.Duration
	DownloadURLTTL  time.Duration
	UploadVerify    bool

	// DICOM archive
	QIDOBaseURL string
	QIDOToken   string
}

var defaults = map[string]any{
	"PORT":                    "8080",
	"ENVIRONMENT":             "development",
	"REQUEST_TIMEOUT":         "30s",
	"STORE":                   StorePostgres,
	"JWT_TTL":                 "24h",
	"OBJECT_STORE":            ObjectStoreMinio,
	"S3_BUCKET":               "pacs-masks",
	"S3_REGION":               "us-east-1",
	"S3_USE_SSL":              false,
	"SUPABASE_STORAGE_BUCKET": "pacs-masks",
	"UPLOAD_URL_TTL":          "1h",
	"UPLOAD_URL_MAX_TTL":      "24h",
	"DOWNLOAD_URL_TTL":        "1h",
	"UPLOAD_VERIFY":           false,
}

var keys = []string{
	"PORT", "ENVIRONMENT", "REQUEST_TIMEOUT", "CORS_ORIGINS",
	"STORE", "DATABASE_URL",
	"JWT_SECRET", "JWT_TTL", "AUTO_JOIN_PROJECT_IDS",
	"OBJECT_STORE", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_REGION", "S3_USE_SSL",
	"SUPABASE_URL", "SUPABASE_SERVICE_KEY", "SUPABASE_STORAGE_BUCKET",
	"UPLOAD_URL_TTL", "UPLOAD_URL_MAX_TTL", "DOWNLOAD_URL_TTL", "UPLOAD_VERIFY",
	"QIDO_BASE_URL", "QIDO_TOKEN",
}

// Load reads the configuration from the environment and, when path is not
// empty, from a config file. Variables may carry a PACS_ prefix; the
// prefixed name wins.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keys {
		if err := v.BindEnv(key, "PACS_"+key, key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	autoJoin, err := ids(v.GetString("AUTO_JOIN_PROJECT_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_JOIN_PROJECT_IDS: %w", err)
	}

	cfg := &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		CORSOrigins:    list(v.GetString("CORS_ORIGINS")),

		Store:       strings.ToLower(v.GetString("STORE")),
		DatabaseURL: v.GetString("DATABASE_URL"),

		JWTSecret:          v.GetString("JWT_SECRET"),
		JWTTTL:             v.GetDuration("JWT_TTL"),
		AutoJoinProjectIDs: autoJoin,

		ObjectStore: strings.ToLower(v.GetString("OBJECT_STORE")),
		S3Endpoint:  v.GetString("S3_ENDPOINT"),
		S3AccessKey: v.GetString("S3_ACCESS_KEY"),
		S3SecretKey: v.GetString("S3_SECRET_KEY"),
		S3Bucket:    v.GetString("S3_BUCKET"),
		S3Region:    v.GetString("S3_REGION"),
		S3UseSSL:    v.GetBool("S3_USE_SSL"),

		SupabaseURL:           v.GetString("SUPABASE_URL"),
		SupabaseServiceKey:    v.GetString("SUPABASE_SERVICE_KEY"),
		SupabaseStorageBucket: v.GetString("SUPABASE_STORAGE_BUCKET"),

		UploadURLTTL:    v.GetDuration("UPLOAD_URL_TTL"),
		UploadURLMaxTTL: v.GetDuration("UPLOAD_URL_MAX_TTL"),
		DownloadURLTTL:  v.GetDuration("DOWNLOAD_URL_TTL"),
		UploadVerify:    v.GetBool("UPLOAD_VERIFY"),

		QIDOBaseURL: v.GetString("QIDO_BASE_URL"),
		QIDOToken:   v.GetString("QIDO_TOKEN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}

	switch c.ObjectStore {
	case ObjectStoreMinio:
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required for the minio object store")
		}
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required for the minio object store")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required")
		}
	case ObjectStoreSupabase:
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the supabase object store")
		}
		if c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_SERVICE_KEY is required for the supabase object store")
		}
		if c.SupabaseStorageBucket == "" {
			return fmt.Errorf("SUPABASE_STORAGE_BUCKET is required")
		}
	case ObjectStoreMemory:
	default:
		return fmt.Errorf("unknown OBJECT_STORE %q", c.ObjectStore)
	}

	if c.UploadURLTTL <= 0 || c.UploadURLMaxTTL <= 0 || c.DownloadURLTTL <= 0 {
		return fmt.Errorf("presigned URL lifetimes must be positive")
	}
	if c.UploadURLTTL > c.UploadURLMaxTTL {
		return fmt.Errorf("UPLOAD_URL_TTL must not exceed UPLOAD_URL_MAX_TTL")
	}
	return nil
}

// list splits a comma separated value, dropping blanks.
func list(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func ids(value string) ([]int64, error) {
	var out []int64
	for _, part := range list(value) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a project id", part)
		}
		out = append(out, id)
	}
	return out, nil
}
