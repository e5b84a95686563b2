package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Database selects and configures the relational backend. Type is either
// "sqlite" (file backed, development) or "mysql" (network, production).
type Database struct {
	Type       string `env:"DATABASE_TYPE"  envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_DB_PATH" envDefault:"dh2ocol_dev.db"`
	Host       string `env:"DB_HOST"        envDefault:"localhost"`
	Port       int    `env:"DB_PORT"        envDefault:"3306"`
	User       string `env:"DB_USER"`
	Password   string `env:"DB_PASSWORD"`
	Name       string `env:"DB_NAME"`
}

// Credentials mirrors the fields of a service-account JSON document.
type Credentials struct {
	Type                    string `env:"FIREBASE_TYPE"                        json:"type"`
	ProjectID               string `env:"FIREBASE_PROJECT_ID"                  json:"project_id"`
	PrivateKeyID            string `env:"FIREBASE_PRIVATE_KEY_ID"              json:"private_key_id"`
	PrivateKey              string `env:"FIREBASE_PRIVATE_KEY"                 json:"private_key"`
	ClientEmail             string `env:"FIREBASE_CLIENT_EMAIL"                json:"client_email"`
	ClientID                string `env:"FIREBASE_CLIENT_ID"                   json:"client_id"`
	AuthURI                 string `env:"FIREBASE_AUTH_URI"                    json:"auth_uri"`
	TokenURI                string `env:"FIREBASE_TOKEN_URI"                   json:"token_uri"`
	AuthProviderX509CertURL string `env:"FIREBASE_AUTH_PROVIDER_X509_CERT_URL" json:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `env:"FIREBASE_CLIENT_X509_CERT_URL"        json:"client_x509_cert_url"`
	UniverseDomain          string `env:"FIREBASE_UNIVERSE_DOMAIN"             json:"universe_domain" envDefault:"googleapis.com"`
}

// Storage configures the remote object store.
type Storage struct {
	Credentials     Credentials
	CredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`

	// Endpoint is the S3-compatible API host used for writes and deletes.
	Endpoint  string `env:"STORAGE_ENDPOINT"   envDefault:"storage.googleapis.com"`
	Secure    bool   `env:"STORAGE_SECURE"     envDefault:"true"`
	Region    string `env:"STORAGE_REGION"     envDefault:"auto"`
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`

	// Bucket defaults to "<project id>.appspot.com" when empty.
	Bucket string `env:"STORAGE_BUCKET"`

	URLStyle     string `env:"STORAGE_URL_STYLE"     envDefault:"path"`
	PublicScheme string `env:"STORAGE_PUBLIC_SCHEME" envDefault:"https"`
	PublicHost   string `env:"STORAGE_PUBLIC_HOST"   envDefault:"storage.googleapis.com"`
	ResourceHost string `env:"STORAGE_RESOURCE_HOST" envDefault:"firebasestorage.googleapis.com"`
}

// BucketName returns the configured bucket or the project default.
func (s Storage) BucketName() string {
	if s.Bucket != "" {
		return s.Bucket
	}
	if s.Credentials.ProjectID == "" {
		return ""
	}
	return s.Credentials.ProjectID + ".appspot.com"
}

// Auth configures admin tokens and credentials.
type Auth struct {
	SecretKey          string `env:"JWT_SECRET_KEY"`
	Algorithm          string `env:"JWT_ALGORITHM"                  envDefault:"HS256"`
	AccessExpiresHours int    `env:"JWT_ACCESS_TOKEN_EXPIRES_HOURS" envDefault:"2"`
	RefreshExpiresDays int    `env:"JWT_REFRESH_TOKEN_EXPIRES_DAYS" envDefault:"7"`
	AdminUsername      string `env:"ADMIN_USERNAME"                 envDefault:"admin"`
	AdminPassword      string `env:"ADMIN_PASSWORD"`
}

func (a Auth) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessExpiresHours) * time.Hour
}

func (a Auth) RefreshTokenTTL() time.Duration {
	return time.Duration(a.RefreshExpiresDays) * 24 * time.Hour
}

type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR"      envDefault:":5000"`
	Environment    string `env:"APP_ENV"          envDefault:"development"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"16777216"`

	Database Database
	Storage  Storage
	Auth     Auth
}

type ConfigOption func(*Config)

func WithListenAddr(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.ListenAddr = addr
	}
}

func WithDatabase(db Database) ConfigOption {
	return func(cfg *Config) {
		cfg.Database = db
	}
}

func WithSQLitePath(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.Database.Type = "sqlite"
		cfg.Database.SQLitePath = path
	}
}

func WithStorage(storage Storage) ConfigOption {
	return func(cfg *Config) {
		cfg.Storage = storage
	}
}

func WithAuth(auth Auth) ConfigOption {
	return func(cfg *Config) {
		cfg.Auth = auth
	}
}

func WithMaxUploadBytes(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxUploadBytes = n
	}
}

// Load reads the process environment and then applies opts on top.
func Load(opts ...ConfigOption) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// NewConfig returns the built-in defaults, ignoring the process
// environment, with opts applied.
func NewConfig(opts ...ConfigOption) Config {
	var cfg Config
	// Defaults are static tags, so parsing an empty environment cannot fail.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
