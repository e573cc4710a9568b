package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Log       LogConfig       `mapstructure:"log"`
	Source    SourceConfig    `mapstructure:"source"`
	Toolchain ToolchainConfig `mapstructure:"toolchain"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Gate      GateConfig      `mapstructure:"gate"`
	Image     ImageConfig     `mapstructure:"image"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration (serve mode).
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds run history database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SourceConfig holds source acquisition configuration.
type SourceConfig struct {
	// URL is the repository to clone.
	URL string `mapstructure:"url"`

	// Branch is the default branch; a trigger may override it per run.
	Branch string `mapstructure:"branch"`

	// Depth is the clone depth.
	Depth int `mapstructure:"depth"`

	// WorkspaceRoot is where per-run workspaces are created.
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// ToolchainConfig holds dependency and test stage configuration.
type ToolchainConfig struct {
	// Dir is the manifest directory relative to the workspace root. Empty
	// means the workspace root itself.
	Dir string `mapstructure:"dir"`
}

// ScannerConfig holds static analysis configuration. The token comes from the
// environment, never from the config file.
type ScannerConfig struct {
	ServerURL            string   `mapstructure:"server_url"`
	ProjectKey           string   `mapstructure:"project_key"`
	Sources              string   `mapstructure:"sources"`
	Exclusions           []string `mapstructure:"exclusions"`
	IgnoreHeaderComments bool     `mapstructure:"ignore_header_comments"`
}

// GateConfig holds quality gate polling configuration.
type GateConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

// ImageConfig holds application image build configuration.
type ImageConfig struct {
	// Name is the image repository, tagged with the run ID per build.
	Name string `mapstructure:"name"`

	// Dockerfile is the path relative to the build context.
	Dockerfile string `mapstructure:"dockerfile"`

	// Context is the build context relative to the workspace root.
	Context string `mapstructure:"context"`
}

// DeployConfig holds deployment stage configuration.
type DeployConfig struct {
	// Project scopes container, network and volume names.
	Project string `mapstructure:"project"`

	// ComposeFile is the auxiliary services file relative to the workspace.
	// Empty disables auxiliary services.
	ComposeFile string `mapstructure:"compose_file"`

	// AppService names the application service.
	AppService string `mapstructure:"app_service"`

	// HostPort/ContainerPort publish the application port.
	HostPort      int `mapstructure:"host_port"`
	ContainerPort int `mapstructure:"container_port"`

	// DBService names the database service for the readiness poll. Empty
	// skips the poll and schema init.
	DBService string `mapstructure:"db_service"`

	// SchemaInitService/SchemaInitCmd run the one-shot schema script. An
	// empty command skips schema init; an empty service defaults to DBService.
	SchemaInitService string   `mapstructure:"schema_init_service"`
	SchemaInitCmd     []string `mapstructure:"schema_init_cmd"`

	ReadinessAttempts int           `mapstructure:"readiness_attempts"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`

	// ProceedAfterDBTimeout restores the historical proceed-anyway behavior
	// when the database never reports ready.
	ProceedAfterDBTimeout bool `mapstructure:"proceed_after_db_timeout"`

	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// AuthConfig holds API authentication configuration (serve mode).
type AuthConfig struct {
	// TokenHash is the bcrypt hash of the API bearer token. Empty disables
	// authentication.
	TokenHash string `mapstructure:"token_hash"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from the config file, an optional pipeline
// definition file merged on top, and GANTRY_-prefixed environment overrides.
func LoadConfig(configPath, pipelinePath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/gantry.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("source.branch", "main")
	v.SetDefault("source.depth", 1)
	v.SetDefault("source.workspace_root", "./data/workspaces")
	v.SetDefault("toolchain.dir", "")
	v.SetDefault("scanner.sources", ".")
	v.SetDefault("scanner.ignore_header_comments", true)
	v.SetDefault("gate.timeout", "5m")
	v.SetDefault("gate.interval", "10s")
	v.SetDefault("image.dockerfile", "Dockerfile")
	v.SetDefault("image.context", ".")
	v.SetDefault("deploy.app_service", "api")
	v.SetDefault("deploy.readiness_attempts", 10)
	v.SetDefault("deploy.readiness_interval", "2s")
	v.SetDefault("deploy.proceed_after_db_timeout", false)
	v.SetDefault("deploy.stop_timeout", "10s")
	v.SetDefault("auth.token_hash", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Merge the pipeline definition on top of the base config
	if pipelinePath != "" {
		v.SetConfigFile(pipelinePath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read pipeline file: %w", err)
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Secrets
// =============================================================================

// Secrets holds every sensitive value the pipeline needs. It is built once at
// startup from the environment and passed by value to the stages that need it;
// stages never read the environment themselves.
type Secrets struct {
	// DatabaseURL, SecretKey and TokenSigningKey go into the application
	// container environment.
	DatabaseURL     string
	SecretKey       string
	TokenSigningKey string

	// Database bootstrap credentials, bound to ${VAR} placeholders in the
	// auxiliary services file.
	DBUser     string
	DBPassword string
	DBName     string

	// Admin UI credentials for the database admin auxiliary service.
	AdminEmail    string
	AdminPassword string

	// ScannerToken authenticates against the analysis server.
	ScannerToken string

	// GitToken authenticates https clones. Empty means anonymous access.
	GitToken string
}

// LoadSecrets reads secrets from the environment.
func LoadSecrets() Secrets {
	return Secrets{
		DatabaseURL:     os.Getenv("GANTRY_DATABASE_URL"),
		SecretKey:       os.Getenv("GANTRY_SECRET_KEY"),
		TokenSigningKey: os.Getenv("GANTRY_TOKEN_SIGNING_KEY"),
		DBUser:          os.Getenv("GANTRY_DB_USER"),
		DBPassword:      os.Getenv("GANTRY_DB_PASSWORD"),
		DBName:          os.Getenv("GANTRY_DB_NAME"),
		AdminEmail:      os.Getenv("GANTRY_ADMIN_EMAIL"),
		AdminPassword:   os.Getenv("GANTRY_ADMIN_PASSWORD"),
		ScannerToken:    os.Getenv("GANTRY_SCANNER_TOKEN"),
		GitToken:        os.Getenv("GANTRY_GIT_TOKEN"),
	}
}

// ComposeVariables returns the values bound to ${VAR} placeholders in the
// auxiliary services file. Empty values are omitted so the deploy stage can
// report them as unbound.
func (s Secrets) ComposeVariables() map[string]string {
	return nonEmpty(map[string]string{
		"DB_USER":        s.DBUser,
		"DB_PASSWORD":    s.DBPassword,
		"DB_NAME":        s.DBName,
		"ADMIN_EMAIL":    s.AdminEmail,
		"ADMIN_PASSWORD": s.AdminPassword,
	})
}

// AppEnv returns the application container environment.
func (s Secrets) AppEnv() map[string]string {
	return nonEmpty(map[string]string{
		"DATABASE_URL":      s.DatabaseURL,
		"SECRET_KEY":        s.SecretKey,
		"TOKEN_SIGNING_KEY": s.TokenSigningKey,
		"DB_USER":           s.DBUser,
		"DB_PASSWORD":       s.DBPassword,
		"DB_NAME":           s.DBName,
	})
}

func nonEmpty(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
