package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	Security   SecurityConfig   `yaml:"security" json:"security"`
	Alerts     AlertsConfig     `yaml:"alerts" json:"alerts"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	Environment  string        `yaml:"environment" json:"environment"`
	StaticDir    string        `yaml:"static_dir" json:"static_dir"`
}

type BackendConfig struct {
	BaseURL             string        `yaml:"base_url" json:"base_url"`
	APIPrefix           string        `yaml:"api_prefix" json:"api_prefix"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay" json:"retry_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	StatusCacheTTL      time.Duration `yaml:"status_cache_ttl" json:"status_cache_ttl"`
}

type MonitoringConfig struct {
	Source           string        `yaml:"source" json:"source"`
	SnapshotDir      string        `yaml:"snapshot_dir" json:"snapshot_dir"`
	FrameMaxAge      time.Duration `yaml:"frame_max_age" json:"frame_max_age"`
	CaptureInterval  time.Duration `yaml:"capture_interval" json:"capture_interval"`
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	StageInterval    time.Duration `yaml:"stage_interval" json:"stage_interval"`
	CaptureTimeout   time.Duration `yaml:"capture_timeout" json:"capture_timeout"`
	PatientConscious bool          `yaml:"patient_conscious" json:"patient_conscious"`
	ReportDir        string        `yaml:"report_dir" json:"report_dir"`
	AutoStartFeed    bool          `yaml:"auto_start_feed" json:"auto_start_feed"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `yaml:"jwt_secret_key" json:"-"`
	RequireAuth    bool          `yaml:"require_auth" json:"require_auth"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
	RateLimitRPS   int           `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	EnableHTTPS    bool          `yaml:"enable_https" json:"enable_https"`
	CertFile       string        `yaml:"cert_file" json:"cert_file"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
}

type AlertsConfig struct {
	HistoryCapacity int         `yaml:"history_capacity" json:"history_capacity"`
	Source          string      `yaml:"source" json:"source"`
	MQTT            MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	Kafka           KafkaConfig `yaml:"kafka" json:"kafka"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	QoSCritical int    `yaml:"qos_critical" json:"qos_critical"`
	QoSWarning  int    `yaml:"qos_warning" json:"qos_warning"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			Environment:  "development",
			StaticDir:    "./client",
		},
		Backend: BackendConfig{
			BaseURL:             "http://localhost:8000",
			APIPrefix:           "/api",
			Timeout:             3 * time.Minute,
			MaxRetries:          2,
			RetryDelay:          1 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			StatusCacheTTL:      10 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Source:           "browser",
			SnapshotDir:      "./snapshots",
			FrameMaxAge:      10 * time.Second,
			CaptureInterval:  3 * time.Second,
			PollInterval:     2 * time.Second,
			StageInterval:    3 * time.Second,
			CaptureTimeout:   2 * time.Second,
			PatientConscious: true,
			ReportDir:        "./reports",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			MaxRequestSize: 10 * 1024 * 1024,
			RequestTimeout: 30 * time.Second,
		},
		Alerts: AlertsConfig{
			HistoryCapacity: 10,
			Source:          "emergency-monitor",
			MQTT: MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "emergency-monitor",
				TopicPrefix: "emergency/alerts",
				QoSCritical: 1,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "emergency-alerts",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig layers, lowest first: built-in defaults, the YAML file named
// by CONFIG_FILE, then environment variables (a .env file in the working
// directory is loaded into the environment first).
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)
	c.Server.StaticDir = getEnv("STATIC_DIR", c.Server.StaticDir)

	c.Backend.BaseURL = getEnv("BACKEND_BASE_URL", c.Backend.BaseURL)
	c.Backend.APIPrefix = getEnv("BACKEND_API_PREFIX", c.Backend.APIPrefix)
	c.Backend.Timeout = getEnvAsDuration("BACKEND_TIMEOUT", c.Backend.Timeout)
	c.Backend.MaxRetries = getEnvAsInt("BACKEND_MAX_RETRIES", c.Backend.MaxRetries)
	c.Backend.RetryDelay = getEnvAsDuration("BACKEND_RETRY_DELAY", c.Backend.RetryDelay)
	c.Backend.HealthCheckInterval = getEnvAsDuration("BACKEND_HEALTH_CHECK_INTERVAL", c.Backend.HealthCheckInterval)
	c.Backend.StatusCacheTTL = getEnvAsDuration("BACKEND_STATUS_CACHE_TTL", c.Backend.StatusCacheTTL)

	c.Monitoring.Source = getEnv("VIDEO_SOURCE", c.Monitoring.Source)
	c.Monitoring.SnapshotDir = getEnv("SNAPSHOT_DIR", c.Monitoring.SnapshotDir)
	c.Monitoring.FrameMaxAge = getEnvAsDuration("FRAME_MAX_AGE", c.Monitoring.FrameMaxAge)
	c.Monitoring.CaptureInterval = getEnvAsDuration("CAPTURE_INTERVAL", c.Monitoring.CaptureInterval)
	c.Monitoring.PollInterval = getEnvAsDuration("LIVE_POLL_INTERVAL", c.Monitoring.PollInterval)
	c.Monitoring.StageInterval = getEnvAsDuration("ASSESSMENT_STAGE_INTERVAL", c.Monitoring.StageInterval)
	c.Monitoring.CaptureTimeout = getEnvAsDuration("CAPTURE_TIMEOUT", c.Monitoring.CaptureTimeout)
	c.Monitoring.PatientConscious = getEnvAsBool("PATIENT_CONSCIOUS", c.Monitoring.PatientConscious)
	c.Monitoring.ReportDir = getEnv("REPORT_DIR", c.Monitoring.ReportDir)
	c.Monitoring.AutoStartFeed = getEnvAsBool("LIVE_AUTO_START", c.Monitoring.AutoStartFeed)

	c.Security.JWTSecretKey = getEnv("JWT_SECRET_KEY", c.Security.JWTSecretKey)
	c.Security.RequireAuth = getEnvAsBool("REQUIRE_AUTH", c.Security.RequireAuth)
	c.Security.AllowedOrigins = getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.MaxRequestSize = getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize)
	c.Security.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout)
	c.Security.EnableHTTPS = getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS)
	c.Security.CertFile = getEnv("CERT_FILE", c.Security.CertFile)
	c.Security.KeyFile = getEnv("KEY_FILE", c.Security.KeyFile)

	c.Alerts.HistoryCapacity = getEnvAsInt("ALERT_HISTORY_CAPACITY", c.Alerts.HistoryCapacity)
	c.Alerts.Source = getEnv("ALERT_SOURCE", c.Alerts.Source)
	c.Alerts.MQTT.Enabled = getEnvAsBool("MQTT_ENABLED", c.Alerts.MQTT.Enabled)
	c.Alerts.MQTT.Broker = getEnv("MQTT_BROKER", c.Alerts.MQTT.Broker)
	c.Alerts.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.Alerts.MQTT.ClientID)
	c.Alerts.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", c.Alerts.MQTT.TopicPrefix)
	c.Alerts.MQTT.Username = getEnv("MQTT_USERNAME", c.Alerts.MQTT.Username)
	c.Alerts.MQTT.Password = getEnv("MQTT_PASSWORD", c.Alerts.MQTT.Password)
	c.Alerts.MQTT.QoSCritical = getEnvAsInt("MQTT_QOS_CRITICAL", c.Alerts.MQTT.QoSCritical)
	c.Alerts.MQTT.QoSWarning = getEnvAsInt("MQTT_QOS_WARNING", c.Alerts.MQTT.QoSWarning)
	c.Alerts.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", c.Alerts.Kafka.Enabled)
	c.Alerts.Kafka.Brokers = getEnvAsStringSlice("KAFKA_BROKERS", c.Alerts.Kafka.Brokers)
	c.Alerts.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Alerts.Kafka.Topic)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, "backend base URL must be an absolute URL")
	}

	if c.Backend.Timeout <= 0 {
		errors = append(errors, "backend timeout must be positive")
	}

	switch c.Monitoring.Source {
	case "browser":
	case "files":
		if c.Monitoring.SnapshotDir == "" {
			errors = append(errors, "snapshot directory is required for the files video source")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown video source %q (want browser or files)", c.Monitoring.Source))
	}

	if c.Monitoring.CaptureInterval <= 0 || c.Monitoring.PollInterval <= 0 || c.Monitoring.StageInterval <= 0 {
		errors = append(errors, "capture, poll and stage intervals must be positive")
	}

	if c.Alerts.HistoryCapacity <= 0 {
		errors = append(errors, "alert history capacity must be positive")
	}

	if c.Security.JWTSecretKey == "" {
		if c.Security.RequireAuth {
			errors = append(errors, "JWT secret key is required when auth is enabled")
		} else {
			logger.Warn("JWT secret key not set, dashboard API is unauthenticated")
		}
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Alerts.MQTT.Enabled && c.Alerts.MQTT.Broker == "" {
		errors = append(errors, "MQTT broker is required when MQTT is enabled")
	}

	for _, qos := range []int{c.Alerts.MQTT.QoSCritical, c.Alerts.MQTT.QoSWarning} {
		if qos < 0 || qos > 2 {
			errors = append(errors, "MQTT QoS must be 0, 1 or 2")
			break
		}
	}

	if c.Alerts.Kafka.Enabled && (len(c.Alerts.Kafka.Brokers) == 0 || c.Alerts.Kafka.Topic == "") {
		errors = append(errors, "Kafka brokers and topic are required when Kafka is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
