package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"setup-scorer/internal/common"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ModelsDir      string
	Strategies     []string
	Host           string
	Port           int
	SecretKey      string
	RequestTimeout time.Duration
	LogLevel       string
	LogFormat      string
	DataPath       string
	KafkaBrokers   []string
	KafkaTopic     string
	PythonPath     string
}

type ConfigFile struct {
	Server struct {
		Host           string `yaml:"host" default:"0.0.0.0"`
		Port           int    `yaml:"port" default:"5000"`
		SecretKey      string `yaml:"secretKey"`
		RequestTimeout string `yaml:"requestTimeout" default:"5s"`
	} `yaml:"server"`

	Models struct {
		Dir        string   `yaml:"dir" default:"models"`
		Strategies []string `yaml:"strategies"`
		PythonPath string   `yaml:"pythonPath"`
	} `yaml:"models"`

	Log struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"console"`
	} `yaml:"log"`

	Audit struct {
		DataPath     string   `yaml:"dataPath"`
		KafkaBrokers []string `yaml:"kafkaBrokers"`
		KafkaTopic   string   `yaml:"kafkaTopic" default:"predictions"`
	} `yaml:"audit"`
}

var strategyNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Load reads an optional .env file, then either the YAML file named by
// CONFIG_FILE (with env overrides) or the environment alone.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to read .env file: %w", err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := defaults.Set(&config); err != nil {
		return Settings{}, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	timeout, err := time.ParseDuration(getEnvOrDefault(common.EnvRequestTimeout, config.Server.RequestTimeout))
	if err != nil {
		return Settings{}, fmt.Errorf("invalid request timeout: %w", err)
	}

	settings := Settings{
		ModelsDir:      getEnvOrDefault(common.EnvModelsDir, config.Models.Dir),
		Strategies:     getListFromEnvOrConfig(common.EnvStrategies, config.Models.Strategies, common.DefaultStrategies),
		Host:           getEnvOrDefault(common.EnvServerHost, config.Server.Host),
		Port:           getIntOrDefault(common.EnvServerPort, config.Server.Port),
		SecretKey:      getEnvOrDefault(common.EnvSecretKey, config.Server.SecretKey),
		RequestTimeout: timeout,
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, config.Log.Level),
		LogFormat:      getEnvOrDefault(common.EnvLogFormat, config.Log.Format),
		DataPath:       getEnvOrDefault(common.EnvDataPath, config.Audit.DataPath),
		KafkaBrokers:   getListFromEnvOrConfig(common.EnvKafkaBrokers, config.Audit.KafkaBrokers, nil),
		KafkaTopic:     getEnvOrDefault(common.EnvKafkaTopic, config.Audit.KafkaTopic),
		PythonPath:     getEnvOrDefault(common.EnvPythonPath, config.Models.PythonPath),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	defaultTimeout, _ := time.ParseDuration(common.DefaultRequestTimeout)

	settings := Settings{
		ModelsDir:      getEnvOrDefault(common.EnvModelsDir, common.DefaultModelsDir),
		Strategies:     splitOrDefault(os.Getenv(common.EnvStrategies), common.DefaultStrategies),
		Host:           getEnvOrDefault(common.EnvServerHost, common.DefaultServerHost),
		Port:           getIntOrDefault(common.EnvServerPort, common.DefaultServerPort),
		SecretKey:      os.Getenv(common.EnvSecretKey), // optional
		RequestTimeout: getDurationOrDefault(common.EnvRequestTimeout, defaultTimeout),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:      getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),
		DataPath:       os.Getenv(common.EnvDataPath), // optional
		KafkaBrokers:   splitOrDefault(os.Getenv(common.EnvKafkaBrokers), nil),
		KafkaTopic:     getEnvOrDefault(common.EnvKafkaTopic, common.DefaultKafkaTopic),
		PythonPath:     os.Getenv(common.EnvPythonPath),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// Addr returns the host:port the server listens on.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthEnabled reports whether prediction routes require an API key.
func (s *Settings) AuthEnabled() bool {
	return s.SecretKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getListFromEnvOrConfig(key string, configValues, def []string) []string {
	if env := os.Getenv(key); env != "" {
		return splitOrDefault(env, def)
	}
	if len(configValues) > 0 {
		return configValues
	}
	return def
}

// validateSettings performs validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.ModelsDir == "" {
		return fmt.Errorf("models directory cannot be empty")
	}

	if len(settings.Strategies) == 0 {
		return fmt.Errorf("at least one strategy must be configured")
	}
	if len(settings.Strategies) > common.MaxStrategies {
		return fmt.Errorf("at most %d strategies are supported, got %d", common.MaxStrategies, len(settings.Strategies))
	}
	seen := make(map[string]bool, len(settings.Strategies))
	for _, name := range settings.Strategies {
		if !strategyNameRe.MatchString(name) {
			return fmt.Errorf("invalid strategy name %q", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate strategy name %q", name)
		}
		seen[name] = true
	}

	if settings.Port < common.MinServerPort || settings.Port > common.MaxServerPort {
		return fmt.Errorf("server port must be between %d and %d, got %d", common.MinServerPort, common.MaxServerPort, settings.Port)
	}

	minTimeout, _ := time.ParseDuration(common.MinRequestTimeout)
	maxTimeout, _ := time.ParseDuration(common.MaxRequestTimeout)
	if settings.RequestTimeout < minTimeout || settings.RequestTimeout > maxTimeout {
		return fmt.Errorf("request timeout must be between %s and %s, got %v", common.MinRequestTimeout, common.MaxRequestTimeout, settings.RequestTimeout)
	}

	switch settings.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", settings.LogFormat)
	}

	if len(settings.KafkaBrokers) > 0 && settings.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are configured")
	}

	return nil
}
