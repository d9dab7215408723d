package common

// Strategy names
const (
	StrategySwing    = "swing"
	StrategyScalping = "scalping"
)

// Environment variable keys
const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvModelsDir      = "MODELS_DIR"
	EnvStrategies     = "STRATEGIES"
	EnvServerHost     = "SERVER_HOST"
	EnvServerPort     = "SERVER_PORT"
	EnvSecretKey      = "AI_SECRET_KEY"
	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
	EnvDataPath       = "DATA_PATH"
	EnvKafkaBrokers   = "KAFKA_BROKERS"
	EnvKafkaTopic     = "KAFKA_TOPIC"
	EnvPythonPath     = "PYTHON_PATH"
)

// Configuration defaults
const (
	DefaultModelsDir      = "models"
	DefaultServerHost     = "0.0.0.0"
	DefaultServerPort     = 5000
	DefaultRequestTimeout = "5s"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultKafkaTopic     = "predictions"
)

// DefaultStrategies lists the strategies deployed when STRATEGIES is unset.
var DefaultStrategies = []string{StrategySwing, StrategyScalping}

// HTTP boundary
const (
	HeaderAPIKey   = "X-API-Key"
	HealthStatusOK = "AI Server is running!"
)

// Validation constants
const (
	MinServerPort     = 1
	MaxServerPort     = 65535
	MaxStrategies     = 16
	MinRequestTimeout = "100ms"
	MaxRequestTimeout = "1m"
)
