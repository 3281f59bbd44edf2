package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Verbose enables verbose logging output
var Verbose bool

// Debug enables debug logging output
var Debug bool

var logMu sync.Mutex

// DebugLog logs debug information if debug mode is enabled
func DebugLog(format string, args ...interface{}) {
	if Debug {
		logMu.Lock()
		defer logMu.Unlock()
		log.Printf("[DEBUG] "+format+"\n", args...)
	}
}

// VerboseLog logs information if verbose or debug mode is enabled
func VerboseLog(format string, args ...interface{}) {
	if Verbose || Debug {
		logMu.Lock()
		defer logMu.Unlock()
		log.Printf("[INFO] "+format+"\n", args...)
	}
}

// OpenAIConfig holds credentials for the OpenAI API
type OpenAIConfig struct {
	APIKey string `yaml:"apiKey"`
}

// AzureConfig holds credentials for Azure OpenAI deployments
type AzureConfig struct {
	APIKey   string `yaml:"apiKey"`
	Endpoint string `yaml:"endpoint"`
}

// GoogleConfig holds credentials for the Google Generative AI API
type GoogleConfig struct {
	APIKey string `yaml:"apiKey"`
}

// BedrockConfig holds settings for Amazon Bedrock. When AccessKeyID and
// SecretAccessKey are empty the ambient AWS credential chain (environment,
// IAM role, instance profile) is used; explicit keys are a local-development
// fallback only.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	SessionToken    string `yaml:"sessionToken"`
}

// ProviderConfig groups the per-provider credential blocks
type ProviderConfig struct {
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Azure   AzureConfig   `yaml:"azure"`
	Google  GoogleConfig  `yaml:"google"`
	Bedrock BedrockConfig `yaml:"bedrock"`
}

// DatabaseConfig holds the connection settings for the execution store
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ExecutionConfig holds engine-level tunables
type ExecutionConfig struct {
	// DefaultTimeoutSeconds bounds a single prompt step when the step does
	// not declare its own timeout (default: 120)
	DefaultTimeoutSeconds int `yaml:"defaultTimeoutSeconds"`
	// MaxRetries for transient provider failures (default: 3)
	MaxRetries int `yaml:"maxRetries"`
	// CircuitFailureThreshold opens the per-provider breaker (default: 5)
	CircuitFailureThreshold int `yaml:"circuitFailureThreshold"`
	// CircuitRecoveryTimeoutMs before the breaker probes again (default: 30000)
	CircuitRecoveryTimeoutMs int `yaml:"circuitRecoveryTimeoutMs"`
	// CircuitSuccessThreshold closes the breaker from half-open (default: 2)
	CircuitSuccessThreshold int `yaml:"circuitSuccessThreshold"`
}

// EnvConfig represents the complete environment configuration file
type EnvConfig struct {
	Providers ProviderConfig  `yaml:"providers"`
	Database  DatabaseConfig  `yaml:"database"`
	Execution ExecutionConfig `yaml:"execution"`
	Server    ServerConfig    `yaml:"server"`
}

// GetOpenAI returns the OpenAI credential block
func (e *EnvConfig) GetOpenAI() OpenAIConfig { return e.Providers.OpenAI }

// GetAzure returns the Azure OpenAI credential block
func (e *EnvConfig) GetAzure() AzureConfig { return e.Providers.Azure }

// GetGoogle returns the Google credential block
func (e *EnvConfig) GetGoogle() GoogleConfig { return e.Providers.Google }

// GetBedrock returns the Bedrock settings block
func (e *EnvConfig) GetBedrock() BedrockConfig { return e.Providers.Bedrock }

// GetEnvPath returns the environment file path from STUDIO_ENV or the
// default location under the user's home directory
func GetEnvPath() string {
	if envPath := os.Getenv("STUDIO_ENV"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".studio/studio.yaml"
	}
	return filepath.Join(home, ".studio", "studio.yaml")
}

// LoadEnvConfig loads the environment configuration from the given path.
// A missing file is not an error; it yields a config with defaults so the
// engine can run against the in-memory store without credentials.
func LoadEnvConfig(path string) (*EnvConfig, error) {
	cfg := &EnvConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read environment file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (e *EnvConfig) applyDefaults() {
	if e.Execution.DefaultTimeoutSeconds <= 0 {
		e.Execution.DefaultTimeoutSeconds = 120
	}
	if e.Execution.MaxRetries <= 0 {
		e.Execution.MaxRetries = 3
	}
	if e.Execution.CircuitFailureThreshold <= 0 {
		e.Execution.CircuitFailureThreshold = 5
	}
	if e.Execution.CircuitRecoveryTimeoutMs <= 0 {
		e.Execution.CircuitRecoveryTimeoutMs = 30000
	}
	if e.Execution.CircuitSuccessThreshold <= 0 {
		e.Execution.CircuitSuccessThreshold = 2
	}
	if e.Server.Port == 0 {
		e.Server.Port = 8080
	}
}
