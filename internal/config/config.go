package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Oracle       OracleConfig                    `yaml:"oracle"`
	Engine       EngineConfig                    `yaml:"engine"`
	Router       RouterConfig                    `yaml:"router"`
	Executor     ExecutorConfig                  `yaml:"executor"`
	NATS         NATSConfig                      `yaml:"nats"`
	Store        StoreConfig                     `yaml:"store"`
	Web          WebConfig                       `yaml:"web"`
	Scheduler    SchedulerConfig                 `yaml:"scheduler"`
	Vault        VaultConfig                     `yaml:"vault"`
	Capabilities map[string]CapabilityDefinition `yaml:"capabilities"`
	Agents       map[string]AgentDefinition      `yaml:"agents"`
}

// CapabilityDefinition declares one capability in the hierarchy.
type CapabilityDefinition struct {
	Description string   `yaml:"description"`
	Domain      string   `yaml:"domain"`
	Parent      string   `yaml:"parent"`
	Requires    []string `yaml:"requires"`
	Examples    []string `yaml:"examples"`
}

// AgentDefinition declares one agent available for selection.
type AgentDefinition struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Framework    string            `yaml:"framework"`
	Capabilities map[string]string `yaml:"capabilities"` // name -> description
	Priority     int               `yaml:"execution_priority"`
	DependsOn    []string          `yaml:"depends_on"`
	Image        string            `yaml:"image"`
	Env          map[string]string `yaml:"env"`
}

type OracleConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type FeedbackConfig struct {
	Reviewer      string        `yaml:"reviewer"`
	Threshold     float64       `yaml:"threshold"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	MatchThreshold  float64        `yaml:"match_threshold"`
	LayerPolicy     string         `yaml:"layer_policy"` // all_of | any_of
	MaxConcurrency  int            `yaml:"max_concurrency"`
	AgentTimeout    time.Duration  `yaml:"agent_timeout"`
	DecisionTimeout time.Duration  `yaml:"decision_timeout"`
	MaxDepth        int            `yaml:"max_depth"`
	Feedback        FeedbackConfig `yaml:"feedback"`
}

type RouterConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

type ExecutorConfig struct {
	Image      string        `yaml:"image"`
	MaxRunning int           `yaml:"max_running"`
	Timeout    time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Oracle: OracleConfig{
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 2 * time.Second,
		},
		Engine: EngineConfig{
			MatchThreshold:  0.6,
			LayerPolicy:     "all_of",
			MaxConcurrency:  4,
			AgentTimeout:    15 * time.Minute,
			DecisionTimeout: 30 * time.Second,
			MaxDepth:        2,
			Feedback: FeedbackConfig{
				Threshold:     0.7,
				MaxIterations: 3,
				Timeout:       5 * time.Minute,
			},
		},
		Router: RouterConfig{
			QueueSize:       64,
			DeliveryTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Image:      "convene-agent:latest",
			MaxRunning: 5,
			Timeout:    15 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/convene.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Capabilities: defaultCapabilities(),
	}
}

// defaultCapabilities seeds the registry with a baseline capability set so a
// bare config still produces useful task analyses.
func defaultCapabilities() map[string]CapabilityDefinition {
	return map[string]CapabilityDefinition{
		"text_generation": {
			Description: "Write, explain, describe, summarize and create textual content.",
			Domain:      "language",
		},
		"code_generation": {
			Description: "Write, understand and debug code; implement algorithms and software solutions.",
			Domain:      "engineering",
		},
		"research": {
			Description: "Gather information from sources and synthesize findings into comprehensive answers.",
			Domain:      "analysis",
		},
		"tool_use": {
			Description: "Interact with external systems, make API calls and use specialized tools.",
			Domain:      "engineering",
		},
		"planning": {
			Description: "Break complex problems into manageable steps and produce strategies.",
			Domain:      "analysis",
		},
		"evaluation": {
			Description: "Review and critique content, code or ideas; identify issues and suggest improvements.",
			Domain:      "analysis",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONVENE_CONFIG")
	if path == "" {
		path = "config/convene.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVENE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONVENE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONVENE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CONVENE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONVENE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}

func (c *Config) validate() error {
	if c.Engine.MatchThreshold < 0 || c.Engine.MatchThreshold > 1 {
		return fmt.Errorf("engine.match_threshold must be in [0,1], got %v", c.Engine.MatchThreshold)
	}
	switch c.Engine.LayerPolicy {
	case "all_of", "any_of":
	default:
		return fmt.Errorf("engine.layer_policy must be all_of or any_of, got %q", c.Engine.LayerPolicy)
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be positive, got %d", c.Engine.MaxConcurrency)
	}
	for name, a := range c.Agents {
		for _, dep := range a.DependsOn {
			if _, ok := c.Agents[dep]; !ok {
				return fmt.Errorf("agent %s depends on unknown agent %s", name, dep)
			}
		}
	}
	return nil
}
