package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models traceline.yml.
type Config struct {
	Trace struct {
		Scheme string `yaml:"scheme"`
		Host   string `yaml:"host"`
	} `yaml:"trace"`
	Commodities struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"commodities"`
	Certifications struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"certifications"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig names a partner endpoint that receives new custody events.
type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Kinds          []string `yaml:"kinds"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl init or create it by hand", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Trace.Scheme == "" {
		return fmt.Errorf("config.trace.scheme is required")
	}
	if c.Trace.Scheme != "https" && c.Trace.Scheme != "http" {
		return fmt.Errorf("config.trace.scheme must be http or https")
	}
	if c.Trace.Host == "" {
		return fmt.Errorf("config.trace.host is required")
	}
	if strings.Contains(c.Trace.Host, "/") {
		return fmt.Errorf("config.trace.host must not contain a path")
	}
	for name := range c.Commodities.Catalog {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.commodities.catalog contains empty name")
		}
	}
	for name := range c.Certifications.Catalog {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.certifications.catalog contains empty name")
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d missing url", i)
		}
	}
	return nil
}

// KnownCommodity reports whether the commodity is in the catalog; an empty
// catalog accepts everything.
func (c *Config) KnownCommodity(name string) bool {
	if len(c.Commodities.Catalog) == 0 {
		return true
	}
	_, ok := c.Commodities.Catalog[name]
	return ok
}

// KnownCertification reports whether the tag is in the catalog; an empty
// catalog accepts everything.
func (c *Config) KnownCertification(tag string) bool {
	if len(c.Certifications.Catalog) == 0 {
		return true
	}
	_, ok := c.Certifications.Catalog[tag]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `trace:
  scheme: https
  host: trace.annyatra.example

commodities:
  catalog:
    Rice:
      description: "Paddy and milled rice"
    Wheat:
      description: "Wheat grain"
    Tomato:
      description: "Fresh tomatoes"
    Potato:
      description: "Table potatoes"
    Onion:
      description: "Bulb onions"
    Carrot:
      description: "Carrots"
    Cabbage:
      description: "Cabbage heads"
    Spinach:
      description: "Leaf spinach"
    Apple:
      description: "Apples"
    Banana:
      description: "Bananas"
    Orange:
      description: "Oranges"
    Mango:
      description: "Mangoes"
    Grapes:
      description: "Table grapes"
    Cotton:
      description: "Raw cotton"
    Sugarcane:
      description: "Sugarcane"

certifications:
  catalog:
    organic.certified:
      description: "Certified organic production"
    fairtrade.certified:
      description: "Fair trade certification"
    coldchain.verified:
      description: "Cold chain maintained end to end"

webhooks: []
`
