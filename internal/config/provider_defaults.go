package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ProviderEnv 单个提供商的环境变量默认值
type ProviderEnv struct {
	APIKey         string `env:"API_KEY"`
	Endpoint       string `env:"ENDPOINT"`
	OrganizationID string `env:"ORGANIZATION_ID"`
}

// ProviderDefaults 由 <PROVIDER>_API_KEY / <PROVIDER>_ENDPOINT 等环境变量组成，
// 仅在数据库中没有对应配置时作为初始值使用
type ProviderDefaults struct {
	OllamaHost string      `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`
	Ollama     ProviderEnv `envPrefix:"OLLAMA_"`
	OpenAI     ProviderEnv `envPrefix:"OPENAI_"`
	Anthropic  ProviderEnv `envPrefix:"ANTHROPIC_"`
	Google     ProviderEnv `envPrefix:"GOOGLE_"`
	OpenRouter ProviderEnv `envPrefix:"OPENROUTER_"`
}

// LoadProviderDefaults 从进程环境读取
func LoadProviderDefaults() (ProviderDefaults, error) {
	return parseProviderDefaults(env.Options{})
}

func parseProviderDefaults(opts env.Options) (ProviderDefaults, error) {
	defaults, err := env.ParseAsWithOptions[ProviderDefaults](opts)
	if err != nil {
		return ProviderDefaults{}, fmt.Errorf("parse provider env: %w", err)
	}
	if defaults.Ollama.Endpoint == "" {
		defaults.Ollama.Endpoint = defaults.OllamaHost
	}
	return defaults, nil
}

// For 按提供商类型取默认值
func (d ProviderDefaults) For(providerType string) ProviderEnv {
	switch strings.ToLower(providerType) {
	case "ollama":
		return d.Ollama
	case "openai":
		return d.OpenAI
	case "anthropic":
		return d.Anthropic
	case "google":
		return d.Google
	case "openrouter":
		return d.OpenRouter
	default:
		return ProviderEnv{}
	}
}
