// Package llmconf resolves model credentials for worker runs: a flat global
// LLM configuration plus per-role deep-research overrides, both passed to
// the worker process through JSON-encoded environment variables.
package llmconf

import (
	"encoding/json"
	"os"
	"strings"
)

// Environment variables carrying the two JSON configuration blobs.
const (
	EnvLLMConfig          = "MS_AGENT_LLM_CONFIG"
	EnvDeepResearchConfig = "MS_AGENT_DEEP_RESEARCH_CONFIG"
)

// Role names with independently resolvable credentials.
const (
	RoleResearcher = "researcher"
	RoleSearcher   = "searcher"
	RoleReporter   = "reporter"
)

// LLMConfig is the flat global LLM configuration.
type LLMConfig struct {
	Provider           string   `json:"provider,omitempty" mapstructure:"provider"`
	Model              string   `json:"model,omitempty" mapstructure:"model"`
	APIKey             string   `json:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL            string   `json:"base_url,omitempty" mapstructure:"base_url"`
	Temperature        *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	TemperatureEnabled bool     `json:"temperature_enabled,omitempty" mapstructure:"temperature_enabled"`
	MaxTokens          int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// IsZero reports whether no credential field is set.
func (c LLMConfig) IsZero() bool {
	return c.Provider == "" && c.Model == "" && c.APIKey == "" && c.BaseURL == ""
}

// RoleConfig is a per-role override. Empty fields fall back to the global
// configuration field-by-field, never as a whole record.
type RoleConfig struct {
	Model   string `json:"model,omitempty" mapstructure:"model"`
	APIKey  string `json:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url"`
}

// SearchConfig configures the web-search summarizer used by the searcher.
type SearchConfig struct {
	SummarizerModel   string `json:"summarizer_model,omitempty" mapstructure:"summarizer_model"`
	SummarizerAPIKey  string `json:"summarizer_api_key,omitempty" mapstructure:"summarizer_api_key"`
	SummarizerBaseURL string `json:"summarizer_base_url,omitempty" mapstructure:"summarizer_base_url"`
}

// DeepResearchConfig carries the per-role overrides.
type DeepResearchConfig struct {
	Researcher RoleConfig   `json:"researcher,omitempty" mapstructure:"researcher"`
	Searcher   RoleConfig   `json:"searcher,omitempty" mapstructure:"searcher"`
	Reporter   RoleConfig   `json:"reporter,omitempty" mapstructure:"reporter"`
	Search     SearchConfig `json:"search,omitempty" mapstructure:"search"`
}

// LoadLLMConfig reads the global LLM configuration from the environment.
// Absent or malformed JSON degrades to the zero value, never an error.
func LoadLLMConfig() LLMConfig {
	var cfg LLMConfig
	decodeEnvJSON(EnvLLMConfig, &cfg)
	return cfg
}

// LoadDeepResearchConfig reads the per-role overrides from the environment.
// Absent or malformed JSON degrades to the zero value, never an error.
func LoadDeepResearchConfig() DeepResearchConfig {
	var cfg DeepResearchConfig
	decodeEnvJSON(EnvDeepResearchConfig, &cfg)
	return cfg
}

func decodeEnvJSON(key string, out interface{}) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), out)
}

// Role returns the override block for a role name, or the zero value for
// unknown roles.
func (c DeepResearchConfig) Role(name string) RoleConfig {
	switch name {
	case RoleResearcher:
		return c.Researcher
	case RoleSearcher:
		return c.Searcher
	case RoleReporter:
		return c.Reporter
	default:
		return RoleConfig{}
	}
}

// Resolved is a fully resolved per-role configuration.
type Resolved struct {
	Model   string
	APIKey  string
	BaseURL string
}

// IsZero reports whether no field resolved to a non-empty value.
func (r Resolved) IsZero() bool {
	return r.Model == "" && r.APIKey == "" && r.BaseURL == ""
}

// ResolveRole resolves a role's configuration against the global fallback.
// Each field falls back independently: an override that only sets the model
// still inherits api_key and base_url from the global configuration.
func ResolveRole(dr DeepResearchConfig, global LLMConfig, role string) Resolved {
	override := dr.Role(role)
	return Resolved{
		Model:   firstNonEmpty(override.Model, global.Model),
		APIKey:  firstNonEmpty(override.APIKey, global.APIKey),
		BaseURL: firstNonEmpty(override.BaseURL, global.BaseURL),
	}
}

// ResolveSummarizer resolves the web-search summarizer configuration,
// falling back to the global configuration field-by-field.
func ResolveSummarizer(dr DeepResearchConfig, global LLMConfig) Resolved {
	return Resolved{
		Model:   firstNonEmpty(dr.Search.SummarizerModel, global.Model),
		APIKey:  firstNonEmpty(dr.Search.SummarizerAPIKey, global.APIKey),
		BaseURL: firstNonEmpty(dr.Search.SummarizerBaseURL, global.BaseURL),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// knownServices are providers the engine configuration distinguishes.
// Anything else is treated as an OpenAI-compatible endpoint.
var knownServices = map[string]bool{
	"modelscope": true,
	"openai":     true,
	"anthropic":  true,
	"dashscope":  true,
}

// BuildOverride composes the engine configuration override applied on top
// of the worker's config file.
func BuildOverride(llm LLMConfig, outputDir string) map[string]interface{} {
	override := make(map[string]interface{})
	if outputDir != "" {
		override["output_dir"] = outputDir
	}

	service := strings.TrimSpace(llm.Provider)
	if !knownServices[service] {
		service = "openai"
	}

	llmOverride := map[string]interface{}{"service": service}
	if llm.Model != "" {
		llmOverride["model"] = llm.Model
	}
	if llm.APIKey != "" {
		llmOverride[service+"_api_key"] = llm.APIKey
	}
	if llm.BaseURL != "" {
		llmOverride[service+"_base_url"] = llm.BaseURL
	}
	override["llm"] = llmOverride

	genOverride := make(map[string]interface{})
	if llm.TemperatureEnabled && llm.Temperature != nil {
		genOverride["temperature"] = *llm.Temperature
	}
	if llm.MaxTokens > 0 {
		genOverride["max_tokens"] = llm.MaxTokens
	}
	if len(genOverride) > 0 {
		override["generation_config"] = genOverride
	}

	return override
}
