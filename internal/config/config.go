// Package config resolves model-provider settings once, before any core
// component runs, from explicit values and the process environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Provider is an OpenAI-compatible model service.
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderKimi     Provider = "kimi"
	ProviderOpenAI   Provider = "openai"
)

// Providers lists the supported providers in auto-selection order.
var Providers = []Provider{ProviderKimi, ProviderDeepSeek, ProviderOpenAI}

type providerInfo struct {
	keyEnv     string
	baseURLEnv string
	baseURL    string
	model      string
}

var providerInfos = map[Provider]providerInfo{
	ProviderDeepSeek: {keyEnv: "DEEPSEEK_API_KEY", baseURLEnv: "DEEPSEEK_BASE_URL", baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	ProviderKimi:     {keyEnv: "MOONSHOT_API_KEY", baseURLEnv: "MOONSHOT_BASE_URL", baseURL: "https://api.moonshot.cn/v1", model: "moonshot-v1-128k"},
	ProviderOpenAI:   {keyEnv: "OPENAI_API_KEY", baseURLEnv: "OPENAI_BASE_URL", baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini"},
}

// Generic environment variables. The WORDREPORTCHECK_ names are read after
// the LABGRADER_ ones for compatibility with existing .env files.
var (
	providerEnv      = []string{"LABGRADER_PROVIDER", "WORDREPORTCHECK_PROVIDER"}
	modelEnv         = []string{"LABGRADER_MODEL", "WORDREPORTCHECK_MODEL"}
	apiKeyEnv        = []string{"LABGRADER_API_KEY", "WORDREPORTCHECK_API_KEY"}
	maxInputCharsEnv = []string{"LABGRADER_MAX_INPUT_CHARS", "WORDREPORTCHECK_MAX_INPUT_CHARS"}
)

const (
	// DefaultMaxInputChars bounds the answer text sent per item for grading.
	DefaultMaxInputChars = 8000
	// DefaultRetries is the default number of segmentation attempts.
	DefaultRetries = 3
	// MaxRetries is the hard cap on segmentation attempts.
	MaxRetries = 5
)

var (
	// ErrMissingAPIKey is returned when no key is available for any provider.
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrUnknownProvider is returned for a provider name that is not supported.
	ErrUnknownProvider = errors.New("unknown provider")
)

// LLM is the resolved model-access configuration.
type LLM struct {
	Provider      Provider
	Model         string
	APIKey        string
	BaseURL       string
	MaxInputChars int
	Temperature   float32
}

// Input carries explicitly supplied values. Empty fields defer to the
// environment and then to defaults.
type Input struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	MaxInputChars int
	Temperature   float32
}

// Resolve applies the precedence explicit value > provider-specific env >
// generic env > default. When the selected provider has no key but another
// provider's key is set, the provider switches to that one.
func Resolve(in Input, getenv func(string) string) (LLM, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	name := strings.ToLower(first(in.Provider, lookup(getenv, providerEnv...), string(ProviderDeepSeek)))
	provider := Provider(name)
	info, ok := providerInfos[provider]
	if !ok {
		return LLM{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	key := first(in.APIKey, getenv(info.keyEnv), lookup(getenv, apiKeyEnv...))
	if key == "" {
		for _, p := range Providers {
			if p == provider {
				continue
			}
			if k := getenv(providerInfos[p].keyEnv); k != "" {
				provider, info, key = p, providerInfos[p], k
				break
			}
		}
	}
	if key == "" {
		return LLM{}, fmt.Errorf("%w for provider %s: pass --api-key or set %s or %s",
			ErrMissingAPIKey, provider, info.keyEnv, apiKeyEnv[0])
	}

	model := first(in.Model, lookup(getenv, modelEnv...), info.model)
	if model != info.model && isDefaultModel(model) {
		// Another provider's default model is never valid here.
		model = info.model
	}

	maxChars := in.MaxInputChars
	if maxChars <= 0 {
		if n, err := strconv.Atoi(lookup(getenv, maxInputCharsEnv...)); err == nil && n > 0 {
			maxChars = n
		} else {
			maxChars = DefaultMaxInputChars
		}
	}

	return LLM{
		Provider:      provider,
		Model:         model,
		APIKey:        key,
		BaseURL:       first(in.BaseURL, getenv(info.baseURLEnv), info.baseURL),
		MaxInputChars: maxChars,
		Temperature:   in.Temperature,
	}, nil
}

// ClampRetries bounds a segmentation retry count to [1, MaxRetries]; zero or
// negative selects DefaultRetries.
func ClampRetries(n int) int {
	switch {
	case n <= 0:
		return DefaultRetries
	case n > MaxRetries:
		return MaxRetries
	}
	return n
}

func isDefaultModel(m string) bool {
	for _, info := range providerInfos {
		if info.model == m {
			return true
		}
	}
	return false
}

func lookup(getenv func(string) string, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
