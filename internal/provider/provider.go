// Package provider identifies which AI API a proxied request targets,
// from the upstream URL and request body.
package provider

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Provider names a known AI API vendor.
type Provider string

const (
	OpenAI      Provider = "openai"
	Anthropic   Provider = "anthropic"
	Google      Provider = "google"
	Ollama      Provider = "ollama"
	AzureOpenAI Provider = "azure_openai"
	Mistral     Provider = "mistral"
	Cohere      Provider = "cohere"
	DeepSeek    Provider = "deepseek"
	Unknown     Provider = "unknown"
)

// Info describes the detected upstream.
type Info struct {
	Provider    Provider
	Model       string
	BaseURL     string
	IsChat      bool
	IsStreaming bool
}

var urlPatterns = []struct {
	pattern  string
	provider Provider
}{
	{"api.openai.com", OpenAI},
	{"api.anthropic.com", Anthropic},
	{"generativelanguage.googleapis.com", Google},
	{"aiplatform.googleapis.com", Google},
	{"openrouter.ai", OpenAI}, // OpenRouter speaks the OpenAI format
	{"api.mistral.ai", Mistral},
	{"api.cohere.ai", Cohere},
	{"api.deepseek.com", DeepSeek},
	{"localhost:11434", Ollama},
	{"127.0.0.1:11434", Ollama},
}

var chatPathPatterns = []string{
	"/chat/completions",
	"/v1/messages",     // Anthropic
	"/generateContent", // Google
	"/api/chat",        // Ollama
}

// Detect classifies the target URL and pulls model/stream hints from the
// request body when it parses as JSON.
func Detect(targetURL string, body []byte) Info {
	var hints struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if len(body) > 0 {
		json.Unmarshal(body, &hints)
	}
	model := hints.Model
	if model == "" {
		model = "unknown"
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return Info{Provider: Unknown, Model: model, BaseURL: targetURL}
	}
	host := strings.ToLower(parsed.Host)

	// Azure OpenAI uses per-resource subdomains.
	if strings.Contains(host, ".openai.azure.com") {
		return Info{
			Provider:    AzureOpenAI,
			Model:       model,
			BaseURL:     parsed.Scheme + "://" + parsed.Host,
			IsChat:      strings.Contains(parsed.Path, "/chat/"),
			IsStreaming: hints.Stream,
		}
	}

	for _, p := range urlPatterns {
		if strings.Contains(host, p.pattern) {
			return Info{
				Provider:    p.provider,
				Model:       model,
				BaseURL:     parsed.Scheme + "://" + parsed.Host,
				IsChat:      isChatPath(parsed.Path),
				IsStreaming: hints.Stream,
			}
		}
	}

	return Info{Provider: Unknown, Model: model, BaseURL: targetURL, IsStreaming: hints.Stream}
}

func isChatPath(path string) bool {
	for _, p := range chatPathPatterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// DisplayName is the human-readable vendor name.
func DisplayName(p Provider) string {
	switch p {
	case OpenAI:
		return "OpenAI"
	case Anthropic:
		return "Anthropic"
	case Google:
		return "Google AI"
	case Ollama:
		return "Ollama (Local)"
	case AzureOpenAI:
		return "Azure OpenAI"
	case Mistral:
		return "Mistral AI"
	case Cohere:
		return "Cohere"
	case DeepSeek:
		return "DeepSeek"
	}
	return "Unknown"
}
