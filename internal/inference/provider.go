// Package inference defines the narrow interface to external inference
// providers and the table of configured providers.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/logparse"
	"github.com/tinytelemetry/sift/internal/model"
)

// Provider kinds accepted in configuration.
const (
	KindOpenAI = "openai"
	KindLocal  = "local"
)

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 60 * time.Second

// Provider turns a prompt into a structured analysis. Implementations must
// abort the underlying request when ctx is cancelled.
type Provider interface {
	Name() string
	Infer(ctx context.Context, prompt, modelName string, options map[string]string) (model.AnalysisResult, error)
}

// ProviderConfig is one entry of the providers list.
type ProviderConfig struct {
	Name        string        `mapstructure:"name"`
	Kind        string        `mapstructure:"kind"`
	BaseURL     string        `mapstructure:"base-url"`
	APIKey      string        `mapstructure:"api-key"`
	Model       string        `mapstructure:"model"`
	CallTimeout time.Duration `mapstructure:"call-timeout"`
	Fallback    string        `mapstructure:"fallback"`
}

type entry struct {
	provider Provider
	model    string
	fallback string
}

// Registry is the table of providers keyed by name.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]entry
	defaultName string
}

// NewRegistry creates an empty table. defaultName is used when a run does
// not name a provider; the first registered provider is used if it is empty.
func NewRegistry(defaultName string) *Registry {
	return &Registry{entries: make(map[string]entry), defaultName: defaultName}
}

// Build creates a registry from configuration. An empty list registers a
// single local provider so the pipeline works without credentials.
func Build(cfgs []ProviderConfig, defaultName string) (*Registry, error) {
	r := NewRegistry(defaultName)
	if len(cfgs) == 0 {
		r.Register(NewLocalProvider(KindLocal), "", "")
		return r, nil
	}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = cfg.Kind
		}
		var p Provider
		switch strings.ToLower(cfg.Kind) {
		case KindOpenAI:
			op, err := NewOpenAIProvider(OpenAIConfig{
				Name:        cfg.Name,
				BaseURL:     cfg.BaseURL,
				APIKey:      cfg.APIKey,
				Model:       cfg.Model,
				CallTimeout: cfg.CallTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("inference: provider %s: %w", cfg.Name, err)
			}
			p = op
		case KindLocal, "":
			p = NewLocalProvider(cfg.Name)
		default:
			return nil, fmt.Errorf("inference: provider %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
		r.Register(p, cfg.Model, cfg.Fallback)
	}
	for name, e := range r.entries {
		if e.fallback == "" {
			continue
		}
		if _, ok := r.entries[e.fallback]; !ok {
			return nil, fmt.Errorf("inference: provider %s: unknown fallback %q", name, e.fallback)
		}
		if e.fallback == name {
			return nil, fmt.Errorf("inference: provider %s: cannot fall back to itself", name)
		}
	}
	if defaultName != "" {
		if _, ok := r.entries[defaultName]; !ok {
			return nil, fmt.Errorf("inference: unknown default provider %q", defaultName)
		}
	}
	return r, nil
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider, defaultModel, fallback string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = entry{provider: p, model: defaultModel, fallback: fallback}
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// Get returns the named provider, or the default one for an empty name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, apperr.Errorf(apperr.KindInvalid, "inference", "unknown provider %q", name)
	}
	return e.provider, nil
}

// Resolve maps an empty name to the default provider's name.
func (r *Registry) Resolve(name string) string {
	if name != "" {
		return name
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Fallback returns the provider configured as fallback for name.
func (r *Registry) Fallback(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.fallback == "" {
		return "", false
	}
	return e.fallback, true
}

// Model returns the configured default model of a provider.
func (r *Registry) Model(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].model
}

// Names lists registered providers in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const systemPrompt = `You are a log analysis assistant. Read the log excerpt and reply with a JSON object with the keys "summary" (string), "severity" (one of INFO, WARN, ERROR, FATAL), "root_causes" (array of strings) and "recommendations" (array of strings).`

// Options are the typed call options understood by providers.
type Options struct {
	Temperature *float32
	MaxTokens   int
}

// ParseOptions decodes the known keys of a run's options. A malformed value
// is a caller error of kind invalid; unknown keys are ignored.
func ParseOptions(options map[string]string) (Options, error) {
	var o Options
	if v, ok := options["temperature"]; ok {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil || t < 0 {
			return o, apperr.Errorf(apperr.KindInvalid, "options", "invalid temperature %q", v)
		}
		f := float32(t)
		o.Temperature = &f
	}
	if v, ok := options["max_tokens"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return o, apperr.Errorf(apperr.KindInvalid, "options", "invalid max_tokens %q", v)
		}
		o.MaxTokens = n
	}
	return o, nil
}

// BuildPrompt renders the entries sent to a provider, one per line, with a
// short header describing what was filtered and slimmed.
func BuildPrompt(entries []model.LogLine, stats model.RunStats, levelFilter string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %d log entries", len(entries))
	if levelFilter != "" {
		fmt.Fprintf(&b, " at level %s or above", logparse.NormalizeSeverity(levelFilter))
	}
	if stats.TotalLines > 0 {
		fmt.Fprintf(&b, " (selected from %d lines)", stats.TotalLines)
	}
	b.WriteString(".\n\n")
	for _, e := range entries {
		level := e.Level
		if level == "" {
			level = "INFO"
		}
		b.WriteByte('[')
		b.WriteString(level)
		b.WriteString("] ")
		if e.HasTimestamp() {
			b.WriteString(e.Timestamp.UTC().Format(time.RFC3339))
			b.WriteByte(' ')
		}
		b.WriteString(e.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

type resultPayload struct {
	Summary         string   `json:"summary"`
	Severity        string   `json:"severity"`
	RootCauses      []string `json:"root_causes"`
	Recommendations []string `json:"recommendations"`
}

// ParseResult decodes a provider reply. Replies wrapped in a markdown code
// fence are unwrapped; replies that are not JSON become the summary.
func ParseResult(content string) model.AnalysisResult {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var p resultPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil || p.Summary == "" {
		return model.AnalysisResult{Summary: strings.TrimSpace(content)}
	}
	res := model.AnalysisResult{
		Summary:         p.Summary,
		RootCauses:      p.RootCauses,
		Recommendations: p.Recommendations,
	}
	if p.Severity != "" {
		res.Severity = logparse.NormalizeSeverity(p.Severity)
	}
	return res
}
