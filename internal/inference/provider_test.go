package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
)

func chatReply(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func fakeOpenAI(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_SendsJSONModeRequestAndParsesReply(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatReply(`{"summary":"db pool exhausted","severity":"error","root_causes":["too many connections"]}`))
	})

	p, err := NewOpenAIProvider(OpenAIConfig{Name: "primary", BaseURL: srv.URL + "/v1", APIKey: "secret", Model: "gpt-test"})
	require.NoError(t, err)

	res, err := p.Infer(context.Background(), "[ERROR] pool exhausted", "", map[string]string{"temperature": "0.2", "max_tokens": "256"})
	require.NoError(t, err)

	assert.Equal(t, "db pool exhausted", res.Summary)
	assert.Equal(t, "ERROR", res.Severity)
	assert.Equal(t, []string{"too many connections"}, res.RootCauses)
	assert.Equal(t, "primary", res.Provider)
	assert.Equal(t, "gpt-test", res.Model)

	assert.Equal(t, "gpt-test", got["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	assert.EqualValues(t, 256, got["max_tokens"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[ERROR] pool exhausted", msgs[1].(map[string]any)["content"])
}

func TestOpenAIProvider_ServerErrorIsReturned(t *testing.T) {
	t.Parallel()
	srv := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	})
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	_, err = p.Infer(context.Background(), "prompt", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestOpenAIProvider_CancelAbortsRequest(t *testing.T) {
	t.Parallel()
	var aborted atomic.Bool
	srv := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted.Store(true)
		case <-time.After(5 * time.Second):
		}
	})
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.Infer(ctx, "prompt", "", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Eventually(t, aborted.Load, 2*time.Second, 10*time.Millisecond)
}

func TestOpenAIProvider_CallTimeout(t *testing.T) {
	t.Parallel()
	srv := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m", CallTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	_, err = p.Infer(context.Background(), "prompt", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenAIProvider_InvalidOption(t *testing.T) {
	t.Parallel()
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://127.0.0.1:1/v1", Model: "m"})
	require.NoError(t, err)
	_, err = p.Infer(context.Background(), "prompt", "", map[string]string{"temperature": "warm"})
	assert.ErrorContains(t, err, "invalid temperature")
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(map[string]string{"temperature": "0.2", "max_tokens": "256", "other": "x"})
	require.NoError(t, err)
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, 0.2, *o.Temperature, 1e-6)
	assert.Equal(t, 256, o.MaxTokens)

	o, err = ParseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, o.Temperature)

	_, err = ParseOptions(map[string]string{"max_tokens": "lots"})
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    model.AnalysisResult
	}{
		{
			name:    "plain json",
			content: `{"summary":"ok","severity":"warning"}`,
			want:    model.AnalysisResult{Summary: "ok", Severity: "WARN"},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"summary\":\"fenced\",\"recommendations\":[\"restart\"]}\n```",
			want:    model.AnalysisResult{Summary: "fenced", Recommendations: []string{"restart"}},
		},
		{
			name:    "free text",
			content: "  The service is healthy.  ",
			want:    model.AnalysisResult{Summary: "The service is healthy."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResult(tt.content))
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prompt := BuildPrompt([]model.LogLine{
		{Level: "ERROR", Message: "disk full", Timestamp: ts},
		{Message: "no level"},
	}, model.RunStats{TotalLines: 40}, "warn")

	assert.True(t, strings.HasPrefix(prompt, "Analyze 2 log entries at level WARN or above (selected from 40 lines)."))
	assert.Contains(t, prompt, "[ERROR] 2026-03-01T12:00:00Z disk full\n")
	assert.Contains(t, prompt, "[INFO] no level\n")
}

func TestLocalProvider_SummarizesWorstLevel(t *testing.T) {
	t.Parallel()
	p := NewLocalProvider("")
	prompt := BuildPrompt([]model.LogLine{
		{Level: "INFO", Message: "started"},
		{Level: "ERROR", Message: "timeout calling payments"},
		{Level: "ERROR", Message: "timeout calling payments"},
		{Level: "ERROR", Message: "card declined"},
		{Level: "WARN", Message: "slow query"},
	}, model.RunStats{}, "")

	res, err := p.Infer(context.Background(), prompt, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", res.Severity)
	assert.Equal(t, []string{"timeout calling payments", "card declined"}, res.RootCauses)
	assert.Contains(t, res.Summary, "5 entries analyzed (1 INFO, 1 WARN, 3 ERROR)")
	assert.Equal(t, "local", res.Provider)
	assert.NotEmpty(t, res.Recommendations)
}

func TestLocalProvider_HonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalProvider("").Infer(ctx, "[INFO] x", "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	r, err := Build(nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, r.Names())
	assert.Equal(t, "local", r.Resolve(""))

	r, err = Build([]ProviderConfig{
		{Name: "primary", Kind: "openai", BaseURL: "http://127.0.0.1:1/v1", Model: "gpt", Fallback: "backup"},
		{Name: "backup", Kind: "local"},
	}, "primary")
	require.NoError(t, err)
	fb, ok := r.Fallback("primary")
	assert.True(t, ok)
	assert.Equal(t, "backup", fb)
	_, ok = r.Fallback("backup")
	assert.False(t, ok)
	assert.Equal(t, "gpt", r.Model("primary"))

	p, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name())

	_, err = r.Get("missing")
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = Build([]ProviderConfig{{Name: "a", Kind: "local", Fallback: "nope"}}, "")
	assert.ErrorContains(t, err, "unknown fallback")

	_, err = Build([]ProviderConfig{{Name: "a", Kind: "carrier-pigeon"}}, "")
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Build([]ProviderConfig{{Name: "a", Kind: "local"}}, "b")
	assert.ErrorContains(t, err, "unknown default provider")
}
