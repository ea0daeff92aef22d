package inference

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tinytelemetry/sift/internal/logparse"
	"github.com/tinytelemetry/sift/internal/model"
)

// LocalProvider summarizes a prompt built by BuildPrompt without calling
// out. It ranks the most frequent messages of the highest severity seen.
type LocalProvider struct {
	name string
}

// NewLocalProvider creates a local provider registered under name.
func NewLocalProvider(name string) *LocalProvider {
	if name == "" {
		name = KindLocal
	}
	return &LocalProvider{name: name}
}

func (p *LocalProvider) Name() string { return p.name }

func (p *LocalProvider) Infer(ctx context.Context, prompt, modelName string, _ map[string]string) (model.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return model.AnalysisResult{}, err
	}

	counts := make(map[string]int)
	worst := ""
	byMessage := make(map[string]int)
	total := 0

	sc := bufio.NewScanner(strings.NewReader(prompt))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.IndexByte(line, ']')
		if end < 0 {
			continue
		}
		level := logparse.NormalizeSeverity(line[1:end])
		msg := strings.TrimSpace(line[end+1:])
		total++
		counts[level]++
		if worst == "" || logparse.Rank(level) > logparse.Rank(worst) {
			worst = level
			byMessage = make(map[string]int)
		}
		if level == worst {
			byMessage[msg]++
		}
	}
	if err := sc.Err(); err != nil {
		return model.AnalysisResult{}, fmt.Errorf("read prompt: %w", err)
	}
	if total == 0 {
		return model.AnalysisResult{
			Summary:  "No log entries to analyze.",
			Severity: "INFO",
			Provider: p.name,
			Model:    modelName,
		}, nil
	}

	top := make([]string, 0, len(byMessage))
	for msg := range byMessage {
		top = append(top, msg)
	}
	sort.Slice(top, func(i, j int) bool {
		if byMessage[top[i]] != byMessage[top[j]] {
			return byMessage[top[i]] > byMessage[top[j]]
		}
		return top[i] < top[j]
	})
	if len(top) > 3 {
		top = top[:3]
	}

	var parts []string
	for _, level := range logparse.Levels {
		if n := counts[level]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, level))
		}
	}
	res := model.AnalysisResult{
		Summary:    fmt.Sprintf("%d entries analyzed (%s). Most severe level: %s.", total, strings.Join(parts, ", "), worst),
		Severity:   worst,
		RootCauses: top,
		Provider:   p.name,
		Model:      modelName,
	}
	if logparse.Rank(worst) >= logparse.Rank("ERROR") {
		res.Recommendations = []string{"Investigate the most frequent " + worst + " messages first."}
	}
	return res, nil
}
