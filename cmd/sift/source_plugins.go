package main

import (
	"context"
	"os"

	"github.com/tinytelemetry/sift/internal/model"
)

// SourcePlugin contributes sources to create at startup. Plugins run in
// order; each sees the sources contributed before it.
type SourcePlugin interface {
	Name() string
	Enabled() bool
	Sources(ctx context.Context, existing []model.StreamingSource) ([]model.StreamingSource, error)
}

// SourcePluginConfig defines runtime source selection.
type SourcePluginConfig struct {
	Records     recordLister
	SourcesFile string
	// StdinPiped reports whether stdin carries data. Defaults to a check of
	// os.Stdin.
	StdinPiped func() bool
}

type recordLister interface {
	ListSourceRecords(projectID string) ([]model.StreamingSource, error)
}

func buildSourcePlugins(cfg SourcePluginConfig) []SourcePlugin {
	if cfg.StdinPiped == nil {
		cfg.StdinPiped = stdinPiped
	}
	return []SourcePlugin{
		resumePlugin{records: cfg.Records},
		manifestPlugin{path: cfg.SourcesFile},
		stdinFallbackPlugin{piped: cfg.StdinPiped},
	}
}

// resumePlugin recreates the sources recorded by a previous process under
// their original ids.
type resumePlugin struct {
	records recordLister
}

func (p resumePlugin) Name() string { return "resume" }

func (p resumePlugin) Enabled() bool { return p.records != nil }

func (p resumePlugin) Sources(_ context.Context, _ []model.StreamingSource) ([]model.StreamingSource, error) {
	return p.records.ListSourceRecords("")
}

// manifestPlugin creates the sources listed in the sources file, skipping
// those already present under the same project and name.
type manifestPlugin struct {
	path string
}

func (p manifestPlugin) Name() string { return "manifest" }

func (p manifestPlugin) Enabled() bool { return p.path != "" }

func (p manifestPlugin) Sources(_ context.Context, existing []model.StreamingSource) ([]model.StreamingSource, error) {
	listed, err := loadManifest(p.path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, src := range existing {
		seen[sourceKey(src)] = true
	}
	var out []model.StreamingSource
	for _, src := range listed {
		if seen[sourceKey(src)] {
			continue
		}
		seen[sourceKey(src)] = true
		out = append(out, src)
	}
	return out, nil
}

func sourceKey(src model.StreamingSource) string {
	project := src.ProjectID
	if project == "" {
		project = model.DefaultProjectID
	}
	name := src.Name
	if name == "" {
		name = string(src.SourceType)
	}
	return project + "/" + name
}

// stdinFallbackPlugin adds a stdin source when stdin is piped and no stdin
// source is configured.
type stdinFallbackPlugin struct {
	piped func() bool
}

func (p stdinFallbackPlugin) Name() string { return "stdin" }

func (p stdinFallbackPlugin) Enabled() bool { return p.piped() }

func (p stdinFallbackPlugin) Sources(_ context.Context, existing []model.StreamingSource) ([]model.StreamingSource, error) {
	for _, src := range existing {
		if src.SourceType == model.SourceStdin {
			return nil, nil
		}
	}
	return []model.StreamingSource{{
		ProjectID:  model.DefaultProjectID,
		Name:       "stdin",
		SourceType: model.SourceStdin,
	}}, nil
}

func stdinPiped() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// collectSources runs the enabled plugins in order. A failing plugin is
// reported and skipped.
func collectSources(ctx context.Context, plugins []SourcePlugin, report func(plugin string, err error)) []model.StreamingSource {
	var all []model.StreamingSource
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		srcs, err := plugin.Sources(ctx, all)
		if err != nil {
			report(plugin.Name(), err)
			continue
		}
		all = append(all, srcs...)
	}
	return all
}
