package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/toolrpc"
)

type analyzeOptions struct {
	provider    string
	model       string
	levelFilter string
	timeout     time.Duration
	format      string
	jsonOut     bool
	remote      bool
}

func newAnalyzeCmd(load func() (appConfig, error)) *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Analyze a log file and print the run's progress",
		Long: `Analyze a log file ("-" reads stdin). The run executes in this process
unless --remote is set, in which case it is submitted to the running server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			content, name, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			req := model.RunRequest{
				Origin:      model.Origin{Kind: model.OriginFileUpload, FileName: name},
				Content:     content,
				Parser:      model.ParserConfig{Format: opts.format},
				Provider:    opts.provider,
				Model:       opts.model,
				LevelFilter: opts.levelFilter,
				Timeout:     model.Duration(opts.timeout),
			}
			out := newRunPrinter(cmd.OutOrStdout(), opts.jsonOut)
			var final model.RunEvent
			if opts.remote {
				final, err = analyzeRemote(cmd.Context(), cfg, req, out)
			} else {
				final, err = analyzeLocal(cmd.Context(), cfg, req, out)
			}
			if err != nil {
				return err
			}
			if final.Type != model.EventCompleted {
				return fmt.Errorf("run %s %s: %s", final.RunID, final.Type, final.Message)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.provider, "provider", "p", "", "inference provider (default from config)")
	f.StringVarP(&opts.model, "model", "m", "", "model override")
	f.StringVarP(&opts.levelFilter, "level", "l", "", "minimum level sent to inference (default INFO)")
	f.DurationVarP(&opts.timeout, "timeout", "t", 0, "run timeout (default from config)")
	f.StringVarP(&opts.format, "format", "f", "auto", "line format: auto, json, otel, clf, regex, text")
	f.BoolVar(&opts.jsonOut, "json", false, "print events as JSON lines")
	f.BoolVar(&opts.remote, "remote", false, "submit the run to the running server")
	return cmd
}

func readInput(path string, stdin io.Reader) (content, name string, err error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), "stdin", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read log file: %w", err)
	}
	return string(data), filepath.Base(path), nil
}

// analyzeLocal runs req on an in-process engine without persistence.
func analyzeLocal(ctx context.Context, cfg appConfig, req model.RunRequest, out *runPrinter) (model.RunEvent, error) {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	engine, err := newEngine(cfg, nil, nil)
	if err != nil {
		return model.RunEvent{}, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		engine.Shutdown(sctx)
	}()

	id, err := engine.StartRun(ctx, req)
	if err != nil {
		return model.RunEvent{}, err
	}
	events, err := engine.Subscribe(ctx, id)
	if err != nil {
		return model.RunEvent{}, err
	}
	var final model.RunEvent
	for ev := range events {
		out.print(ev)
		if ev.Type.Terminal() {
			final = ev
		}
	}
	if final.Type == "" {
		return final, fmt.Errorf("run %s ended without a terminal event", id)
	}
	return final, nil
}

// analyzeRemote submits req over the server socket and waits on it.
func analyzeRemote(ctx context.Context, cfg appConfig, req model.RunRequest, out *runPrinter) (model.RunEvent, error) {
	client, err := toolrpc.Dial(ctx, cfg.SocketPath)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("connect to sift server: %w", err)
	}
	defer client.Close()

	args := map[string]any{
		"content":   req.Content,
		"file_name": req.Origin.FileName,
		"parser":    req.Parser,
		"wait":      true,
	}
	if req.Provider != "" {
		args["provider"] = req.Provider
	}
	if req.Model != "" {
		args["model"] = req.Model
	}
	if req.LevelFilter != "" {
		args["level_filter"] = req.LevelFilter
	}
	if req.Timeout > 0 {
		args["timeout"] = req.Timeout
	}

	var final model.RunEvent
	err = client.CallTool(ctx, "analyze_logs", args, &final, func(p toolrpc.ProgressParams) {
		data, err := json.Marshal(p.Event)
		if err != nil {
			return
		}
		var ev model.RunEvent
		if json.Unmarshal(data, &ev) == nil {
			out.print(ev)
		}
	})
	if err != nil {
		return final, err
	}
	out.print(final)
	return final, nil
}

// runPrinter renders run events for a terminal, or as JSON lines.
type runPrinter struct {
	w       io.Writer
	jsonOut bool

	dim, stage, ok, bad, bold lipgloss.Style
}

func newRunPrinter(w io.Writer, jsonOut bool) *runPrinter {
	return &runPrinter{
		w:       w,
		jsonOut: jsonOut,
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		stage:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		bold:    lipgloss.NewStyle().Bold(true),
	}
}

func (p *runPrinter) print(ev model.RunEvent) {
	if ev.Type == model.EventHeartbeat {
		return
	}
	if p.jsonOut {
		data, err := json.Marshal(ev)
		if err == nil {
			fmt.Fprintln(p.w, string(data))
		}
		return
	}
	pct := fmt.Sprintf("%3.0f%%", ev.Progress*100)
	switch ev.Type {
	case model.EventProgress:
		line := fmt.Sprintf("%s  %-11s", p.dim.Render(pct), p.stage.Render(string(ev.Stage)))
		if ev.Message != "" {
			line += "  " + p.dim.Render(ev.Message)
		}
		fmt.Fprintln(p.w, line)
	case model.EventMessage:
		fmt.Fprintf(p.w, "%s  %s\n", p.dim.Render(pct), ev.Message)
	case model.EventCompleted:
		fmt.Fprintf(p.w, "%s  %s\n", p.dim.Render(pct), p.ok.Render("completed"))
		p.printResult(ev)
	default:
		msg := ev.Message
		if ev.ErrorKind != "" {
			msg = ev.ErrorKind + ": " + msg
		}
		fmt.Fprintf(p.w, "%s  %s  %s\n", p.dim.Render(pct), p.bad.Render(string(ev.Type)), msg)
	}
}

func (p *runPrinter) printResult(ev model.RunEvent) {
	if ev.Result == nil {
		return
	}
	r := ev.Result
	var lines []string
	lines = append(lines, "", p.bold.Render("Summary"), "  "+r.Summary)
	if r.Severity != "" {
		lines = append(lines, "", p.bold.Render("Severity")+"  "+r.Severity)
	}
	if len(r.RootCauses) > 0 {
		lines = append(lines, "", p.bold.Render("Root causes"))
		for _, c := range r.RootCauses {
			lines = append(lines, "  - "+c)
		}
	}
	if len(r.Recommendations) > 0 {
		lines = append(lines, "", p.bold.Render("Recommendations"))
		for _, c := range r.Recommendations {
			lines = append(lines, "  - "+c)
		}
	}
	if ev.Stats != nil {
		s := ev.Stats
		lines = append(lines, "", p.dim.Render(fmt.Sprintf(
			"%d lines, %d parsed, %d kept, %d sent · provider %s · cache hit %t",
			s.TotalLines, s.ParsedEntries, s.FilteredEntries, s.SlimmedEntries, s.ProviderUsed, s.CacheHit)))
	}
	fmt.Fprintln(p.w, strings.Join(lines, "\n"))
}
