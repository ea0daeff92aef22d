package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tinytelemetry/sift/internal/logparse"
	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/timestamp"
)

// Supported parser formats.
const (
	FormatAuto  = "auto"
	FormatJSON  = "json"
	FormatOTEL  = "otel"
	FormatCLF   = "clf"
	FormatRegex = "regex"
	FormatText  = "text"
)

var clfRegex = regexp.MustCompile(`^(\S+) \S+ (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)`)

var (
	defaultTimestampFields = []string{"timestamp", "time", "ts", "@timestamp", "date"}
	defaultLevelFields     = []string{"level", "severity", "lvl", "levelname", "log.level"}
	defaultMessageFields   = []string{"message", "msg", "text", "log", "event"}
)

// Parser extracts {timestamp, level, message} from raw lines.
// Lines that do not match the declared format are kept raw with Parsed=false.
type Parser struct {
	format  string
	tsKeys  []string
	lvlKeys []string
	msgKeys []string
	pattern *regexp.Regexp
	ts      *timestamp.Parser
}

// NewParser builds a parser for the given configuration.
func NewParser(cfg model.ParserConfig) (*Parser, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = FormatAuto
	}

	p := &Parser{
		format:  format,
		tsKeys:  withOverride(cfg.TimestampField, defaultTimestampFields),
		lvlKeys: withOverride(cfg.LevelField, defaultLevelFields),
		msgKeys: withOverride(cfg.MessageField, defaultMessageFields),
		ts:      timestamp.NewParser(),
	}

	switch format {
	case FormatAuto, FormatJSON, FormatOTEL, FormatCLF, FormatText:
	case FormatRegex:
		if cfg.Pattern == "" {
			return nil, fmt.Errorf("ingest: regex format requires a pattern")
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("ingest: compile pattern: %w", err)
		}
		p.pattern = re
	default:
		return nil, fmt.Errorf("ingest: unknown format %q", cfg.Format)
	}
	return p, nil
}

// MustParser is NewParser for configurations known to be valid.
// Invalid configurations fall back to auto detection.
func MustParser(cfg model.ParserConfig) *Parser {
	p, err := NewParser(cfg)
	if err != nil {
		p, _ = NewParser(model.ParserConfig{Format: FormatAuto})
	}
	return p
}

// Format returns the effective format name.
func (p *Parser) Format() string { return p.format }

// Parse extracts fields from one raw line.
func (p *Parser) Parse(raw string) model.LogLine {
	line := strings.TrimRight(raw, "\r\n")
	var (
		out model.LogLine
		ok  bool
	)
	switch p.format {
	case FormatOTEL:
		out, ok = ParseOTELLine(line)
	case FormatJSON:
		out, ok = p.parseJSON(line)
	case FormatCLF:
		out, ok = p.parseCLF(line)
	case FormatRegex:
		out, ok = p.parseRegex(line)
	case FormatText:
		out, ok = p.parseText(line)
	default:
		out, ok = p.parseAuto(line)
	}
	if !ok {
		return model.LogLine{Raw: line, Message: sanitizeLogMessage(line)}
	}
	out.Raw = line
	return out
}

// ParseAll parses lines in order.
func (p *Parser) ParseAll(lines []string) []model.LogLine {
	out := make([]model.LogLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, p.Parse(l))
	}
	return out
}

func (p *Parser) parseAuto(line string) (model.LogLine, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		if out, ok := ParseOTELLine(trimmed); ok {
			return out, true
		}
		if out, ok := p.parseJSON(trimmed); ok {
			return out, true
		}
	}
	if out, ok := p.parseCLF(line); ok {
		return out, true
	}
	return p.parseText(line)
}

func (p *Parser) parseJSON(line string) (model.LogLine, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return model.LogLine{}, false
	}

	out := model.LogLine{Parsed: true}
	for _, key := range p.tsKeys {
		if v, ok := raw[key]; ok {
			if ts, ok := p.ts.ParseTimestamp(v); ok {
				out.Timestamp = ts
				break
			}
		}
	}
	for _, key := range p.lvlKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch lvl := v.(type) {
		case float64:
			out.Level = logparse.PinoLevelToString(int(lvl))
		case string:
			if n, err := strconv.Atoi(lvl); err == nil {
				out.Level = logparse.PinoLevelToString(n)
			} else {
				out.Level = logparse.NormalizeSeverity(lvl)
			}
		}
		if out.Level != "" {
			break
		}
	}
	out.Message = ExtractStringField(raw, p.msgKeys...)
	if out.Message == "" {
		out.Message = line
	}
	out.Message = sanitizeLogMessage(out.Message)
	if out.Level == "" {
		if lvl, ok := p.ts.Severity(out.Message); ok {
			out.Level = lvl
		}
	}
	return out, true
}

func (p *Parser) parseCLF(line string) (model.LogLine, bool) {
	m := clfRegex.FindStringSubmatch(line)
	if m == nil {
		return model.LogLine{}, false
	}
	out := model.LogLine{Parsed: true, Message: fmt.Sprintf("%s %s %s", m[1], m[4], m[5])}
	if ts, ok := p.ts.ParseTimestamp(m[3]); ok {
		out.Timestamp = ts
	}
	status, _ := strconv.Atoi(m[5])
	switch {
	case status >= 500:
		out.Level = "ERROR"
	case status >= 400:
		out.Level = "WARN"
	default:
		out.Level = "INFO"
	}
	return out, true
}

func (p *Parser) parseRegex(line string) (model.LogLine, bool) {
	m := p.pattern.FindStringSubmatch(line)
	if m == nil {
		return model.LogLine{}, false
	}
	out := model.LogLine{Parsed: true}
	for i, name := range p.pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		switch name {
		case "timestamp", "time":
			if ts, ok := p.ts.ParseTimestamp(m[i]); ok {
				out.Timestamp = ts
			}
		case "level", "severity":
			out.Level = logparse.NormalizeSeverity(m[i])
		case "message", "msg":
			out.Message = m[i]
		}
	}
	if out.Message == "" {
		out.Message = line
	}
	return out, true
}

// parseText handles free-form lines with an optional leading timestamp and
// an inline severity token. A line with neither is reported as unparsed.
func (p *Parser) parseText(line string) (model.LogLine, bool) {
	res := p.ts.ParseFromText(line)
	lvl, hasLevel := p.ts.Severity(line)
	if !res.Found && !hasLevel {
		return model.LogLine{}, false
	}
	out := model.LogLine{
		Parsed:  true,
		Level:   lvl,
		Message: sanitizeLogMessage(p.ts.ExtractLogMessage(line)),
	}
	if res.Found {
		out.Timestamp = res.Timestamp
	}
	return out, true
}

func withOverride(field string, defaults []string) []string {
	if field = strings.TrimSpace(field); field != "" {
		return append([]string{field}, defaults...)
	}
	return defaults
}
