package timestamp

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/sift/internal/logparse"
)

var (
	isoPrefix      = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?)\]?`)
	syslogPrefix   = regexp.MustCompile(`^\[?([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2})\]?`)
	timeOnlyPrefix = regexp.MustCompile(`^\[?(\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?)\]?`)
	severityPrefix = regexp.MustCompile(`(?i)^\[?(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL)\]?:?\s*`)
)

// stringLayouts are tried in order by ParseTimestamp for string values.
var stringLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"02/Jan/2006:15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
	"Jan _2 15:04:05",
}

// Result is the outcome of locating a leading timestamp in a log line.
type Result struct {
	Found     bool
	Timestamp time.Time
	Remaining string // text after the timestamp, trimmed
}

// Parser extracts timestamps from raw log text and structured values.
type Parser struct {
	now func() time.Time
}

// NewParser returns a parser that resolves partial timestamps (syslog,
// time-only) against the current date.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// ParseFromText looks for a timestamp at the start of text.
func (p *Parser) ParseFromText(text string) Result {
	trimmed := strings.TrimSpace(text)

	if m := isoPrefix.FindStringSubmatch(trimmed); m != nil {
		if ts, ok := parseISO(m[1]); ok {
			return Result{Found: true, Timestamp: ts, Remaining: strings.TrimSpace(trimmed[len(m[0]):])}
		}
	}

	if m := syslogPrefix.FindStringSubmatch(trimmed); m != nil {
		if ts, err := time.Parse("Jan _2 15:04:05", m[1]); err == nil {
			now := p.now()
			ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
			return Result{Found: true, Timestamp: ts, Remaining: strings.TrimSpace(trimmed[len(m[0]):])}
		}
	}

	if m := timeOnlyPrefix.FindStringSubmatch(trimmed); m != nil {
		clock := strings.Replace(m[1], ",", ".", 1)
		if ts, err := time.Parse("15:04:05.999999999", clock); err == nil {
			now := p.now().UTC()
			ts = time.Date(now.Year(), now.Month(), now.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
			return Result{Found: true, Timestamp: ts, Remaining: strings.TrimSpace(trimmed[len(m[0]):])}
		}
	}

	return Result{Remaining: text}
}

// ParseTimestamp converts a structured field value into a time.
// Strings are tried against common layouts; numbers are treated as epoch
// seconds, milliseconds, microseconds or nanoseconds by magnitude.
func (p *Parser) ParseTimestamp(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if ts, ok := parseISO(s); ok {
			return ts, true
		}
		for _, layout := range stringLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return parseUnixTimestamp(n)
		}
		return time.Time{}, false
	case float64:
		return parseUnixTimestamp(v)
	case int64:
		return parseUnixTimestamp(float64(v))
	case int:
		return parseUnixTimestamp(float64(v))
	case time.Time:
		return v, !v.IsZero()
	}
	return time.Time{}, false
}

// ExtractLogMessage strips a leading timestamp and severity token.
func (p *Parser) ExtractLogMessage(text string) string {
	msg := p.ParseFromText(text).Remaining
	msg = strings.TrimSpace(msg)
	if loc := severityPrefix.FindStringIndex(msg); loc != nil {
		rest := strings.TrimSpace(msg[loc[1]:])
		if rest != "" {
			msg = rest
		}
	}
	if msg == "" {
		return strings.TrimSpace(text)
	}
	return msg
}

// Severity returns the normalized severity found in text, if any.
func (p *Parser) Severity(text string) (string, bool) {
	if !logparse.SeverityRegex.MatchString(text) {
		return "", false
	}
	return logparse.ExtractSeverityFromText(text), true
}

func parseISO(s string) (time.Time, bool) {
	s = strings.Replace(s, ",", ".", 1)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999-0700",
		"2006-01-02T15:04:05.999999999",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseUnixTimestamp(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	switch {
	case v < 1e11:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case v < 1e14:
		return time.UnixMilli(int64(v)).UTC(), true
	case v < 1e17:
		return time.UnixMicro(int64(v)).UTC(), true
	default:
		return time.Unix(0, int64(v)).UTC(), true
	}
}
