package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/sift/internal/logparse"
	"github.com/tinytelemetry/sift/internal/model"
)

// otelRecord is the subset of an OTEL log record the pipeline keeps.
type otelRecord struct {
	Timestamp  time.Time
	Level      string
	Message    string
	Attributes map[string]string
}

// ParseOTELLine parses one JSON line in the OTEL log data model. It accepts
// full export envelopes (resourceLogs), scope-level objects and bare log
// records. Envelopes carrying several records are folded into one line whose
// message joins the record bodies and whose level is the most severe one.
func ParseOTELLine(line string) (model.LogLine, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return model.LogLine{}, false
	}
	records, ok := parseOTELEntries(raw)
	if !ok || len(records) == 0 {
		return model.LogLine{}, false
	}

	out := model.LogLine{Raw: line, Parsed: true, Level: records[0].Level, Timestamp: records[0].Timestamp}
	messages := make([]string, 0, len(records))
	for _, r := range records {
		if logparse.Rank(r.Level) > logparse.Rank(out.Level) {
			out.Level = r.Level
		}
		if out.Timestamp.IsZero() {
			out.Timestamp = r.Timestamp
		}
		msg := r.Message
		if svc := r.Attributes["service.name"]; svc != "" {
			msg = svc + ": " + msg
		}
		messages = append(messages, msg)
	}
	out.Message = strings.Join(messages, " | ")
	return out, true
}

func parseOTELEntries(raw map[string]interface{}) ([]otelRecord, bool) {
	if resourceLogs, ok := raw["resourceLogs"].([]interface{}); ok {
		var records []otelRecord
		for _, item := range resourceLogs {
			resourceLog, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			inherited := parseOTELResourceAttributes(resourceLog["resource"])
			records = append(records, parseOTELScopeLogs(resourceLog["scopeLogs"], inherited)...)
		}
		return records, true
	}

	if scopeLogs, ok := raw["scopeLogs"]; ok {
		return parseOTELScopeLogs(scopeLogs, parseOTELResourceAttributes(raw["resource"])), true
	}

	if logRecords, ok := raw["logRecords"]; ok {
		return parseOTELLogRecords(logRecords, parseOTELResourceAttributes(raw["resource"])), true
	}

	if isOTELLogRecord(raw) {
		return []otelRecord{parseOTELLogRecord(raw, nil)}, true
	}

	return nil, false
}

func parseOTELResourceAttributes(value interface{}) map[string]string {
	resource, ok := value.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	return parseOTELAttributes(resource["attributes"])
}

func parseOTELScopeLogs(value interface{}, inherited map[string]string) []otelRecord {
	scopeLogs, ok := value.([]interface{})
	if !ok {
		return nil
	}

	var records []otelRecord
	for _, item := range scopeLogs {
		scopeLog, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		scopeAttrs := cloneAttributes(inherited)
		if scope, ok := scopeLog["scope"].(map[string]interface{}); ok {
			if name := ExtractStringField(scope, "name"); name != "" {
				scopeAttrs["otel.scope.name"] = name
			}
			mergeAttributes(scopeAttrs, parseOTELAttributes(scope["attributes"]))
		}
		records = append(records, parseOTELLogRecords(scopeLog["logRecords"], scopeAttrs)...)
	}
	return records
}

func parseOTELLogRecords(value interface{}, inherited map[string]string) []otelRecord {
	logRecords, ok := value.([]interface{})
	if !ok {
		return nil
	}

	records := make([]otelRecord, 0, len(logRecords))
	for _, item := range logRecords {
		logRecord, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		records = append(records, parseOTELLogRecord(logRecord, inherited))
	}
	return records
}

func parseOTELLogRecord(raw map[string]interface{}, inherited map[string]string) otelRecord {
	attributes := cloneAttributes(inherited)
	mergeAttributes(attributes, parseOTELAttributes(raw["attributes"]))

	message := extractOTELBody(raw["body"])
	if message == "" {
		if encoded, err := json.Marshal(raw); err == nil {
			message = string(encoded)
		}
	}

	severity := ExtractStringField(raw, "severityText")
	if severity == "" {
		severity = severityFromOTELNumber(parseOTELSeverityNumber(raw["severityNumber"]))
	}
	if severity == "" {
		severity = "INFO"
	}

	return otelRecord{
		Timestamp:  extractOTELTimestamp(raw),
		Level:      logparse.NormalizeSeverity(severity),
		Message:    sanitizeLogMessage(message),
		Attributes: attributes,
	}
}

func parseOTELAttributes(value interface{}) map[string]string {
	out := map[string]string{}
	attributes, ok := value.([]interface{})
	if !ok {
		return out
	}

	for _, item := range attributes {
		attr, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key := ExtractStringField(attr, "key")
		if key == "" {
			continue
		}
		val := extractOTELAnyValue(attr["value"])
		if val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

func extractOTELBody(value interface{}) string {
	switch body := value.(type) {
	case string:
		return body
	case map[string]interface{}:
		return extractOTELAnyValue(body)
	default:
		return stringifyJSONValue(body)
	}
}

func extractOTELAnyValue(value interface{}) string {
	anyValue, ok := value.(map[string]interface{})
	if !ok {
		return stringifyJSONValue(value)
	}

	for _, key := range []string{"stringValue", "boolValue", "intValue", "doubleValue", "bytesValue"} {
		if val, ok := anyValue[key]; ok {
			return stringifyJSONValue(val)
		}
	}

	if arrayValue, ok := anyValue["arrayValue"].(map[string]interface{}); ok {
		if vals, ok := arrayValue["values"].([]interface{}); ok {
			parts := make([]string, 0, len(vals))
			for _, v := range vals {
				part := extractOTELAnyValue(v)
				if part == "" {
					continue
				}
				parts = append(parts, part)
			}
			return strings.Join(parts, ",")
		}
	}

	if kvListValue, ok := anyValue["kvlistValue"].(map[string]interface{}); ok {
		return stringifyJSONValue(kvListValue["values"])
	}

	return stringifyJSONValue(anyValue)
}

func extractOTELTimestamp(raw map[string]interface{}) time.Time {
	for _, key := range []string{"timeUnixNano", "observedTimeUnixNano"} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if ts, parsed := parseTimeUnixNano(value); parsed {
			return ts
		}
	}
	return time.Time{}
}

func parseTimeUnixNano(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(0, n), true
		}
	case float64:
		return time.Unix(0, int64(v)), true
	case int:
		return time.Unix(0, int64(v)), true
	case int64:
		return time.Unix(0, v), true
	case uint64:
		return time.Unix(0, int64(v)), true
	}
	return time.Time{}, false
}

func parseOTELSeverityNumber(value interface{}) int {
	switch v := value.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return int(v)
	case int:
		if v <= 0 {
			return 0
		}
		return v
	case int64:
		if v <= 0 {
			return 0
		}
		return int(v)
	case uint64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		if n <= 0 {
			return 0
		}
		return n
	default:
		return 0
	}
}

func severityFromOTELNumber(number int) string {
	switch {
	case number >= 1 && number <= 4:
		return "TRACE"
	case number >= 5 && number <= 8:
		return "DEBUG"
	case number >= 9 && number <= 12:
		return "INFO"
	case number >= 13 && number <= 16:
		return "WARN"
	case number >= 17 && number <= 20:
		return "ERROR"
	case number >= 21 && number <= 24:
		return "FATAL"
	default:
		return ""
	}
}

func isOTELLogRecord(raw map[string]interface{}) bool {
	for _, key := range []string{
		"timeUnixNano",
		"observedTimeUnixNano",
		"severityNumber",
		"severityText",
		"traceId",
		"spanId",
		"flags",
		"droppedAttributesCount",
	} {
		if _, ok := raw[key]; ok {
			return true
		}
	}

	_, hasBody := raw["body"]
	_, hasAttrs := raw["attributes"]
	return hasBody && hasAttrs
}

func cloneAttributes(attributes map[string]string) map[string]string {
	if len(attributes) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	return out
}

func mergeAttributes(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func stringifyJSONValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case uint64:
		return fmt.Sprintf("%d", v)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

func sanitizeLogMessage(message string) string {
	clean := strings.ReplaceAll(message, "\t", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	clean = strings.ReplaceAll(clean, "\r", " ")
	return clean
}

// ExtractStringField returns the first non-empty string value found among the given keys.
func ExtractStringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if str := stringifyJSONValue(v); str != "" {
				return str
			}
		}
	}
	return ""
}
