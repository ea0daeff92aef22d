package logsource

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/sift/internal/ingest"
	"github.com/tinytelemetry/sift/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startHTTPSource(t *testing.T) *HTTPSource {
	t.Helper()
	src := NewHTTPSource("127.0.0.1:0", HTTPConfig{Name: "web", Endpoint: "logs"})
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(src.Stop)
	return src
}

func TestHTTPSource_BodyIsOneUnit(t *testing.T) {
	src := startHTTPSource(t)
	assert.Equal(t, "/logs", src.Endpoint())

	resp, err := http.Post("http://"+src.Addr()+"/logs", "text/plain", bytes.NewBufferString("a\nb\r\n\nc\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envs []model.IngestEnvelope
	for i := 0; i < 3; i++ {
		envs = append(envs, <-src.Lines())
	}
	assert.Equal(t, "a", envs[0].Line)
	assert.Equal(t, "b", envs[1].Line)
	assert.Equal(t, "c", envs[2].Line)
	assert.False(t, envs[0].EndOfUnit)
	assert.False(t, envs[1].EndOfUnit)
	assert.True(t, envs[2].EndOfUnit)
	assert.Equal(t, "web", envs[2].Source)
}

func TestHTTPSource_OTLPProtobufBecomesJSONLines(t *testing.T) {
	src := startHTTPSource(t)

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "checkout"}},
			}}},
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{
					{SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO, Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "cart loaded"}}},
					{SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "payment failed"}}},
				},
			}},
		}},
	}
	body, err := proto.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post("http://"+src.Addr()+"/logs", "application/x-protobuf", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	first, second := <-src.Lines(), <-src.Lines()
	assert.False(t, first.EndOfUnit)
	assert.True(t, second.EndOfUnit)

	out, ok := ingest.ParseOTELLine(second.Line)
	require.True(t, ok)
	assert.Equal(t, "ERROR", out.Level)
	assert.Equal(t, "checkout: payment failed", out.Message)
}

func TestHTTPSource_RejectsMalformedProtobuf(t *testing.T) {
	src := startHTTPSource(t)
	resp, err := http.Post("http://"+src.Addr()+"/logs", "application/x-protobuf", bytes.NewBufferString("\xff\xff\xff"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPSource_ConcurrentBodiesStayContiguous(t *testing.T) {
	src := NewHTTPSource("127.0.0.1:0", HTTPConfig{BufferSize: 1})
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(src.Stop)

	const perBody = 40
	body := func(prefix string) string {
		var b strings.Builder
		for i := 0; i < perBody; i++ {
			fmt.Fprintf(&b, "%s-%d\n", prefix, i)
		}
		return b.String()
	}

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for _, prefix := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post("http://"+src.Addr()+"/ingest", "text/plain", bytes.NewBufferString(body(prefix)))
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}

	var units [][]string
	var cur []string
	for len(units) < 2 {
		env := <-src.Lines()
		cur = append(cur, env.Line)
		if env.EndOfUnit {
			units = append(units, cur)
			cur = nil
		}
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, http.StatusAccepted, code)
	}

	for _, unit := range units {
		require.Len(t, unit, perBody)
		prefix := strings.SplitN(unit[0], "-", 2)[0]
		for i, line := range unit {
			assert.Equal(t, fmt.Sprintf("%s-%d", prefix, i), line)
		}
	}
	assert.NotEqual(t, units[0][0][:1], units[1][0][:1])
}

func TestHTTPSource_StopClosesLines(t *testing.T) {
	src := NewHTTPSource("127.0.0.1:0")
	require.NoError(t, src.Start(context.Background()))
	src.Stop()
	src.Stop()
	_, ok := <-src.Lines()
	assert.False(t, ok)
	assert.NoError(t, src.Err())
}

func TestSplitBody_JSONDocumentIsOneLine(t *testing.T) {
	lines, err := splitBody("application/json", []byte("{\n  \"msg\": \"hi\"\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"msg":"hi"}`}, lines)
}
