package logsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/sift/internal/model"
)

func TestNew_DispatchesOnSourceType(t *testing.T) {
	tests := []struct {
		src  model.StreamingSource
		want interface{}
	}{
		{model.StreamingSource{Name: "f", SourceType: model.SourceFile, TypeConfig: model.TypeConfig{Path: "/tmp/x.log"}}, &FileSource{}},
		{model.StreamingSource{Name: "c", SourceType: model.SourceCommand, TypeConfig: model.TypeConfig{Command: "true"}}, &CommandSource{}},
		{model.StreamingSource{Name: "t", SourceType: model.SourceTCP, TypeConfig: model.TypeConfig{Port: 0}}, &TCPSource{}},
		{model.StreamingSource{Name: "h", SourceType: model.SourceHTTP, TypeConfig: model.TypeConfig{Port: 0}}, &HTTPSource{}},
		{model.StreamingSource{Name: "s", SourceType: model.SourceStdin}, &StdinSource{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.src.SourceType), func(t *testing.T) {
			conn, err := New(tt.src)
			require.NoError(t, err)
			assert.IsType(t, tt.want, conn)
			assert.Equal(t, tt.src.Name, conn.Name())
			conn.Stop()
		})
	}
}

func TestNew_RejectsUnknownType(t *testing.T) {
	_, err := New(model.StreamingSource{SourceType: "carrier-pigeon"})
	assert.Error(t, err)
}
