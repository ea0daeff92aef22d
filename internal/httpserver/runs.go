package httpserver

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/sift/internal/model"
)

// runBody is the run request accepted by the HTTP and WebSocket surfaces.
type runBody struct {
	Content     string             `json:"content,omitempty"`
	Lines       []string           `json:"lines,omitempty"`
	SourceID    string             `json:"source_id,omitempty"`
	FileName    string             `json:"file_name,omitempty"`
	Parser      model.ParserConfig `json:"parser,omitempty"`
	Provider    string             `json:"provider,omitempty"`
	Model       string             `json:"model,omitempty"`
	LevelFilter string             `json:"level_filter,omitempty"`
	Timeout     model.Duration     `json:"timeout,omitempty"`
	Options     map[string]string  `json:"options,omitempty"`
}

var errNoInput = errors.New("one of content, lines, file or source_id is required")

// request converts the body into a run request. A body with only a source
// id analyzes that source's recent lines.
func (b runBody) request() (model.RunRequest, error) {
	if b.Content == "" && len(b.Lines) == 0 && b.SourceID == "" {
		return model.RunRequest{}, errNoInput
	}
	origin := model.Origin{Kind: model.OriginFileUpload, FileName: b.FileName}
	if b.SourceID != "" && b.Content == "" && len(b.Lines) == 0 {
		origin = model.Origin{Kind: model.OriginStreamTrigger, SourceID: b.SourceID}
	}
	return model.RunRequest{
		Origin:      origin,
		Content:     b.Content,
		Lines:       b.Lines,
		Parser:      b.Parser,
		Provider:    b.Provider,
		Model:       b.Model,
		LevelFilter: b.LevelFilter,
		Timeout:     b.Timeout,
		Options:     b.Options,
	}, nil
}

// paramsFrom fills run parameters from form or query values.
func paramsFrom(get func(string) string) (runBody, error) {
	b := runBody{
		SourceID:    get("source_id"),
		FileName:    get("file_name"),
		Provider:    get("provider"),
		Model:       get("model"),
		LevelFilter: get("level_filter"),
		Parser:      model.ParserConfig{Format: get("format")},
	}
	if t := get("timeout"); t != "" {
		if err := b.Timeout.UnmarshalText([]byte(t)); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (s *Server) handleStartRun(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)

	var body runBody
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var err error
		if body, err = paramsFrom(c.PostForm); err != nil {
			badRequest(c, err.Error())
			return
		}
		fh, err := c.FormFile("file")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			badRequest(c, "invalid upload: "+err.Error())
			return
		}
		if fh != nil {
			f, err := fh.Open()
			if err != nil {
				badRequest(c, "invalid upload: "+err.Error())
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				badRequest(c, "read upload: "+err.Error())
				return
			}
			body.Content = string(data)
			if body.FileName == "" {
				body.FileName = fh.Filename
			}
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid run body: "+err.Error())
		return
	}

	req, err := body.request()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	id, err := s.ctrl.StartRun(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     id,
		"events_url": "/api/runs/" + id + "/events",
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.ctrl.GetRun(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if err := s.ctrl.Cancel(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("id"), "cancel_requested": true})
}

// handleRunEvents streams a run's events as server-sent events named after
// the event type. The stream ends after the terminal event.
func (s *Server) handleRunEvents(c *gin.Context) {
	events, err := s.ctrl.Subscribe(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	startStream(c)
	for ev := range events {
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
	}
}

// startStream writes the event-stream headers and lifts the server's write
// deadline, which would otherwise cut long streams.
func startStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Printf("httpserver: clear write deadline: %v", err)
	}
	c.Status(http.StatusOK)
	c.Writer.Flush()
}
