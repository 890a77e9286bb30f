// Package server exposes a tagger over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	seqlabel "github.com/famasya/neural-sequence-labeling"
	"github.com/famasya/neural-sequence-labeling/internal/htmlutil"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Tagger is the model behind the service.
type Tagger interface {
	Inference(sentence string) ([]seqlabel.TaggedToken, error)
	Labels() []string
	Language() string
}

// TagRequest is the body of POST /v1/tag. Exactly one of Text and HTML is set.
type TagRequest struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

// Sentence is one tagged block of an HTML request.
type Sentence struct {
	Text   string                 `json:"text"`
	Tokens []seqlabel.TaggedToken `json:"tokens"`
}

// TagResponse answers POST /v1/tag.
type TagResponse struct {
	RequestID string                 `json:"request_id"`
	Tokens    []seqlabel.TaggedToken `json:"tokens,omitempty"`
	Sentences []Sentence             `json:"sentences,omitempty"`
}

type errorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server routes tagging requests to a Tagger.
type Server struct {
	tagger  Tagger
	log     *zap.Logger
	metrics *metrics.Metrics
	engine  *gin.Engine
}

// New builds the routes for t.
func New(t Tagger, opts ...Option) *Server {
	s := &Server{tagger: t, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID, s.observe)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	v1 := r.Group("/v1")
	v1.GET("/labels", s.labels)
	v1.POST("/tag", s.tag)
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("Serving", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(RequestIDHeader, id)
	c.Next()
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	took := time.Since(start)

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.Request(path, strconv.Itoa(status), took)

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Duration("took", took),
		zap.String("request_id", c.GetString("request_id")),
	}
	switch {
	case status >= 500:
		s.log.Error("Request failed", fields...)
	case status >= 400:
		s.log.Warn("Request rejected", fields...)
	default:
		s.log.Debug("Request served", fields...)
	}
}

func (s *Server) fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{RequestID: c.GetString("request_id"), Error: msg})
}

func (s *Server) labels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"language": s.tagger.Language(),
		"labels":   s.tagger.Labels(),
	})
}

func (s *Server) tag(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
	var req TagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	hasText, hasHTML := strings.TrimSpace(req.Text) != "", strings.TrimSpace(req.HTML) != ""
	if hasText == hasHTML {
		s.fail(c, http.StatusBadRequest, "exactly one of text and html is required")
		return
	}

	resp := TagResponse{RequestID: c.GetString("request_id")}
	tagged := 0
	if hasText {
		tokens, err := s.tagger.Inference(req.Text)
		if err != nil {
			s.fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Tokens = tokens
		tagged = len(tokens)
	} else {
		doc, err := htmlutil.LoadHTMLString(req.HTML)
		if err != nil {
			s.fail(c, http.StatusBadRequest, "invalid html: "+err.Error())
			return
		}
		resp.Sentences = []Sentence{}
		for _, block := range htmlutil.TextBlocks(doc) {
			tokens, err := s.tagger.Inference(block)
			if err != nil {
				s.fail(c, http.StatusInternalServerError, err.Error())
				return
			}
			resp.Sentences = append(resp.Sentences, Sentence{Text: block, Tokens: tokens})
			tagged += len(tokens)
		}
	}
	s.metrics.Tagged(tagged)
	c.JSON(http.StatusOK, resp)
}
