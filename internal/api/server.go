// Package api is the HTTP surface of the sync daemon.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"

	"trade-sync/internal/analytics"
	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/queue"
	"trade-sync/internal/report"
	"trade-sync/internal/storage"
	"trade-sync/internal/syncer"
	"trade-sync/internal/trace"
	"trade-sync/internal/types"
)

const (
	DefaultMaxReportBytes = 10 << 20
	defaultStreamInterval = 5 * time.Second
	writeWait             = 10 * time.Second
)

type Server struct {
	R        *gin.Engine
	importer *syncer.Importer
	svc      *syncer.Service
	store    interfaces.JournalStore

	maxReportBytes int64
	streamInterval time.Duration
	upgrader       websocket.Upgrader
}

type Option func(*Server)

// WithStreamInterval sets how often the health stream pushes a record.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func WithMaxReportBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxReportBytes = n
		}
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tradesResponse struct {
	Rows []types.StoredTrade `json:"rows"`
}

// healthView is a health record plus the connection state shown to users.
type healthView struct {
	types.HealthRecord
	Connection string `json:"connection"`
}

func viewOf(rec types.HealthRecord) healthView {
	return healthView{HealthRecord: rec, Connection: rec.ConnectionState()}
}

type syncFailure struct {
	apiError
	TaskID     string     `json:"task_id,omitempty"`
	Connection string     `json:"connection"`
	Health     healthView `json:"health"`
}

// NewServer wires the router and middleware.
func NewServer(importer *syncer.Importer, svc *syncer.Service, store interfaces.JournalStore, opts ...Option) *Server {
	g := gin.New()

	g.Use(func(c *gin.Context) {
		ctx, span := trace.StartSpan(c.Request.Context(), "http "+c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		logger.Info(ctx, "http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
	g.Use(gin.Recovery())

	s := &Server{
		R:              g,
		importer:       importer,
		svc:            svc,
		store:          store,
		maxReportBytes: DefaultMaxReportBytes,
		streamInterval: defaultStreamInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	v1 := g.Group("/v1")
	v1.POST("/users/:userID/imports", s.postImport)
	v1.GET("/users/:userID/trades", s.getTrades)
	v1.GET("/users/:userID/summary", s.getSummary)
	v1.POST("/users/:userID/trades/:tradeID/tags", s.postTag)
	v1.POST("/users/:userID/trades/:tradeID/notes", s.postNote)
	v1.POST("/users/:userID/accounts/:accountID/sync", s.postSync)
	v1.GET("/accounts", s.getAccounts)
	v1.GET("/accounts/:accountID/health", s.getHealth)
	v1.GET("/accounts/:accountID/health/stream", s.streamHealth)
	v1.DELETE("/accounts/:accountID/session", s.deleteSession)
	v1.GET("/queue/stats", s.getQueueStats)

	return s
}

// --- Helpers ---

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

func (s *Server) notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, apiError{Code: "not_found", Message: msg})
}

func (s *Server) internalError(c *gin.Context, where string, err error) {
	logger.ErrorWithErr(c.Request.Context(), "internal_error", err, "where", where)
	c.JSON(http.StatusInternalServerError, apiError{Code: "internal_server_error", Message: "internal server error"})
}

func parseTradeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("tradeID"), 10, 64)
	return id, err == nil && id > 0
}

// --- Handlers ---

func (s *Server) postImport(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	format, err := report.ParseFormat(c.Query("format"))
	if err != nil {
		s.badRequest(c, "format must be html or csv")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxReportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, apiError{Code: "report_too_large", Message: err.Error()})
			return
		}
		s.badRequest(c, "could not read report body")
		return
	}
	if len(body) == 0 {
		s.badRequest(c, "empty report")
		return
	}

	res, err := s.importer.Import(c.Request.Context(), userID, body, format)
	if err != nil {
		var perr *report.ParseError
		if errors.As(err, &perr) {
			c.JSON(http.StatusUnprocessableEntity, apiError{Code: "unparseable_report", Message: err.Error()})
			return
		}
		s.internalError(c, "Import", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getTrades(c *gin.Context) {
	rows, err := s.store.ListTrades(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.internalError(c, "ListTrades", err)
		return
	}
	if rows == nil {
		rows = []types.StoredTrade{}
	}
	c.JSON(http.StatusOK, tradesResponse{Rows: rows})
}

// getSummary aggregates the user's trades per symbol, as JSON or CSV.
func (s *Server) getSummary(c *gin.Context) {
	trades, err := s.store.ListTrades(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.internalError(c, "ListTrades", err)
		return
	}
	rows := analytics.Summarize(trades)

	switch c.DefaultQuery("format", "json") {
	case "json":
		if rows == nil {
			rows = []analytics.SymbolSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	case "csv":
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		if err := analytics.WriteCSV(c.Writer, rows); err != nil {
			logger.ErrorWithErr(c.Request.Context(), "Failed to write summary CSV", err)
		}
	default:
		s.badRequest(c, "format must be json or csv")
	}
}

func (s *Server) postTag(c *gin.Context) {
	tradeID, ok := parseTradeID(c)
	if !ok {
		s.badRequest(c, "invalid trade id")
		return
	}
	var req struct {
		Tag string `json:"tag" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Tag) == "" {
		s.badRequest(c, "tag is required")
		return
	}
	s.annotate(c, "AddTag", s.store.AddTag(c.Request.Context(), c.Param("userID"), tradeID, strings.TrimSpace(req.Tag)))
}

func (s *Server) postNote(c *gin.Context) {
	tradeID, ok := parseTradeID(c)
	if !ok {
		s.badRequest(c, "invalid trade id")
		return
	}
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		s.badRequest(c, "body is required")
		return
	}
	s.annotate(c, "AddNote", s.store.AddNote(c.Request.Context(), c.Param("userID"), tradeID, req.Body))
}

func (s *Server) annotate(c *gin.Context, where string, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, storage.ErrTradeNotFound):
		s.notFound(c, "trade not found")
	default:
		s.internalError(c, where, err)
	}
}

func (s *Server) postSync(c *gin.Context) {
	priority := 0
	if raw := c.Query("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			s.badRequest(c, "priority must be an integer")
			return
		}
		priority = p
	}

	out, err := s.svc.Sync(c.Request.Context(), c.Param("userID"), c.Param("accountID"), priority)
	if err != nil {
		status, code := http.StatusBadGateway, "sync_failed"
		if errors.Is(err, queue.ErrQueueClosed) {
			status, code = http.StatusServiceUnavailable, "shutting_down"
		}
		c.JSON(status, syncFailure{
			apiError:   apiError{Code: code, Message: err.Error()},
			TaskID:     out.TaskID,
			Connection: out.Connection,
			Health:     viewOf(out.Health),
		})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAccounts(c *gin.Context) {
	records := s.svc.AllHealth()
	views := make([]healthView, 0, len(records))
	for _, r := range records {
		views = append(views, viewOf(r))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.svc.Sessions(), "health": views})
}

func (s *Server) getHealth(c *gin.Context) {
	rec, ok := s.svc.Health(c.Param("accountID"))
	if !ok {
		s.notFound(c, "no health record for account")
		return
	}
	c.JSON(http.StatusOK, viewOf(rec))
}

func (s *Server) deleteSession(c *gin.Context) {
	s.svc.Release(c.Request.Context(), c.Param("accountID"))
	c.Status(http.StatusNoContent)
}

func (s *Server) getQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.QueueStats())
}
