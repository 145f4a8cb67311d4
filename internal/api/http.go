package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/fleet-assistant/internal/utils"
)

// NewRouter builds the HTTP surface over the assistant.
func NewRouter(assistant Assistant, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.GET("/catalog", catalogHandler(assistant))
	v1.GET("/environments", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"environments": assistant.Environments()})
	})

	sessions := v1.Group("/sessions/:session")
	sessions.POST("/ask", askHTTPHandler(assistant))
	sessions.GET("/overview", overviewHTTPHandler(assistant))
	sessions.POST("/refresh", refreshHandler(assistant))
	sessions.GET("/transcript", transcriptHandler(assistant))
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func catalogHandler(assistant Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		type table struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Columns     []string `json:"columns"`
			LogBearing  bool     `json:"log_bearing,omitempty"`
		}
		specs := assistant.Catalog()
		out := make([]table, 0, len(specs))
		for _, spec := range specs {
			out = append(out, table{
				Name:        string(spec.Name),
				Description: spec.Description,
				Columns:     spec.Columns,
				LogBearing:  spec.LogBearing,
			})
		}
		c.JSON(http.StatusOK, gin.H{"tables": out})
	}
}

func askHTTPHandler(assistant Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body askEnvelope
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
		turn, err := assistant.Ask(c.Request.Context(), c.Param("session"), body.options())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, turn)
	}
}

func overviewHTTPHandler(assistant Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		overview, err := assistant.Overview(c.Request.Context(), c.Param("session"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, overview)
	}
}

func refreshHandler(assistant Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Environments []string `json:"environments"`
		}
		// An empty body, chunked or not, refreshes the current selection.
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
				return
			}
		}
		res, err := assistant.Refresh(c.Request.Context(), c.Param("session"), body.Environments)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func transcriptHandler(assistant Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := c.Param("session")
		switch format := strings.ToLower(c.DefaultQuery("format", "json")); format {
		case "json":
			data, err := assistant.ExportJSON(c.Request.Context(), session)
			if err != nil {
				writeError(c, err)
				return
			}
			c.Data(http.StatusOK, "application/json; charset=utf-8", data)
		case "csv":
			data, err := assistant.ExportCSV(c.Request.Context(), session)
			if err != nil {
				writeError(c, err)
				return
			}
			c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", session+".csv"))
			c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported format %q", format)})
		}
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

func httpStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch utils.KindOf(err) {
	case utils.KindInvalidInput:
		return http.StatusBadRequest
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPServer runs the Gin router until Shutdown.
type HTTPServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewHTTPServer wraps handler in an http.Server bound to addr.
func NewHTTPServer(addr string, handler http.Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving requests. A clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.logger.Info("http server listening", slog.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
