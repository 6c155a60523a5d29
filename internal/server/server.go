package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/menta2k/detection-server/pkg/detection"
	"github.com/menta2k/detection-server/pkg/types"
)

// RequestIDHeader carries the id used to correlate logs of a request
const RequestIDHeader = "X-Request-ID"

// Options configures the HTTP layer
type Options struct {
	DefaultConf  float64
	DefaultImgsz int
	MaxBodyBytes int64
}

// Server exposes the detector over HTTP
type Server struct {
	detector *detection.Detector
	loader   *detection.Loader
	opts     Options
}

// New creates a new server
func New(detector *detection.Detector, loader *detection.Loader, opts Options) *Server {
	if opts.DefaultConf == 0 {
		opts.DefaultConf = detection.DefaultConf
	}
	if opts.DefaultImgsz == 0 {
		opts.DefaultImgsz = detection.DefaultImgsz
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 15 << 20
	}
	return &Server{detector: detector, loader: loader, opts: opts}
}

// Router builds the gin engine with all routes
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(), cors())

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.POST("/detect", bodyLimit(s.opts.MaxBodyBytes), s.handleDetect)
	// preflight is answered by the cors middleware
	router.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	return router
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Welcome to the Detection API!"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model_loaded": s.loader.Loaded()})
}

func (s *Server) handleDetect(c *gin.Context) {
	req := types.DetectRequest{Conf: s.opts.DefaultConf, Imgsz: s.opts.DefaultImgsz}
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			abort(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		abort(c, http.StatusUnprocessableEntity, "invalid request: "+err.Error())
		return
	}

	resp, err := s.detector.Detect(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.WithField("request_id", c.GetString(RequestIDHeader)).Errorf("[Detect] %v", err)
		}
		abort(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, resp)
}

// statusFor maps detection errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrMalformedImage):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, types.ErrorResponse{Error: msg})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": c.GetString(RequestIDHeader),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
			"client":     c.ClientIP(),
		}).Info("[HTTP] Request handled")
	}
}

// cors allows every origin, method and header
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Expose-Headers", RequestIDHeader)
		if reqHeaders := c.GetHeader("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			h.Set("Access-Control-Allow-Headers", "*")
		}
		if origin != "*" {
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
