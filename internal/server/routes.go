package server

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sheerbytes/uplink/internal/collection"
	"github.com/sheerbytes/uplink/internal/socket"
	"github.com/sheerbytes/uplink/internal/upload"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors.New(s.corsConfig()))

	r.GET("/health", s.handleHealth)
	r.POST("/collections", s.handleCreateCollection)
	r.GET("/collections/:code", s.handleGetCollection)
	r.GET("/upload", s.handleUpload)

	downloads := "/" + s.locator.Dir + "/:code/:name"
	r.GET(downloads, s.handleDownload)
	r.HEAD(downloads, s.handleDownload)
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if origins := s.cfg.AllowedOrigins(); origins != nil {
		cfg.AllowOrigins = origins
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions}
	cfg.ExposeHeaders = []string{"Content-Disposition", "Content-Length"}
	cfg.MaxAge = 12 * time.Hour
	return cfg
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", clientIP(c.Request),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

func sendError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, protocol.Error{Error: message})
}

func sendRejection(c *gin.Context, err error) {
	var rej *rejection
	if errors.As(err, &rej) {
		sendError(c, rej.status, rej.msg)
		return
	}
	sendError(c, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.Health{OK: true})
}

func (s *Server) handleCreateCollection(c *gin.Context) {
	if !s.ips.Allow(clientIP(c.Request)) {
		sendError(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	coll := s.store.Create()
	s.logger.Info("collection created", "code", coll.Code, "expires_at", coll.ExpiresAt)
	c.JSON(http.StatusCreated, protocol.CollectionCreated{
		Code:      coll.Code,
		ExpiresAt: coll.ExpiresAt,
	})
}

func (s *Server) handleGetCollection(c *gin.Context) {
	code := c.Param("code")
	if !collection.ValidExternalCode(code) {
		sendError(c, http.StatusNotFound, "unknown or expired code")
		return
	}
	status := protocol.CollectionStatus{Code: code}
	coll, ok := s.store.Get(code)
	switch {
	case ok && !coll.ExpiresAt.IsZero():
		expires := coll.ExpiresAt
		status.ExpiresAt = &expires
	case !ok && !s.cfg.OpenCodes:
		sendError(c, http.StatusNotFound, "unknown or expired code")
		return
	}
	status.Active = s.registry.List(code)
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleUpload(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		sendError(c, http.StatusBadRequest, "websocket upgrade required")
		return
	}
	if !s.ips.Allow(clientIP(c.Request)) {
		sendError(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !s.conns.Acquire() {
		sendError(c, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer s.conns.Release()

	size, err := strconv.ParseInt(c.Query("size"), 10, 64)
	if err != nil {
		sendError(c, http.StatusBadRequest, "invalid size")
		return
	}
	p, lease, err := s.admit(c.Query("code"), c.Query("name"), size, "ws")
	if err != nil {
		sendRejection(c, err)
		return
	}
	if !s.beginSession() {
		lease.Release()
		sendError(c, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.endSession()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		lease.Release()
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.runUpload(c.Request.Context(), p, lease, socket.NewWebSocket(conn, s.cfg.IdleTimeout), "ws")
}

func (s *Server) handleDownload(c *gin.Context) {
	code, name := c.Param("code"), c.Param("name")
	if !collection.ValidExternalCode(code) {
		sendError(c, http.StatusNotFound, "file not found")
		return
	}
	if clean, err := upload.CleanFileName(name); err != nil || clean != name {
		sendError(c, http.StatusNotFound, "file not found")
		return
	}
	if s.registry.Has(code, name) {
		sendError(c, http.StatusConflict, "upload in progress")
		return
	}

	f, err := s.fs.Open(s.storage.Path(code, name))
	if err != nil {
		sendError(c, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		sendError(c, http.StatusNotFound, "file not found")
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}
