package server

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatsPasswordHeader carries the stats password on requests to /stats.
const StatsPasswordHeader = "X-Stats-Password"

// statsPenalty delays the response to a wrong stats password.
var statsPenalty = 5 * time.Second

// Handler builds the HTTP handler serving the relay and its operational endpoints.
func (srv *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), srv.requestLogger(), srv.cors())

	r.GET("/ws", srv.handleWebsocket)
	r.GET("/health", srv.handleHealth)
	r.GET("/stats", srv.handleStats)
	if srv.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srv.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (srv *Server) cors() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(srv.AllowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = srv.AllowedOrigins
	}
	cfg.AddAllowHeaders(StatsPasswordHeader)
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}

// requestLogger logs every request except websocket upgrades, which log for themselves.
func (srv *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		srv.Log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"remote":  c.ClientIP(),
		}).Debug("HTTP request")
	}
}

// checkOrigin allows non-browser clients, and browsers from an allowed origin.
func (srv *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(srv.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range srv.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

func (srv *Server) handleWebsocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     srv.checkOrigin,
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srv.Log.WithError(err).WithField("remote", c.ClientIP()).Warn("Websocket upgrade failed")
		return
	}

	client := newClient(uuid.NewString(), ws, srv)
	if err := srv.Relay.Connect(client.ID, client); err != nil {
		client.log.WithError(err).Warn("Cannot attach client to relay")
		ws.Close()
		return
	}
	client.log.Info("Client connected")
	client.start()
}

func (srv *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (srv *Server) handleStats(c *gin.Context) {
	if srv.StatsPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "stats are disabled"})
		return
	}
	password := c.GetHeader(StatsPasswordHeader)
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		srv.Log.WithField("remote", c.ClientIP()).Warn("Wrong stats password")
		select {
		case <-time.After(statsPenalty):
		case <-c.Request.Context().Done():
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password"})
		return
	}

	stats, err := srv.Relay.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
