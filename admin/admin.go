// Package admin exposes a local debug surface over plain HTTP: recent log
// lines, service statistics and system utilization. It is meant for the LAN
// maintenance port, not for the ONVIF endpoints.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/platform"
	"github.com/SridarDhandapani/onvifd/server"
	"github.com/SridarDhandapani/onvifd/service"
)

// StatsSource reports server-wide counters; satisfied by the HTTP server.
type StatsSource interface {
	Stats() server.Counters
}

// Options wires the admin surface to the rest of the process.
type Options struct {
	Ring     *LogRing
	SysInfo  *platform.SysInfo
	Handlers []*service.Handler
	Server   StatsSource
}

// NewRouter builds the gin engine serving the admin endpoints.
func NewRouter(opts Options, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginLogger(log.With().Str("component", "admin").Logger()), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime_ms": platform.Uptime().Milliseconds(),
		})
	})

	r.GET("/logs", func(c *gin.Context) {
		if opts.Ring == nil {
			c.String(http.StatusServiceUnavailable, "log buffer not enabled")
			return
		}
		n, _ := strconv.Atoi(c.DefaultQuery("tail", "0"))
		c.JSON(http.StatusOK, gin.H{"lines": opts.Ring.Tail(n)})
	})

	r.GET("/stats", func(c *gin.Context) {
		out := gin.H{}
		if opts.Server != nil {
			out["server"] = opts.Server.Stats()
		}
		services := gin.H{}
		for _, h := range opts.Handlers {
			services[h.Service().String()] = h.SnapshotStats()
		}
		out["services"] = services
		c.JSON(http.StatusOK, out)
	})

	r.GET("/utilization", func(c *gin.Context) {
		if opts.SysInfo == nil {
			c.String(http.StatusServiceUnavailable, "system stats not available")
			return
		}
		stats, err := opts.SysInfo.Sample()
		if err != nil {
			c.String(http.StatusInternalServerError, "sampling failed")
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	return r
}

func ginLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("admin request")
	}
}

// Serve runs the admin server on addr until the listener fails.
func Serve(addr string, engine *gin.Engine, log zerolog.Logger) error {
	log.Info().Str("addr", addr).Msg("admin server listening")
	return engine.Run(addr)
}
