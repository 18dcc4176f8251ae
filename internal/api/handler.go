package api

import (
	"net/http"
	"strconv"
	"time"

	"venuelink/internal/events"
	"venuelink/internal/ratelimit"
	"venuelink/internal/session"
	"venuelink/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server exposes the read-only ops surface: session state, subscriptions,
// journaled orders and fills, limiter pressure.
type Server struct {
	Router    *gin.Engine
	Session   *session.Session
	Bus       *events.Bus
	Limiter   *ratelimit.Limiter
	DB        *db.Database
	JWTSecret string
	AccessKey string
	Version   string
}

func NewServer(sess *session.Session, bus *events.Bus, limiter *ratelimit.Limiter,
	database *db.Database, jwtSecret, accessKey, version string) *Server {
	r := gin.New()

	// Middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Session:   sess,
		Bus:       bus,
		Limiter:   limiter,
		DB:        database,
		JWTSecret: jwtSecret,
		AccessKey: accessKey,
		Version:   version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/session", s.getSession)
			protected.GET("/subscriptions", s.getSubscriptions)
			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:ref/fills", s.getFills)
			protected.GET("/limiter", s.getLimiter)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.Version})
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":           string(s.Session.State()),
		"primary_account": s.Session.PrimaryAccount(),
		"server_time":     s.Session.ServerTime().UTC().Format(time.RFC3339),
		"dropped_events":  s.Bus.Dropped(),
	})
}

func (s *Server) getSubscriptions(c *gin.Context) {
	subs := s.Session.Market.Subscriptions()
	c.JSON(http.StatusOK, gin.H{
		"count":       len(subs),
		"instruments": subs,
	})
}

func (s *Server) getOrders(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	orders, err := s.DB.ListOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getFills(c *gin.Context) {
	fills, err := s.DB.ListFills(c.Request.Context(), c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) getLimiter(c *gin.Context) {
	used, limit, waiting := s.Limiter.Usage()
	c.JSON(http.StatusOK, gin.H{
		"used":    used,
		"limit":   limit,
		"waiting": waiting,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
