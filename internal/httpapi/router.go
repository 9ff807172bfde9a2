package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/common"
	"github.com/suPer8Hu/healthsphere/internal/httpapi/handlers"
	"github.com/suPer8Hu/healthsphere/internal/httpapi/middleware"
	"github.com/suPer8Hu/healthsphere/internal/metrics"
)

func NewRouter(d handlers.Deps) *gin.Engine {
	cfg := d.Cfg
	log := d.Log

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.MaxMultipartMemory = 8 << 20
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log.Named("access")))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(d)

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	optional := middleware.OptionalAuth(cfg.JWTSecret)
	required := middleware.AuthRequired(cfg.JWTSecret)

	// auth
	r.POST("/login", h.Login)
	authGroup := r.Group("/")
	authGroup.Use(required)
	authGroup.GET("/me", h.Me)
	authGroup.DELETE("/auth/profile/report", h.DeleteReport)

	// report pipeline
	reports := r.Group("/report")
	reports.POST("/upload", optional, h.UploadReport)
	reports.POST("/process", required, h.ProcessReport)
	reports.GET("/user/:userId", required, h.GetReport)

	// assistant
	limiter := middleware.NewRateLimiter(cfg.ChatRateLimitRPS, cfg.ChatRateLimitBurst, log)
	bot := r.Group("/chatbot")
	bot.POST("/query", optional, limiter.Handler(), h.ChatQuery)
	bot.GET("/status", optional, h.ChatStatus)
	bot.GET("/history", required, h.ChatHistory)
	return r
}
