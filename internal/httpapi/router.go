package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/chat"
	"github.com/owui/chatbot-server/internal/common"
	"github.com/owui/chatbot-server/internal/config"
	"github.com/owui/chatbot-server/internal/httpapi/handlers"
	"github.com/owui/chatbot-server/internal/httpapi/middleware"
	"github.com/owui/chatbot-server/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, notifier chat.Notifier, log zerolog.Logger) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: false,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, rds, notifier, log)

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// public widget API
	public := r.Group("/api/v1")
	public.Use(middleware.OptionalUser())
	public.GET("/chatbots", h.ListPublicChatbots)
	public.GET("/chatbots/:id", h.GetChatbotInfo)
	public.POST("/chat/messages", h.SendMessage)
	public.POST("/chat/end", h.EndSession)
	public.POST("/chat/unload", h.ReportUnload)
	public.GET("/chat/history", h.GetHistory)

	// admin API
	r.POST("/api/v1/admin/login", h.Login)
	admin := r.Group("/api/v1/admin")
	admin.Use(middleware.AuthRequired(cfg.JWTSecret))
	admin.POST("/chatbots", h.CreateChatbot)
	admin.GET("/chatbots", h.ListChatbots)
	admin.GET("/chatbots/:id", h.GetChatbot)
	admin.PUT("/chatbots/:id", h.UpdateChatbot)
	admin.DELETE("/chatbots/:id", h.DeleteChatbot)
	admin.GET("/conversations", h.ListConversations)
	admin.GET("/conversations/:id", h.GetTranscript)
	admin.DELETE("/conversations/:id", h.DeleteConversation)
	admin.GET("/contacts", h.ListContacts)
	admin.GET("/contacts/stats", h.ContactStats)
	admin.GET("/stats", h.DashboardStats)
	admin.GET("/models", h.ListModels)
	admin.GET("/security-events", h.ListSecurityEvents)

	return r
}
