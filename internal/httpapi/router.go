package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/seangpt/chatstream/internal/common"
	"github.com/seangpt/chatstream/internal/config"
	"github.com/seangpt/chatstream/internal/httpapi/handlers"
	"github.com/seangpt/chatstream/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Chat-ID", "Idempotency-Key"},
		ExposeHeaders:    []string{"X-Request-ID"},
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/ping", h.Ping)

	// users register + auth
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	// inbound SMS webhook (provider-signed, no JWT)
	r.POST("/twilio", h.TwilioWebhook)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// chat CRUD (chat id travels in the X-Chat-ID header)
	authGroup.POST("/chat", h.CreateChat)
	authGroup.GET("/chat", h.ListChats)
	authGroup.PUT("/chat", h.RenameChat)
	authGroup.DELETE("/chat", h.DeleteChat)

	// messages
	authGroup.POST("/chat/message", h.CreateMessage)
	authGroup.GET("/chat/message", h.GetMessage)
	authGroup.GET("/chat/message/len", h.GetMessageLen)

	// streaming + async generation
	authGroup.POST("/chat/message/next", h.NextMessage)
	authGroup.POST("/chat/generate", h.GenerateAsync)
	authGroup.GET("/chat/generate/:job_id", h.GetGenerateJob)

	return r
}
