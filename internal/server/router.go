package server

import (
	"net/http"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/metrics"
	"chathub/internal/mw"
	"chathub/internal/service"
	"chathub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, hub *ws.Hub, msgSvc *service.MessageService, partSvc *service.ParticipantService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:id", h.GetRoom)
	authed.POST("/rooms/:id/join", h.JoinRoom)
	authed.POST("/rooms/:id/leave", h.LeaveRoom)
	authed.POST("/rooms/:id/close", h.CloseRoom)
	authed.DELETE("/rooms/:id", h.DeleteRoom)
	authed.GET("/rooms/:id/participants", h.ListParticipants)
	authed.POST("/rooms/:id/ban", h.BanParticipant)
	authed.POST("/rooms/:id/unban", h.UnbanParticipant)
	authed.PUT("/rooms/:id/prefs", h.UpdatePrefs)
	authed.POST("/rooms/:id/read", h.MarkRead)

	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/rooms/:id/messages", h.AppendMessage)
	authed.PUT("/rooms/:id/messages/:seq", h.EditMessage)
	authed.DELETE("/rooms/:id/messages/:seq", h.DeleteMessage)
	authed.POST("/rooms/:id/messages/:seq/pin", h.PinMessage)
	authed.POST("/rooms/:id/messages/:seq/reactions", h.ReactMessage)

	r.GET("/ws", ws.Serve(hub, db, cfg, msgSvc, partSvc))

	return r
}
