package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/chatsupport/relay/internal/common"
	"github.com/chatsupport/relay/internal/config"
	"github.com/chatsupport/relay/internal/httpapi/handlers"
	"github.com/chatsupport/relay/internal/httpapi/middleware"
	"github.com/chatsupport/relay/internal/ws"
)

func NewRouter(cfg config.Config, h *handlers.Handler, realtime *ws.Server) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{cfg.CORSOrigin}
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost}
	r.Use(cors.New(corsCfg))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/", h.Health)
	r.GET("/messages/:sessionId", h.GetMessages)

	r.GET("/admin/messages", h.AdminMessages)
	r.GET("/admin/sessions", h.AdminSessions)

	r.GET("/ws", realtime.Handle)

	return r
}
