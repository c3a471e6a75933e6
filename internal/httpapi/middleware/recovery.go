package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatsupport/relay/internal/common"
)

// Recovery keeps a handler panic from taking the process down: log it,
// answer 500, keep serving other connections.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic recovered path=%s err=%v", c.Request.URL.Path, rec)
				c.Abort()
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}
