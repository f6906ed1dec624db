package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabSync/backend/internal/doccache"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/registry"
)

type Deps struct {
	Registry  *registry.Registry
	Cache     *doccache.Cache
	Documents *handlers.Documents
	// 网络通道是否已连上，healthz 里展示
	NetworkUp func() bool
}

// NewEngine 本地代理的调试/管理接口
func NewEngine(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		resp := gin.H{"ok": true, "sessions": d.Registry.Len()}
		if d.NetworkUp != nil {
			resp["network"] = d.NetworkUp()
		}
		c.JSON(http.StatusOK, resp)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	debug := r.Group("/debug")
	debug.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": d.Registry.Snapshot(),
			"defects":  d.Registry.Defects(),
		})
	})
	if d.Cache != nil {
		debug.GET("/cache", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"keys": d.Cache.Keys()})
		})
		debug.DELETE("/cache/*key", func(c *gin.Context) {
			key := c.Param("key")
			if len(key) > 0 && key[0] == '/' {
				key = key[1:]
			}
			c.JSON(http.StatusOK, gin.H{"evicted": d.Cache.Evict(key)})
		})
	}

	if d.Documents != nil {
		d.Documents.Register(r.Group("/documents"))
	}
	return r
}
