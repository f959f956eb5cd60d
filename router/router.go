package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wq_miner/api"
	"wq_miner/internal/auth"
)

func SetRouter(h *api.Handler, token string, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	wqMiner := r.Group("/wq_miner")
	//对所有请求使用 API 密钥认证
	wqMiner.Use(auth.APIKeyAuthMiddleware(token))
	wqMiner.GET("/hello", api.Hello)

	processGroup := wqMiner.Group("/process")
	processGroup.POST("/start", h.StartProcess)
	processGroup.POST("/stop", h.StopProcess)
	processGroup.POST("/delete", h.DeleteProcess)
	processGroup.GET("/status", h.ProcessStatus)
	processGroup.GET("/list", h.ListProcess)
	processGroup.GET("/log", h.ProcessLog)

	alphaGroup := wqMiner.Group("/alpha")
	alphaGroup.GET("/pending", h.PendingAlphas)

	if metrics != nil {
		wqMiner.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}
