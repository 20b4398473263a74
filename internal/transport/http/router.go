package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/realtime-relay/internal/config"
	"go.uber.org/zap"
)

func NewRouter(pub BatchPublisher, rep Replayer, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, pub, rep, cfg.Publisher.AuthToken, log)
	return r
}
