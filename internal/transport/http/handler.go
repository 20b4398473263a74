package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/realtime-relay/internal/channel"
	"github.com/richardliu001/realtime-relay/internal/service"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// TenantHeader carries the tenant resolved by the upstream gateway.
const TenantHeader = "X-Tenant-ID"

// BatchPublisher runs one outbox batch.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, limit int) (service.BatchResult, error)
}

// Replayer reads a board's recent history.
type Replayer interface {
	Fetch(ctx context.Context, q service.ReplayQuery) ([]service.ReplayEvent, error)
}

type replayResponse struct {
	Events  []service.ReplayEvent `json:"events"`
	Channel string                `json:"channel"`
}

func RegisterHandlers(r *gin.Engine, pub BatchPublisher, rep Replayer, authToken string, log *zap.SugaredLogger) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := r.Group("/v1")
	{
		v1.POST("/outbox/publish", BearerAuthMiddleware(authToken), publishHandler(pub, log))
		v1.GET("/boards/:boardId/replay", replayHandler(rep, log))
	}
}

// publishHandler reads the body leniently: a missing or malformed body, or a
// non-numeric limit, runs a default-sized batch.
func publishHandler(pub BatchPublisher, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := service.DefaultBatchLimit
		if body, err := c.GetRawData(); err == nil && gjson.ValidBytes(body) {
			if v := gjson.GetBytes(body, "limit"); v.Type == gjson.Number {
				limit = clampFloatLimit(v.Float())
			}
		}
		res, err := pub.PublishBatch(c.Request.Context(), service.ClampLimit(limit))
		if err != nil {
			log.Errorw("publish batch", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "publish batch failed"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// clampFloatLimit bounds a JSON number before converting it, so values
// beyond the int range still land on the nearest bound.
func clampFloatLimit(f float64) int {
	switch {
	case f < 1:
		return 1
	case f > service.MaxBatchLimit:
		return service.MaxBatchLimit
	default:
		return int(f)
	}
}

func replayHandler(rep Replayer, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(TenantHeader)
		ch, err := channel.For(tenant)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + TenantHeader})
			return
		}
		q := service.ReplayQuery{TenantID: tenant, BoardID: c.Param("boardId")}
		if s := c.Query("since"); s != "" {
			since, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
				return
			}
			q.Since = &since
		}
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			q.Limit = n
		}

		events, err := rep.Fetch(c.Request.Context(), q)
		switch {
		case errors.Is(err, service.ErrReplayTenantRequired), errors.Is(err, service.ErrReplayBoardRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Errorw("replay", "tenant", tenant, "board", q.BoardID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
			return
		}
		if events == nil {
			events = []service.ReplayEvent{}
		}
		c.JSON(http.StatusOK, replayResponse{Events: events, Channel: ch})
	}
}
