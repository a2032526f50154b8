package apiv1

import (
	"context"
	"net/http"

	"github.com/beam-cloud/handoff/pkg/common"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Pinger is anything whose connectivity the health check verifies
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthGroup struct {
	routerGroup *echo.Group
	redisClient *common.RedisClient
	backend     Pinger
}

func NewHealthGroup(g *echo.Group, rdb *common.RedisClient, backend Pinger) *HealthGroup {
	group := &HealthGroup{routerGroup: g, redisClient: rdb, backend: backend}

	g.GET("", group.HealthCheck)

	return group
}

func (h *HealthGroup) HealthCheck(c echo.Context) error {
	ctx := c.Request().Context()

	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("health check failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"status": "not ok",
				"error":  err.Error(),
			})
		}
	}

	if h.backend != nil {
		if err := h.backend.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"status": "not ok",
				"error":  err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}
