package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"spyglass/internal/market"
	"spyglass/internal/news"
	"spyglass/internal/queue"
	"spyglass/internal/workers"
	"spyglass/pkg/cache"
	"spyglass/pkg/logging"
)

// DashboardStore is the read side of the store the API serves from.
type DashboardStore interface {
	RecentNews(ctx context.Context, limit int) ([]news.Item, error)
	RecentAnomalies(ctx context.Context, limit int) ([]market.Anomaly, error)
	PriceHistory(ctx context.Context, instrument string, limit int) ([]market.PriceSnapshot, error)
	PendingOrStuck(ctx context.Context, limit int) ([]news.Item, error)
}

// Handlers serves the dashboard JSON API.
type Handlers struct {
	store  DashboardStore
	queues *queue.Queues
	// reads is a short-TTL cache in front of the store so a dashboard
	// refresh storm does not hammer Postgres.
	reads  *cache.Cache
	logger logging.Logger
}

func New(store DashboardStore, queues *queue.Queues, logger logging.Logger) *Handlers {
	return &Handlers{
		store:  store,
		queues: queues,
		reads:  cache.New(cache.Options{TTL: 5 * time.Second, MaxEntries: 64}),
		logger: logger,
	}
}

// RegisterRoutes attaches the API endpoints to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/news/recent", h.RecentNews)
		api.GET("/anomalies/recent", h.RecentAnomalies)
		api.GET("/prices/:instrument", h.PriceHistory)
		api.GET("/queues", h.QueueDepths)
		api.POST("/requeue", h.Requeue)
	}
}

func limitParam(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// RecentNews returns the latest tracked headlines.
func (h *Handlers) RecentNews(c *gin.Context) {
	limit := limitParam(c, 50, 200)
	key := "news:" + strconv.Itoa(limit)
	items, ok, err := h.reads.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		items, err := h.store.RecentNews(ctx, limit)
		return items, err == nil, err
	})
	if err != nil || !ok {
		h.logger.WithError(err).Error("Failed to load recent news")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load news"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"news": items.([]news.Item)})
}

// RecentAnomalies returns the latest detected anomalies.
func (h *Handlers) RecentAnomalies(c *gin.Context) {
	limit := limitParam(c, 20, 100)
	key := "anomalies:" + strconv.Itoa(limit)
	anomalies, ok, err := h.reads.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		anomalies, err := h.store.RecentAnomalies(ctx, limit)
		return anomalies, err == nil, err
	})
	if err != nil || !ok {
		h.logger.WithError(err).Error("Failed to load recent anomalies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load anomalies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies.([]market.Anomaly)})
}

// PriceHistory returns recent snapshots for one instrument.
func (h *Handlers) PriceHistory(c *gin.Context) {
	instrument := c.Param("instrument")
	limit := limitParam(c, 60, 500)
	snaps, err := h.store.PriceHistory(c.Request.Context(), instrument, limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load price history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load prices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "prices": snaps})
}

// QueueDepths reports the current depth of each work queue.
func (h *Handlers) QueueDepths(c *gin.Context) {
	depths := make(map[string]int64, 2)
	for _, name := range []string{queue.Relevance, queue.Extraction} {
		n, err := h.queues.Len(c.Request.Context(), name)
		if err != nil {
			h.logger.WithError(err).Error("Failed to measure queue depth")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to measure queues"})
			return
		}
		depths[name] = n
	}
	c.JSON(http.StatusOK, gin.H{"queues": depths})
}

// Requeue re-enqueues every non-terminal headline, same routing as the
// recovery scanner, and reports how many tasks were pushed.
func (h *Handlers) Requeue(c *gin.Context) {
	ctx := c.Request.Context()
	items, err := h.store.PendingOrStuck(ctx, 500)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list stuck headlines")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck items"})
		return
	}

	requeued := 0
	for _, item := range items {
		target := workers.RouteForStatus(item.Status)
		if target == "" {
			continue
		}
		if err := h.queues.Push(ctx, target, queue.Task{Title: item.Title}); err != nil {
			h.logger.WithError(err).WithFields(logging.Fields{"hash": item.Hash}).
				Warn("Failed to requeue headline")
			continue
		}
		requeued++
	}
	c.JSON(http.StatusOK, gin.H{"requeued": requeued, "stuck": len(items)})
}
