package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for the service
type MetricsCollector struct {
	serviceName string

	// Standard HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a new metrics collector for the service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Sanitize service name for Prometheus (replace hyphens with underscores)
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName: sanitizedServiceName,
		registry:    prometheus.NewRegistry(),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	mc.registry.MustRegister(mc.httpRequestsTotal)
	mc.registry.MustRegister(mc.httpRequestDuration)
	mc.registry.MustRegister(mc.serviceInfo)

	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// PipelineMetrics holds counters for the headline processing pipeline
type PipelineMetrics struct {
	HeadlinesIngested   prometheus.Counter
	HeadlinesClassified *prometheus.CounterVec // labels: result (relevant|ignored)
	EventsExtracted     prometheus.Counter
	ItemsRequeued       prometheus.Counter
	QueueDepth          *prometheus.GaugeVec // labels: queue
}

// CreatePipelineMetrics creates and registers pipeline metrics
func (mc *MetricsCollector) CreatePipelineMetrics() *PipelineMetrics {
	pm := &PipelineMetrics{
		HeadlinesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: mc.serviceName + "_headlines_ingested_total",
			Help: "Total number of new headlines registered",
		}),
		HeadlinesClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: mc.serviceName + "_headlines_classified_total",
			Help: "Total number of headlines classified, by result",
		}, []string{"result"}),
		EventsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: mc.serviceName + "_events_extracted_total",
			Help: "Total number of headlines run through event extraction",
		}),
		ItemsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: mc.serviceName + "_items_requeued_total",
			Help: "Total number of stuck items re-enqueued by the recovery scanner",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: mc.serviceName + "_queue_depth",
			Help: "Current depth of a work queue",
		}, []string{"queue"}),
	}
	mc.registry.MustRegister(pm.HeadlinesIngested, pm.HeadlinesClassified, pm.EventsExtracted, pm.ItemsRequeued, pm.QueueDepth)
	return pm
}

// MarketMetrics holds counters for anomaly detection and alerting
type MarketMetrics struct {
	SnapshotsRecorded prometheus.Counter
	AnomaliesDetected *prometheus.CounterVec // labels: instrument, level
	AlertsSent        prometheus.Counter
	AlertsDeduped     prometheus.Counter
}

// CreateMarketMetrics creates and registers market metrics
func (mc *MetricsCollector) CreateMarketMetrics() *MarketMetrics {
	mm := &MarketMetrics{
		SnapshotsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: mc.serviceName + "_price_snapshots_total",
			Help: "Total number of price snapshots recorded",
		}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: mc.serviceName + "_anomalies_detected_total",
			Help: "Total number of anomalies detected, by instrument and severity level",
		}, []string{"instrument", "level"}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: mc.serviceName + "_alerts_sent_total",
			Help: "Total number of alerts delivered",
		}),
		AlertsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: mc.serviceName + "_alerts_deduped_total",
			Help: "Total number of alerts suppressed by deduplication",
		}),
	}
	mc.registry.MustRegister(mm.SnapshotsRecorded, mm.AnomaliesDetected, mm.AlertsSent, mm.AlertsDeduped)
	return mm
}

// InferenceMetrics holds observability for external inference calls
type InferenceMetrics struct {
	Calls    *prometheus.CounterVec // labels: operation, outcome
	Duration *prometheus.HistogramVec
}

// CreateInferenceMetrics creates and registers inference metrics
func (mc *MetricsCollector) CreateInferenceMetrics() *InferenceMetrics {
	im := &InferenceMetrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: mc.serviceName + "_inference_calls_total",
			Help: "Total number of inference service calls, by operation and outcome",
		}, []string{"operation", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    mc.serviceName + "_inference_call_duration_seconds",
			Help:    "Inference call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	mc.registry.MustRegister(im.Calls, im.Duration)
	return im
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
