package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enron_ingest"

// Metrics 导入流水线监控指标
//
// 使用独立的注册表，同一进程（测试）中可以创建多个实例。
type Metrics struct {
	registry *prometheus.Registry

	// 输入与单元
	InputsTotal   *prometheus.CounterVec // result: completed, skipped, failed
	UnitsTotal    *prometheus.CounterVec // outcome: committed, failed
	FailureTotal  *prometheus.CounterVec // kind: 错误分类
	UnitDuration  prometheus.Histogram
	UnitsInFlight prometheus.Gauge

	// 附件
	AttachmentsTotal *prometheus.CounterVec // result: stored, deduplicated, too_large, failed, missing
	AttachmentSize   prometheus.Histogram
	LinksTotal       prometheus.Counter

	// 关联
	EmailsTotal     *prometheus.CounterVec // match: matched, unmatched
	LinkageDuration prometheus.Histogram

	// 批次
	BatchesTotal  *prometheus.CounterVec // result: committed, failed
	BatchDuration prometheus.Histogram
	BatchSize     prometheus.Histogram

	// 数据库
	SlowQueriesTotal prometheus.Counter

	// HTTP（运维端点）
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter
}

// NewMetrics 创建监控指标并注册到独立注册表
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		InputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inputs_total",
			Help:      "Input files seen, by result",
		}, []string{"result"}),

		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Units reaching a terminal state, by outcome",
		}, []string{"outcome"}),

		FailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Unit and attachment failures, by kind",
		}, []string{"kind"}),

		UnitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time from parse to linked for a unit",
			Buckets:   prometheus.DefBuckets,
		}),

		UnitsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_in_flight",
			Help:      "Units currently being processed by workers",
		}),

		AttachmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_total",
			Help:      "Attachments processed, by result",
		}, []string{"result"}),

		AttachmentSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attachment_size_bytes",
			Help:      "Attachment payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		LinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_created_total",
			Help:      "Message-attachment links inserted",
		}),

		EmailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_total",
			Help:      "Emails with attachments, by linkage result",
		}, []string{"match"}),

		LinkageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "linkage_duration_seconds",
			Help:      "Candidate lookup latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Relational batches, by result",
		}, []string{"result"}),

		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Relational batch commit latency",
			Buckets:   prometheus.DefBuckets,
		}),

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_units",
			Help:      "Units per relational batch",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),

		SlowQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_queries_total",
			Help:      "Database queries exceeding the slow query threshold",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests to the ops endpoints",
		}, []string{"method", "endpoint", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		PanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Recovered panics in workers and handlers",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.InputsTotal,
		m.UnitsTotal,
		m.FailureTotal,
		m.UnitDuration,
		m.UnitsInFlight,
		m.AttachmentsTotal,
		m.AttachmentSize,
		m.LinksTotal,
		m.EmailsTotal,
		m.LinkageDuration,
		m.BatchesTotal,
		m.BatchDuration,
		m.BatchSize,
		m.SlowQueriesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PanicsTotal,
	)
	return m
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordInput 记录输入文件结果
func (m *Metrics) RecordInput(result string) {
	m.InputsTotal.WithLabelValues(result).Inc()
}

// RecordUnit 记录单元终态
func (m *Metrics) RecordUnit(outcome string, duration time.Duration) {
	m.UnitsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.UnitDuration.Observe(duration.Seconds())
	}
}

// RecordFailure 记录失败分类
func (m *Metrics) RecordFailure(kind string) {
	m.FailureTotal.WithLabelValues(kind).Inc()
}

// RecordAttachment 记录附件处理结果
func (m *Metrics) RecordAttachment(result string, size int64) {
	m.AttachmentsTotal.WithLabelValues(result).Inc()
	if size > 0 {
		m.AttachmentSize.Observe(float64(size))
	}
}

// RecordLinkage 记录一次关联查询
func (m *Metrics) RecordLinkage(matched bool, duration time.Duration) {
	if matched {
		m.EmailsTotal.WithLabelValues("matched").Inc()
	} else {
		m.EmailsTotal.WithLabelValues("unmatched").Inc()
	}
	m.LinkageDuration.Observe(duration.Seconds())
}

// RecordLinks 记录新增的消息-附件关联数
func (m *Metrics) RecordLinks(n int) {
	if n > 0 {
		m.LinksTotal.Add(float64(n))
	}
}

// RecordBatch 记录批次提交
func (m *Metrics) RecordBatch(committed bool, units int, duration time.Duration) {
	result := "committed"
	if !committed {
		result = "failed"
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
	m.BatchSize.Observe(float64(units))
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordSlowQuery 记录慢查询，签名与慢查询回调一致
func (m *Metrics) RecordSlowQuery(_ string, _ time.Duration) {
	m.SlowQueriesTotal.Inc()
}

// RecordHTTPRequest 记录运维端点请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录恢复的 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
