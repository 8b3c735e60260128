// Package metrics 提供批处理的 Prometheus 指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/sidconv/internal/domain"
)

// Metrics 汇总一次进程内所有批次的指标。
//
// 约束：
// - 所有方法并发安全（prometheus 向量本身并发安全）
// - 使用独立 Registry，避免测试之间重复注册
type Metrics struct {
	Registry *prometheus.Registry

	TasksTotal     *prometheus.CounterVec // status, error_code
	AttemptsFailed *prometheus.CounterVec // error_code
	LoopsDetected  prometheus.Counter
	TaskDuration   *prometheus.HistogramVec // status
	RenderSeconds  prometheus.Histogram
	InFlight       prometheus.Gauge
	Published      *prometheus.CounterVec // result
	CacheFailures  prometheus.Counter
}

// New 创建指标集合。namespace 为空时使用 "sidconv"。
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sidconv"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished conversion tasks by status and error code",
		}, []string{"status", "error_code"}),
		AttemptsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_failed_total",
			Help:      "Failed conversion attempts by error code",
		}, []string{"error_code"}),
		LoopsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loops_detected_total",
			Help:      "Tasks whose rendering stopped early on a detected loop",
		}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time per task including retries",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s ~ 200s
		}, []string{"status"}),
		RenderSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "planned_render_seconds",
			Help:      "Planned audio length per task",
			Buckets:   []float64{30, 60, 120, 180, 300, 600, 1200},
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently being converted",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Outputs uploaded to the publish bucket",
		}, []string{"result"}),
		CacheFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lengths_cache_write_failures_total",
			Help:      "Failed appends to the measured-lengths cache",
		}),
	}
}

// OnTaskStart 记录任务开始。
func (m *Metrics) OnTaskStart(_ int, _ domain.Task) {
	m.InFlight.Inc()
}

// OnAttemptFailed 记录一次失败的尝试。
func (m *Metrics) OnAttemptFailed(_ int, _ domain.Task, _ int, code string) {
	m.AttemptsFailed.WithLabelValues(code).Inc()
}

// OnTaskDone 记录任务终态。
func (m *Metrics) OnTaskDone(_ int, res domain.TaskResult) {
	m.InFlight.Dec()
	m.TasksTotal.WithLabelValues(res.Status, res.ErrorCode).Inc()
	m.TaskDuration.WithLabelValues(res.Status).Observe(float64(res.DurationMs) / 1000)
	if res.Seconds > 0 {
		m.RenderSeconds.Observe(float64(res.Seconds))
	}
	if res.LoopAt >= 0 {
		m.LoopsDetected.Inc()
	}
}

// OnPlanned 记录规划阶段跳过的条目。
func (m *Metrics) OnPlanned(p domain.Plan) {
	for _, it := range p.Skipped {
		m.TasksTotal.WithLabelValues(it.Status, it.ErrorCode).Inc()
	}
}

// Handler 返回 /metrics 与 /health 路由。
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve 在 address 上提供指标，直到 ctx 结束。
func (m *Metrics) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
