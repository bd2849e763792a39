// ============================================================================
// plan2mesh Metrics - Prometheus 監控指標
// ============================================================================
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - plan2mesh_jobs_submitted_total
//      - plan2mesh_jobs_completed_total
//      - plan2mesh_jobs_failed_total
//      - plan2mesh_texture_synthesis_total{surface,method}
//
//   2. 性能指標 (Histogram)：
//      - plan2mesh_job_duration_seconds: pipeline 執行時間分佈
//
//   3. 狀態指標 (Gauge)：
//      - plan2mesh_jobs{status}: 各狀態任務數
//      - plan2mesh_recovery_time_seconds: 最近一次重啟恢復時間
//
// Prometheus 查詢示例:
//
//   # GPU 合成失敗回退比例
//   sum(rate(plan2mesh_texture_synthesis_total{method="cpu_fallback"}[5m]))
//     / sum(rate(plan2mesh_texture_synthesis_total[5m]))
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

const namespace = "plan2mesh"

// durationBuckets pipeline 通常在數秒到數分鐘之間
var durationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Collector Prometheus 指標收集器
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	synthesis     *prometheus.CounterVec

	jobDuration  prometheus.Histogram
	recoveryTime prometheus.Gauge
	jobsByStatus *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用獨立的 registry，方便測試與多實例共存。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that ended in failure",
		}),
		synthesis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "texture_synthesis_total",
			Help:      "Texture syntheses by surface and method",
		}, []string{"surface", "method"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Pipeline run time in seconds",
			Buckets:   durationBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the registry on startup",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs per status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.synthesis,
		c.jobDuration,
		c.recoveryTime,
		c.jobsByStatus,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordSubmitted 記錄任務建立
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(seconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(seconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(seconds float64) {
	c.jobsFailed.Inc()
	if seconds > 0 {
		c.jobDuration.Observe(seconds)
	}
}

// RecordSynthesis 記錄單一表面使用的合成方法
func (c *Collector) RecordSynthesis(surface types.Surface, method string) {
	c.synthesis.WithLabelValues(string(surface), method).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateJobStats 以 registry 統計覆寫各狀態 gauge
func (c *Collector) UpdateJobStats(stats map[types.JobStatus]int) {
	for _, s := range []types.JobStatus{
		types.StatusQueued, types.StatusProcessing, types.StatusCompleted, types.StatusFailed,
	} {
		c.jobsByStatus.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

// Handler 回傳 /metrics 端點
//
// 註冊到非 Gatherer 時退回 default gatherer。
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
