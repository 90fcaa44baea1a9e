package saga

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Namespace 指标命名空间（默认 "bookingsaga"）
	Namespace string
	// Subsystem 指标子系统（默认 "saga"）
	Subsystem string
	// Registerer 注册器，nil 时使用 prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
	// DurationBuckets 耗时直方图分桶（秒）
	DurationBuckets []float64
}

// DefaultMetricsConfig 默认配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:       "bookingsaga",
		Subsystem:       "saga",
		Registerer:      prometheus.DefaultRegisterer,
		DurationBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}
}

// MetricsObserver 以 Prometheus 指标记录 Saga 生命周期
type MetricsObserver struct {
	NopObserver

	sagasActive      *prometheus.GaugeVec
	sagasTotal       *prometheus.CounterVec
	sagaDuration     *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	compensatedTotal *prometheus.CounterVec
}

// NewMetricsObserver 创建并注册指标
//
// 同名指标已注册时复用已有的 collector，便于多个编排器共享一个注册器。
func NewMetricsObserver(cfg MetricsConfig) (*MetricsObserver, error) {
	def := DefaultMetricsConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = def.Subsystem
	}
	if cfg.Registerer == nil {
		cfg.Registerer = def.Registerer
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = def.DurationBuckets
	}

	m := &MetricsObserver{
		sagasActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "active",
			Help: "Number of saga executions currently in flight",
		}, []string{"saga"}),
		sagasTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "executions_total",
			Help: "Total number of finished saga executions by result",
		}, []string{"saga", "result"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "duration_seconds",
			Help:    "Duration of saga executions in seconds",
			Buckets: cfg.DurationBuckets,
		}, []string{"saga", "result"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "steps_total",
			Help: "Total number of step executions by result (success, failed, skipped)",
		}, []string{"saga", "step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "step_duration_seconds",
			Help:    "Duration of step executions in seconds",
			Buckets: cfg.DurationBuckets,
		}, []string{"saga", "step"}),
		compensatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "compensations_total",
			Help: "Total number of compensation invocations by result",
		}, []string{"saga", "step", "result"}),
	}

	var err error
	if m.sagasActive, err = register(cfg.Registerer, m.sagasActive); err != nil {
		return nil, err
	}
	if m.sagasTotal, err = register(cfg.Registerer, m.sagasTotal); err != nil {
		return nil, err
	}
	if m.sagaDuration, err = register(cfg.Registerer, m.sagaDuration); err != nil {
		return nil, err
	}
	if m.stepsTotal, err = register(cfg.Registerer, m.stepsTotal); err != nil {
		return nil, err
	}
	if m.stepDuration, err = register(cfg.Registerer, m.stepDuration); err != nil {
		return nil, err
	}
	if m.compensatedTotal, err = register(cfg.Registerer, m.compensatedTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *MetricsObserver) SagaStarted(ctx context.Context, run RunInfo) context.Context {
	m.sagasActive.WithLabelValues(run.SagaName).Inc()
	return ctx
}

func (m *MetricsObserver) StepSucceeded(_ context.Context, run RunInfo, step string, elapsed time.Duration) {
	m.stepsTotal.WithLabelValues(run.SagaName, step, "success").Inc()
	m.stepDuration.WithLabelValues(run.SagaName, step).Observe(elapsed.Seconds())
}

func (m *MetricsObserver) StepFailed(_ context.Context, run RunInfo, step string, optional bool, _ error, elapsed time.Duration) {
	result := "failed"
	if optional {
		result = "skipped"
	}
	m.stepsTotal.WithLabelValues(run.SagaName, step, result).Inc()
	m.stepDuration.WithLabelValues(run.SagaName, step).Observe(elapsed.Seconds())
}

func (m *MetricsObserver) StepCompensated(_ context.Context, run RunInfo, step string, err error, _ time.Duration) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.compensatedTotal.WithLabelValues(run.SagaName, step, result).Inc()
}

func (m *MetricsObserver) SagaFinished(_ context.Context, run RunInfo, summary Summary) {
	result := "success"
	switch {
	case summary.Success:
	case summary.FailedStep == OrchestratorStep:
		result = "error"
	default:
		result = "failed"
	}
	m.sagasActive.WithLabelValues(run.SagaName).Dec()
	m.sagasTotal.WithLabelValues(run.SagaName, result).Inc()
	m.sagaDuration.WithLabelValues(run.SagaName, result).Observe(summary.Duration.Seconds())
}
