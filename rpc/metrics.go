package rpc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fixkme/raftrpc/mlog"
	"github.com/fixkme/raftrpc/status"
)

// clientMetrics 可选观测，注册表缺省时整体为nil，
// 所有observe方法对nil接收者安全
type clientMetrics struct {
	results        *prometheus.CounterVec
	submitFailures prometheus.Counter
}

func registerClientMetrics(reg prometheus.Registerer, d *dispatchExecutor) *clientMetrics {
	m := &clientMetrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raftrpc_invoke_results_total",
			Help: "Completed invocations grouped by normalized result",
		}, []string{"result"}),
		submitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raftrpc_submit_failures_total",
			Help: "Requests that failed before reaching the transport",
		}),
	}
	for _, c := range []prometheus.Collector{m.results, m.submitFailures, newDispatchCollector(d)} {
		if err := reg.Register(c); err != nil {
			mlog.Warnf("fail to register rpc metrics: %v", err)
		}
	}
	return m
}

func (m *clientMetrics) observeResult(st status.Status) {
	if m == nil {
		return
	}
	label := "ok"
	switch {
	case st.IsOK():
	case st.Code() == status.CodeETimedout:
		label = "timeout"
	case st.Code() == status.CodeEInternal:
		label = "internal"
	default:
		label = "app_error"
	}
	m.results.WithLabelValues(label).Inc()
}

func (m *clientMetrics) observeSubmitFailure() {
	if m == nil {
		return
	}
	m.submitFailures.Inc()
}

// dispatchCollector 派发执行器的运行时观测
type dispatchCollector struct {
	d        *dispatchExecutor
	workers  *prometheus.Desc
	depth    *prometheus.Desc
	capacity *prometheus.Desc
}

func newDispatchCollector(d *dispatchExecutor) *dispatchCollector {
	return &dispatchCollector{
		d: d,
		workers: prometheus.NewDesc(
			"raftrpc_dispatch_workers",
			"Current worker count of the dispatch executor",
			nil, nil,
		),
		depth: prometheus.NewDesc(
			"raftrpc_dispatch_queue_depth",
			"Pending closures queued on the dispatch executor",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			"raftrpc_dispatch_queue_capacity",
			"Closure queue capacity of the dispatch executor",
			nil, nil,
		),
	}
}

func (c *dispatchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.depth
	ch <- c.capacity
}

func (c *dispatchCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(c.d.runningWorkers()))
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.d.queueDepth()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.d.queueCap()))
}
