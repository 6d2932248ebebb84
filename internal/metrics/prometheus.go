package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "basis_vault"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		UtilizeOrders:      promCounter{counter("utilize_orders_total", "Total number of utilize orders issued.")},
		DeutilizeOrders:    promCounter{counter("deutilize_orders_total", "Total number of deutilize orders issued.")},
		SettlementsApplied: promCounter{counter("settlements_applied_total", "Total number of hedge settlements applied.")},
		UpkeepActions:      promCounter{counter("upkeep_actions_total", "Total number of upkeep actions performed.")},
		InvariantFaults:    promCounter{counter("invariant_faults_total", "Total number of invariant faults that latched a pause.")},
		Leverage:           promGauge{gauge("hedge_leverage", "Current hedge leg leverage.")},
		IdleAssets:         promGauge{gauge("idle_assets", "Idle assets held by the vault.")},
		TotalAssets:        promGauge{gauge("total_assets", "Vault NAV.")},
		WithdrawBacklog:    promGauge{gauge("withdraw_backlog_assets", "Assets owed to the withdrawal queues.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
