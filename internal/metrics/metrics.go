package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	UtilizeOrders      Counter
	DeutilizeOrders    Counter
	SettlementsApplied Counter
	UpkeepActions      Counter
	InvariantFaults    Counter

	Leverage        Gauge
	IdleAssets      Gauge
	TotalAssets     Gauge
	WithdrawBacklog Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		UtilizeOrders:      c,
		DeutilizeOrders:    c,
		SettlementsApplied: c,
		UpkeepActions:      c,
		InvariantFaults:    c,
		Leverage:           g,
		IdleAssets:         g,
		TotalAssets:        g,
		WithdrawBacklog:    g,
	}
}
