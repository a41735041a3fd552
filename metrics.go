package revy

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	revisions       prometheus.Counter
	objectDeltas    *prometheus.CounterVec
	attributeDeltas *prometheus.CounterVec
	collapsed       prometheus.Counter
	rollbacks       *prometheus.CounterVec
}

// newMetrics builds the counters and registers them with reg when set.
// Counters already registered by another handler are shared.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		revisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "revy",
			Name:      "revisions_total",
			Help:      "Revisions created.",
		}),
		objectDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revy",
			Name:      "object_deltas_total",
			Help:      "Object deltas persisted, by action.",
		}, []string{"action"}),
		attributeDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revy",
			Name:      "attribute_deltas_total",
			Help:      "Attribute deltas persisted, by action.",
		}, []string{"action"}),
		collapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "revy",
			Name:      "collapsed_writes_total",
			Help:      "Attribute writes merged into a pending delta.",
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revy",
			Name:      "rollbacks_total",
			Help:      "Failed transactions whose tracking state was restored, by operation.",
		}, []string{"op"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.revisions, err = register(reg, m.revisions); err != nil {
		return nil, err
	}
	if m.objectDeltas, err = register(reg, m.objectDeltas); err != nil {
		return nil, err
	}
	if m.attributeDeltas, err = register(reg, m.attributeDeltas); err != nil {
		return nil, err
	}
	if m.collapsed, err = register(reg, m.collapsed); err != nil {
		return nil, err
	}
	if m.rollbacks, err = register(reg, m.rollbacks); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "revy: register metrics")
	}
	return c, nil
}
