package observability

import (
	"proofpay/core/events"
	"proofpay/core/types"
	"proofpay/native/settlement"
)

// MetricsEmitter bridges engine events into prometheus counters. It wraps an
// optional downstream emitter so event fan-out is preserved.
type MetricsEmitter struct {
	metrics *SettlementMetrics
	next    events.Emitter
}

// NewMetricsEmitter builds an emitter feeding the settlement metrics. The
// next emitter may be nil.
func NewMetricsEmitter(next events.Emitter) *MetricsEmitter {
	return &MetricsEmitter{metrics: Settlement(), next: next}
}

// Emit implements the events.Emitter interface.
func (m *MetricsEmitter) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.observe(evt)
	if m.next != nil {
		m.next.Emit(evt)
	}
}

func (m *MetricsEmitter) observe(evt events.Event) {
	var attrs map[string]string
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if inner := carrier.Event(); inner != nil {
			attrs = inner.Attributes
		}
	}
	switch evt.EventType() {
	case settlement.EventTypeRecordCreated:
		policy := attrs["policy"]
		denom := attrs["denom"]
		m.metrics.Created.WithLabelValues(policy, denom).Inc()
	case settlement.EventTypeReleased:
		m.metrics.Settled.WithLabelValues("completed").Inc()
	case settlement.EventTypeRefunded, settlement.EventTypeExpired:
		m.metrics.Settled.WithLabelValues("refunded").Inc()
	case settlement.EventTypeCancelled:
		m.metrics.Settled.WithLabelValues("cancelled").Inc()
	case settlement.EventTypeRejected:
		m.metrics.Settled.WithLabelValues("rejected").Inc()
	case settlement.EventTypeDisputed:
		m.metrics.Disputes.Inc()
	case settlement.EventTypeProofRejected:
		m.metrics.Rejections.Inc()
	}
}
