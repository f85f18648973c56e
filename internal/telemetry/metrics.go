package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gate refusal reasons.
const (
	RefusalDailyCap = "daily_cap"
	RefusalDelay    = "delay"
	RefusalLease    = "lease"
)

var (
	once sync.Once

	SendsTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_sends_total", Help: "Messages dispatched successfully"})
	SendFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_send_failures_total", Help: "Dispatch attempts that failed"})
	AbandonedTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_abandoned_total", Help: "Enrollments permanently failed"})
	RepliesTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_replies_total", Help: "Sequences halted by a reply"})
	DedupSkips      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_dedup_skips_total", Help: "First contacts skipped because the lead was already contacted"})
	AIFallbacks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_ai_fallbacks_total", Help: "AI generations that fell back to template content"})
	InboundRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_inbound_rate_limit_rejects_total", Help: "Inbound webhook calls rejected by rate limiter"})
	ActiveCampaigns = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_active_campaigns", Help: "Active campaigns seen on the last tick"})
	GateRefusals    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_gate_refusals_total", Help: "Ticks where a campaign was not allowed to send"}, []string{"reason"})
	TickDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "outreach_tick_duration_seconds", Help: "Wall time of one scheduler pass", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SendsTotal,
			SendFailures,
			AbandonedTotal,
			RepliesTotal,
			DedupSkips,
			AIFallbacks,
			InboundRejects,
			ActiveCampaigns,
			GateRefusals,
			TickDuration,
		)
	})
	return promhttp.Handler()
}
