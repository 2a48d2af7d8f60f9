package metrics

import (
	"time"
)

// StudyMetrics holds the metrics recorded by the study server.
type StudyMetrics struct {
	registry *Registry

	SessionsStarted   *Counter
	SessionsSaved     *Counter
	SaveFailures      *Counter
	TrialsFinalized   *Counter
	TrialsAborted     *Counter
	PrematureSubmits  *Counter
	VisibilityLosses  *Counter
	ConnsRejected     *Counter
	MessagesLimited   *Counter
	ActiveSessions    *Gauge
	ActiveConnections *Gauge
	UptimeSeconds     *Gauge

	ResponseTime    *Histogram
	InteractionTime *Histogram
	SaveDuration    *Histogram
}

var startTime = time.Now()

// NewStudyMetrics registers the study metrics in registry. A nil registry
// uses Default().
func NewStudyMetrics(registry *Registry) *StudyMetrics {
	if registry == nil {
		registry = Default()
	}

	return &StudyMetrics{
		registry: registry,

		SessionsStarted: registry.RegisterCounter("sessions_started_total",
			"Participant sessions opened", nil),
		SessionsSaved: registry.RegisterCounter("sessions_saved_total",
			"Session payloads persisted", nil),
		SaveFailures: registry.RegisterCounter("save_failures_total",
			"Session payloads that failed validation or persistence", nil),
		TrialsFinalized: registry.RegisterCounter("trials_finalized_total",
			"Trials submitted with every control touched", nil),
		TrialsAborted: registry.RegisterCounter("trials_aborted_total",
			"Trials ended without a result", nil),
		PrematureSubmits: registry.RegisterCounter("premature_submits_total",
			"Submit attempts rejected because controls were untouched", nil),
		VisibilityLosses: registry.RegisterCounter("visibility_losses_total",
			"Times a participant hid the page during a trial", nil),
		ConnsRejected: registry.RegisterCounter("connections_rejected_total",
			"WebSocket upgrades refused by connection limits", nil),
		MessagesLimited: registry.RegisterCounter("messages_rate_limited_total",
			"Client messages dropped by the per-connection rate limiter", nil),

		ActiveSessions: registry.RegisterGauge("active_sessions",
			"Sessions currently in progress", nil),
		ActiveConnections: registry.RegisterGauge("active_connections",
			"Open participant connections", nil),
		UptimeSeconds: registry.RegisterGauge("uptime_seconds",
			"Seconds since the process started", nil),

		ResponseTime: registry.RegisterHistogram("response_time_ms",
			"Trial response time from onset to submit in milliseconds", nil, ResponseTimeBuckets),
		InteractionTime: registry.RegisterHistogram("interaction_time_ms",
			"Accumulated interaction time per control in milliseconds", nil, ResponseTimeBuckets),
		SaveDuration: registry.RegisterHistogram("save_duration_seconds",
			"Duration of session validation and persistence in seconds", nil, DurationBuckets),
	}
}

// SessionStarted records a new session.
func (m *StudyMetrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the end of a session and whether it was saved.
func (m *StudyMetrics) SessionEnded(saved bool, took time.Duration) {
	m.ActiveSessions.Dec()
	m.SaveDuration.ObserveDuration(took)
	if saved {
		m.SessionsSaved.Inc()
	} else {
		m.SaveFailures.Inc()
	}
}

// TrialFinalized records a submitted trial with its response time and the
// per-control interaction times.
func (m *StudyMetrics) TrialFinalized(rt time.Duration, interact map[string]time.Duration) {
	m.TrialsFinalized.Inc()
	m.ResponseTime.ObserveMillis(rt)
	for _, d := range interact {
		m.InteractionTime.ObserveMillis(d)
	}
}

func (m *StudyMetrics) TrialAborted()       { m.TrialsAborted.Inc() }
func (m *StudyMetrics) PrematureSubmit()    { m.PrematureSubmits.Inc() }
func (m *StudyMetrics) VisibilityLost()     { m.VisibilityLosses.Inc() }
func (m *StudyMetrics) ConnectionRejected() { m.ConnsRejected.Inc() }
func (m *StudyMetrics) MessageLimited()     { m.MessagesLimited.Inc() }

// ConnectionOpened and ConnectionClosed track live connections.
func (m *StudyMetrics) ConnectionOpened() { m.ActiveConnections.Inc() }
func (m *StudyMetrics) ConnectionClosed() { m.ActiveConnections.Dec() }

// UpdateUptime refreshes the uptime gauge.
func (m *StudyMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the registry the metrics were registered in.
func (m *StudyMetrics) Registry() *Registry {
	return m.registry
}

// Snapshot returns the headline values for status output.
func (m *StudyMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return map[string]any{
		"sessions_started":   m.SessionsStarted.Value(),
		"sessions_saved":     m.SessionsSaved.Value(),
		"save_failures":      m.SaveFailures.Value(),
		"trials_finalized":   m.TrialsFinalized.Value(),
		"trials_aborted":     m.TrialsAborted.Value(),
		"premature_submits":  m.PrematureSubmits.Value(),
		"visibility_losses":  m.VisibilityLosses.Value(),
		"active_sessions":    m.ActiveSessions.Value(),
		"active_connections": m.ActiveConnections.Value(),
		"uptime_seconds":     m.UptimeSeconds.Value(),
		"rt_mean_ms":         m.ResponseTime.Mean(),
		"rt_p50_ms":          m.ResponseTime.Quantile(50),
	}
}
