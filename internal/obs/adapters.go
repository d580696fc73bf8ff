package obs

import "github.com/rs/zerolog"

// Metrics adapts the registered Prometheus collectors to the narrow metric
// interfaces the domain services accept.
type Metrics struct{}

func (Metrics) Login(result string)           { LoginsTotal.WithLabelValues(result).Inc() }
func (Metrics) TokenRevoked()                 { TokensRevokedTotal.Inc() }
func (Metrics) SessionsCleaned(n int64)       { SessionsCleanedTotal.Add(float64(n)) }
func (Metrics) AuditEventDropped()            { AuditEventsDroppedTotal.Inc() }
func (Metrics) EmergencyAction(action string) { EmergencyActionsTotal.WithLabelValues(action).Inc() }

// WarnLogger adapts zerolog to the warn-only logger some services accept.
type WarnLogger struct {
	Log zerolog.Logger
}

func (l WarnLogger) Warn(msg string, err error, identifier string) {
	l.Log.Warn().Err(err).Str("identifier", identifier).Msg(msg)
}
