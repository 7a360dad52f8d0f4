// Package events names the notifications the monitoring core emits.
package events

const (
	TypeAnalysis        = "analysis"
	TypeTelemetry       = "telemetry"
	TypeAlerts          = "alerts"
	TypeProgress        = "progress"
	TypeAssessment      = "assessment"
	TypeMonitoringState = "monitoring_state"
	TypeCamera          = "camera"
	TypeCameraStart     = "camera_start"
	TypeCameraStop      = "camera_stop"
	TypeError           = "error"
)

// Publisher fans events out to dashboards. Publish is called with
// component locks held and must not block.
type Publisher interface {
	Publish(eventType string, data any)
}

type discard struct{}

func (discard) Publish(string, any) {}

var Discard Publisher = discard{}

func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}
