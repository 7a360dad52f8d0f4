package models

import "time"

type AlertType string

const (
	AlertCritical AlertType = "critical"
	AlertWarning  AlertType = "warning"
)

// AlertPayload is an instant alert as it arrives from the live feed.
// Value is either a number or a string.
type AlertPayload struct {
	Type    AlertType `json:"type"`
	Message string    `json:"message"`
	Value   any       `json:"value"`
}

type Alert struct {
	Type       AlertType `json:"type"`
	Message    string    `json:"message"`
	Value      any       `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

func NewAlert(p AlertPayload, capturedAt time.Time) Alert {
	return Alert{
		Type:       p.Type,
		Message:    p.Message,
		Value:      p.Value,
		CapturedAt: capturedAt,
	}
}

type Telemetry struct {
	Timestamp     string         `json:"timestamp"`
	VitalSigns    VitalSigns     `json:"vital_signs"`
	Severity      Severity       `json:"severity"`
	Location      *Location      `json:"location,omitempty"`
	InstantAlerts []AlertPayload `json:"instant_alerts"`
}

type SensorStatus struct {
	Enabled   bool  `json:"enabled"`
	Ready     bool  `json:"ready"`
	Simulated bool  `json:"simulated"`
	HasFix    *bool `json:"has_fix,omitempty"`
}

type SystemStatus struct {
	Sensors   map[string]SensorStatus `json:"sensors"`
	Version   string                  `json:"version"`
	DebugMode bool                    `json:"debug_mode"`
}

type ChatRequest struct {
	Message      string `json:"message"`
	ResetHistory bool   `json:"reset_history"`
}

type ChatResponse struct {
	Message     string `json:"message"`
	IsEmergency bool   `json:"is_emergency"`
	Model       string `json:"model"`
}

type MonitoringState string

const (
	MonitoringIdle   MonitoringState = "idle"
	MonitoringActive MonitoringState = "active"
)

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
