package models

import "encoding/json"

type SeverityLevel string

const (
	SeverityCritical SeverityLevel = "critical"
	SeveritySevere   SeverityLevel = "severe"
	SeverityModerate SeverityLevel = "moderate"
	SeverityMild     SeverityLevel = "mild"
	SeverityMinimal  SeverityLevel = "minimal"
)

type Severity struct {
	SeverityLevel              SeverityLevel `json:"severity_level"`
	TotalScore                 float64       `json:"total_score"`
	RequiresImmediateAttention bool          `json:"requires_immediate_attention"`
	CriticalFactors            []string      `json:"critical_factors"`
}

type VitalSigns struct {
	HeartRate       *float64 `json:"heart_rate,omitempty"`
	SpO2            *float64 `json:"spo2,omitempty"`
	BodyTemperature *float64 `json:"body_temperature,omitempty"`
	Rhythm          *string  `json:"rhythm,omitempty"`
}

type Injury struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Severity   string  `json:"severity"`
}

type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *int     `json:"accuracy,omitempty"`
}

type AnalysisResult struct {
	Timestamp        string     `json:"timestamp,omitempty"`
	Severity         Severity   `json:"severity"`
	VitalSigns       VitalSigns `json:"vital_signs"`
	Injuries         []Injury   `json:"injuries"`
	InjurySummary    string     `json:"injury_summary,omitempty"`
	Location         *Location  `json:"location,omitempty"`
	PatientConscious bool       `json:"patient_conscious"`
	RequiresEMS      bool       `json:"requires_ems"`
}

// AssessmentResponse is the body of POST /emergency/assess. RawAssessment
// keeps the assessment exactly as the server sent it so it can be posted
// back unchanged when a report is requested.
type AssessmentResponse struct {
	Assessment       AnalysisResult  `json:"assessment"`
	TextSummary      string          `json:"text_summary"`
	PatientImagePath string          `json:"patient_image_path,omitempty"`
	RawAssessment    json.RawMessage `json:"-"`
}

func (r *AssessmentResponse) UnmarshalJSON(data []byte) error {
	var wire struct {
		Assessment       json.RawMessage `json:"assessment"`
		TextSummary      string          `json:"text_summary"`
		PatientImagePath *string         `json:"patient_image_path"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.TextSummary = wire.TextSummary
	r.PatientImagePath = ""
	if wire.PatientImagePath != nil {
		r.PatientImagePath = *wire.PatientImagePath
	}
	r.RawAssessment = nil
	r.Assessment = AnalysisResult{}

	if len(wire.Assessment) > 0 && string(wire.Assessment) != "null" {
		if err := json.Unmarshal(wire.Assessment, &r.Assessment); err != nil {
			return err
		}
		r.RawAssessment = append(json.RawMessage(nil), wire.Assessment...)
	}
	return nil
}

type ReportRequest struct {
	Assessment       json.RawMessage `json:"assessment"`
	PatientImagePath *string         `json:"patient_image_path"`
}

type AssessmentState string

const (
	AssessmentIdle       AssessmentState = "idle"
	AssessmentInProgress AssessmentState = "in_progress"
	AssessmentCompleted  AssessmentState = "completed"
	AssessmentFailed     AssessmentState = "failed"
)

type AssessmentSnapshot struct {
	State         AssessmentState     `json:"state"`
	ProgressIndex int                 `json:"progress_index"`
	ProgressLabel string              `json:"progress_label"`
	Loading       bool                `json:"loading"`
	Result        *AssessmentResponse `json:"result,omitempty"`
	Error         string              `json:"error,omitempty"`
}
