package models

const NeutralColor = "#757575"

var severityColors = map[SeverityLevel]string{
	SeverityCritical: "#d32f2f",
	SeveritySevere:   "#f57c00",
	SeverityModerate: "#fbc02d",
	SeverityMild:     "#689f38",
	SeverityMinimal:  "#388e3c",
}

// SeverityColor maps every known level to a distinct color and anything
// else to NeutralColor.
func SeverityColor(level string) string {
	if color, ok := severityColors[SeverityLevel(level)]; ok {
		return color
	}
	return NeutralColor
}

func AlertColor(t AlertType) string {
	if t == AlertCritical {
		return severityColors[SeverityCritical]
	}
	return severityColors[SeverityModerate]
}

func SeverityLevels() []SeverityLevel {
	return []SeverityLevel{SeverityCritical, SeveritySevere, SeverityModerate, SeverityMild, SeverityMinimal}
}
