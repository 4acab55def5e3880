package models

import (
	"regexp"
	"strings"
	"time"
)

// Intake is an AI-generated patient intake summary pulled from the queue.
type Intake struct {
	CallID             string     `json:"callId"`
	PatientID          *string    `json:"patientId,omitempty"`
	PatientName        string     `json:"patientName,omitempty"`
	UserPhoneNumber    *string    `json:"userPhoneNumber,omitempty"`
	Status             string     `json:"status,omitempty"`
	CollectedAt        *time.Time `json:"collectedAt,omitempty"`
	ChiefComplaint     string     `json:"chiefComplaint,omitempty"`
	Symptoms           any        `json:"symptoms,omitempty"`
	AssociatedSymptoms any        `json:"associatedSymptoms,omitempty"`
	Duration           string     `json:"duration,omitempty"`
	Severity           string     `json:"severity,omitempty"`
	RelevantHistory    string     `json:"relevantHistory,omitempty"`
	CurrentMedications any        `json:"currentMedications,omitempty"`
	AdditionalDetails  any        `json:"additionalDetails,omitempty"`
	RedFlags           any        `json:"redFlags,omitempty"`
}

// IntakeID returns the identifier used when initiating a call for this intake.
func (i *Intake) IntakeID() string {
	return i.CallID
}

// DisplayName is the patient name, or the call id when the name is unknown.
func (i *Intake) DisplayName() string {
	if i.PatientName != "" {
		return i.PatientName
	}
	return i.CallID
}

var redFlagSeparator = regexp.MustCompile(`[,\n]`)

// ParseRedFlags normalizes the red flag field, which the backend sends either
// as a list or as a comma/newline separated string.
func ParseRedFlags(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return compact(v)
	case []any:
		flags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				flags = append(flags, s)
			}
		}
		return compact(flags)
	case string:
		return compact(redFlagSeparator.Split(v, -1))
	default:
		return nil
	}
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
