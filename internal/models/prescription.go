package models

import (
	"fmt"
	"strconv"
	"strings"
)

type Medicine struct {
	Code          string `json:"code"`
	Label         string `json:"label"`
	DefaultDosage string `json:"defaultDosage,omitempty"`
}

type Frequency struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

type Duration struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

// Key is the "{value}|{unit}" form used by the prescription form.
func (d Duration) Key() string {
	return fmt.Sprintf("%d|%s", d.Value, d.Unit)
}

// ParseDurationKey splits a "{value}|{unit}" key.
func ParseDurationKey(key string) (Duration, error) {
	raw, unit, ok := strings.Cut(key, "|")
	if !ok || unit == "" {
		return Duration{}, fmt.Errorf("invalid duration %q", key)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid duration %q: %w", key, err)
	}
	return Duration{Value: value, Unit: unit}, nil
}

type PrescriptionOptions struct {
	Medicines               []Medicine  `json:"medicines"`
	Frequencies             []Frequency `json:"frequencies"`
	Durations               []Duration  `json:"durations"`
	MaxItemsPerPrescription int         `json:"maxItemsPerPrescription"`
}

// MaxItems falls back to a single row when the backend omits the limit.
func (o *PrescriptionOptions) MaxItems() int {
	if o == nil || o.MaxItemsPerPrescription <= 0 {
		return 1
	}
	return o.MaxItemsPerPrescription
}

func (o *PrescriptionOptions) Medicine(code string) (Medicine, bool) {
	if o == nil {
		return Medicine{}, false
	}
	for _, m := range o.Medicines {
		if m.Code == code {
			return m, true
		}
	}
	return Medicine{}, false
}

// PrescriptionDraftItem is one row of the operator's prescription form.
type PrescriptionDraftItem struct {
	MedicineCode string `json:"medicineCode"`
	Frequency    string `json:"frequency"`
	DurationKey  string `json:"durationKey"`
}

func (i PrescriptionDraftItem) Complete() bool {
	return i.MedicineCode != "" && i.Frequency != "" && i.DurationKey != ""
}

// PrescriptionItem is the wire form sent to the backend.
type PrescriptionItem struct {
	MedicineCode  string `json:"medicineCode"`
	Dosage        string `json:"dosage"`
	Frequency     string `json:"frequency"`
	DurationValue int    `json:"durationValue"`
	DurationUnit  string `json:"durationUnit"`
}

type Prescription struct {
	CallID string             `json:"callId"`
	Items  []PrescriptionItem `json:"items"`
	Notes  string             `json:"notes"`
}
