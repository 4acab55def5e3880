package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/curocall/internal/models"
)

// summaryView is the intake as rendered by the console, with the red flags
// normalized to a list.
type summaryView struct {
	*models.Intake
	DisplayName string   `json:"displayName"`
	RedFlags    []string `json:"redFlags"`
}

func newSummaryView(intake *models.Intake) *summaryView {
	return &summaryView{
		Intake:      intake,
		DisplayName: intake.DisplayName(),
		RedFlags:    models.ParseRedFlags(intake.RedFlags),
	}
}

func (h *Handlers) NextSummary(c *gin.Context) {
	intake, err := h.console.NextSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": newSummaryView(intake),
		"message": "Reviewing " + intake.DisplayName(),
	})
}

func (h *Handlers) SkipSummary(c *gin.Context) {
	intake, err := h.console.SkipSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": newSummaryView(intake),
		"message": "Reviewing " + intake.DisplayName(),
	})
}

type durationOption struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

func (h *Handlers) PrescriptionOptions(c *gin.Context) {
	opts, err := h.console.Options(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	durations := make([]durationOption, 0, len(opts.Durations))
	for _, d := range opts.Durations {
		durations = append(durations, durationOption{Key: d.Key(), Value: d.Value, Unit: d.Unit})
	}
	c.JSON(http.StatusOK, gin.H{
		"medicines":               opts.Medicines,
		"frequencies":             opts.Frequencies,
		"durations":               durations,
		"maxItemsPerPrescription": opts.MaxItems(),
	})
}

type prescriptionRequest struct {
	Items []models.PrescriptionDraftItem `json:"items"`
	Notes string                         `json:"notes"`
}

func (h *Handlers) SendPrescription(c *gin.Context) {
	var req prescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.console.SendPrescription(c.Request.Context(), req.Items, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{"message": "Prescription sent to the patient portal."}
	if res.Next != nil {
		resp["summary"] = newSummaryView(res.Next)
	} else {
		resp["summary"] = nil
	}
	if res.NextErr != nil {
		_, msg := operatorMessage(res.NextErr)
		resp["summary_error"] = msg
	}
	c.JSON(http.StatusOK, resp)
}
