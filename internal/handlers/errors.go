package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/curocall/internal/backend"
	"github.com/tariel-x/curocall/internal/console"
)

type operatorError struct {
	err     error
	status  int
	message string
}

// operatorErrors maps console and backend errors to the status and the text
// shown on the console page.
var operatorErrors = []operatorError{
	{console.ErrNotAuthenticated, http.StatusUnauthorized, "Login is required before reviewing summaries."},
	{backend.ErrLoginRequired, http.StatusUnauthorized, "Login required before calling this endpoint."},
	{backend.ErrUnauthorized, http.StatusUnauthorized, "Session expired. Please log in again."},
	{console.ErrCredentialsRequired, http.StatusBadRequest, "Email and password are required."},
	{console.ErrNameRequired, http.StatusBadRequest, "Add your name so the care team recognizes you."},
	{console.ErrIncompletePrescription, http.StatusBadRequest, "Select medicine, frequency, and duration first."},
	{console.ErrNoSummaryToSkip, http.StatusBadRequest, "No active summary to skip."},
	{console.ErrNoSummary, http.StatusConflict, "No active summary selected."},
	{console.ErrCallInProgress, http.StatusConflict, "A call is already in progress."},
	{console.ErrNoCall, http.StatusNotFound, "No call in progress."},
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	status, message := operatorMessage(err)
	if status >= 500 {
		h.logger.Error("console request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": message})
}

func operatorMessage(err error) (int, string) {
	var tooMany *console.TooManyItemsError
	if errors.As(err, &tooMany) {
		return http.StatusBadRequest, fmt.Sprintf("Too many prescription items. Up to %d allowed.", tooMany.Limit)
	}
	for _, oe := range operatorErrors {
		if errors.Is(err, oe.err) {
			return oe.status, oe.message
		}
	}

	// The clinic API's own error text is shown as is.
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		return status, apiErr.Message
	}
	return http.StatusInternalServerError, err.Error()
}
