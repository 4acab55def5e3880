package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/curocall/internal/callsession"
)

// callView is the call modal's state.
type callView struct {
	CallID   string `json:"call_id"`
	State    string `json:"state"`
	Label    string `json:"label"`
	Duration string `json:"duration"`
	Elapsed  int    `json:"elapsed_seconds"`
	Muted    bool   `json:"muted"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	CanMute  bool   `json:"can_mute"`
	CanEnd   bool   `json:"can_end"`
}

func newCallView(s callsession.Snapshot) callView {
	v := callView{
		CallID:   s.CallID,
		State:    s.State.String(),
		Duration: formatDuration(s.Elapsed),
		Elapsed:  s.Elapsed,
		Muted:    s.Muted,
		Message:  s.Message,
		CanMute:  s.State == callsession.StateActive,
		CanEnd:   s.State != callsession.StateEnded,
	}
	switch s.State {
	case callsession.StateConnecting:
		v.Label = "Connecting..."
	case callsession.StateActive:
		v.Label = "Active - " + v.Duration
	case callsession.StateEnded:
		v.Label = "Call Ended"
		v.Reason = s.Reason.String()
	}
	return v
}

// formatDuration renders seconds as m:ss.
func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func (h *Handlers) StartCall(c *gin.Context) {
	snap, err := h.console.StartCall(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCallView(snap))
}

func (h *Handlers) GetCall(c *gin.Context) {
	snap, ok := h.console.CallSnapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in progress"})
		return
	}
	c.JSON(http.StatusOK, newCallView(snap))
}

func (h *Handlers) ToggleMute(c *gin.Context) {
	if _, err := h.console.ToggleMute(); err != nil {
		h.writeError(c, err)
		return
	}
	snap, _ := h.console.CallSnapshot()
	c.JSON(http.StatusOK, newCallView(snap))
}

func (h *Handlers) EndCall(c *gin.Context) {
	if err := h.console.EndCall(); err != nil {
		h.writeError(c, err)
		return
	}
	snap, ok := h.console.CallSnapshot()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, newCallView(snap))
}

// DismissCall closes the call modal. A live call is torn down first.
func (h *Handlers) DismissCall(c *gin.Context) {
	if err := h.console.DismissCall(); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) CallHistory(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusOK, gin.H{"calls": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.journal.RecentCalls(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}
