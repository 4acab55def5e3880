package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/curocall/internal/models"
)

type authRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.console.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    user,
		"message": "Welcome back. Load the next summary when you are ready.",
	})
}

func (h *Handlers) Register(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.console.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":    user,
		"message": "Welcome aboard! You are signed in and can start reviewing summaries.",
	})
}

func (h *Handlers) Logout(c *gin.Context) {
	h.console.Logout()
	c.JSON(http.StatusOK, gin.H{"message": "Signed out."})
}

type stateResponse struct {
	User    *models.Doctor `json:"user"`
	Summary *summaryView   `json:"summary"`
	Call    *callView      `json:"call"`
}

func (h *Handlers) GetState(c *gin.Context) {
	st := h.console.State()
	resp := stateResponse{User: st.User}
	if st.Summary != nil {
		resp.Summary = newSummaryView(st.Summary)
	}
	if st.Call != nil {
		view := newCallView(*st.Call)
		resp.Call = &view
	}
	c.JSON(http.StatusOK, resp)
}
