// Package backend is the HTTP client for the clinic API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tariel-x/curocall/internal/models"
)

var (
	// ErrUnauthorized means the token expired or the API rejected it.
	ErrUnauthorized  = errors.New("backend: session expired")
	ErrLoginRequired = errors.New("backend: login required")
)

// APIError is a non-2xx answer from the clinic API. Message is the payload's
// error field when present.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// SetToken sets the bearer token used by authorized calls. An empty token logs out.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
}

// Register creates a doctor account and returns its session.
func (c *Client) Register(ctx context.Context, name, email, password string) (*models.AuthSession, error) {
	return c.authenticate(ctx, "register", authRequest{Email: email, Password: password, Role: "doctor", Name: name})
}

// Login authenticates a doctor and returns the session.
func (c *Client) Login(ctx context.Context, email, password string) (*models.AuthSession, error) {
	return c.authenticate(ctx, "login", authRequest{Email: email, Password: password, Role: "doctor"})
}

func (c *Client) authenticate(ctx context.Context, endpoint string, body authRequest) (*models.AuthSession, error) {
	var out models.AuthSession
	if err := c.do(ctx, false, http.MethodPost, "/api/auth/"+endpoint, body, &out, "Authentication failed"); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "Authentication failed"}
	}
	return &out, nil
}

// NextIntake assigns the next patient intake summary to the doctor.
func (c *Client) NextIntake(ctx context.Context) (*models.Intake, error) {
	var out struct {
		Intake *models.Intake `json:"intake"`
	}
	if err := c.do(ctx, true, http.MethodGet, "/api/patient-intake/next", nil, &out, "Unable to fetch the next summary"); err != nil {
		return nil, err
	}
	if out.Intake == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "Unable to fetch the next summary"}
	}
	return out.Intake, nil
}

// SkipIntake releases the intake back to the queue.
func (c *Client) SkipIntake(ctx context.Context, callID string) error {
	path := "/api/patient-intake/" + url.PathEscape(callID) + "/skip"
	return c.do(ctx, true, http.MethodPost, path, struct{}{}, nil, "Unable to skip the summary")
}

func (c *Client) PrescriptionOptions(ctx context.Context) (*models.PrescriptionOptions, error) {
	var out models.PrescriptionOptions
	if err := c.do(ctx, true, http.MethodGet, "/api/prescriptions/options", nil, &out, "Unable to load prescription options"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitPrescription(ctx context.Context, p models.Prescription) error {
	return c.do(ctx, true, http.MethodPost, "/api/prescriptions", p, nil, "Unable to create prescription")
}

type initiateRequest struct {
	PatientID       *string `json:"patientId"`
	UserPhoneNumber *string `json:"userPhoneNumber"`
	IntakeID        string  `json:"intakeId"`
}

// InitiateCall asks the backend to ring the patient of the intake and returns
// the credentials for joining the call room.
func (c *Client) InitiateCall(ctx context.Context, intake *models.Intake) (*models.CallSession, error) {
	body := initiateRequest{
		PatientID:       intake.PatientID,
		UserPhoneNumber: intake.UserPhoneNumber,
		IntakeID:        intake.IntakeID(),
	}
	var out struct {
		Call *models.CallSession `json:"call"`
	}
	if err := c.do(ctx, true, http.MethodPost, "/api/calls/initiate", body, &out, "Unable to start the call"); err != nil {
		return nil, err
	}
	if out.Call == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "Unable to start the call"}
	}
	return out.Call, nil
}

func (c *Client) UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus) error {
	body := struct {
		Status models.CallStatus `json:"status"`
	}{Status: status}
	return c.do(ctx, true, http.MethodPatch, "/api/calls/"+url.PathEscape(callID)+"/status", body, nil, "Unable to update call status")
}

func (c *Client) GetCallStatus(ctx context.Context, callID string) (models.CallStatus, error) {
	var out struct {
		Call struct {
			Status models.CallStatus `json:"status"`
		} `json:"call"`
	}
	if err := c.do(ctx, true, http.MethodGet, "/api/calls/"+url.PathEscape(callID), nil, &out, "Unable to load call status"); err != nil {
		return "", err
	}
	return out.Call.Status, nil
}

// checkToken rejects a missing token, and an expired one when the token is a
// JWT carrying an exp claim. Opaque tokens are left to the server.
func (c *Client) checkToken() (string, error) {
	token := c.Token()
	if token == "" {
		return "", ErrLoginRequired
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return token, nil
	}
	exp, err := claims.GetExpirationTime()
	if err == nil && exp != nil && !exp.After(c.now()) {
		return "", ErrUnauthorized
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, authorized bool, method, path string, body, out any, fallback string) error {
	var token string
	if authorized {
		var err error
		if token, err = c.checkToken(); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if authorized && resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &e)
		msg := e.Error
		if msg == "" {
			msg = fallback
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
