package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tariel-x/curocall/internal/models"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "doc-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestLoginSendsDoctorRole(t *testing.T) {
	var got authRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "tok",
			"user":  map[string]string{"id": "doc-1", "email": "a@b.c"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	session, err := c.Login(context.Background(), "a@b.c", "pw")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.Token != "tok" || session.User.ID != "doc-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if got.Role != "doctor" || got.Email != "a@b.c" || got.Name != "" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestAuthorizedCallsRequireToken(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.NextIntake(context.Background()); !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("no request should be made without a token")
	}
}

func TestExpiredTokenFailsLocally(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetToken(signedToken(t, time.Now().Add(-time.Minute)))
	if _, err := c.GetCallStatus(context.Background(), "call-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expired token must not reach the server")
	}
}

func TestUnauthorizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetToken("opaque-token")
	err := c.SkipIntake(context.Background(), "call-1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAPIErrorCarriesPayloadMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/patient-intake/next":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"No pending summaries"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetToken(signedToken(t, time.Now().Add(time.Hour)))

	_, err := c.NextIntake(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "No pending summaries" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}

	err = c.SubmitPrescription(context.Background(), models.Prescription{CallID: "c"})
	if !errors.As(err, &apiErr) || apiErr.Message != "Unable to create prescription" {
		t.Fatalf("expected fallback message, got %v", err)
	}
}

func TestCallEndpoints(t *testing.T) {
	var (
		initiate initiateRequest
		patched  string
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/calls/initiate":
			_ = json.NewDecoder(r.Body).Decode(&initiate)
			_, _ = w.Write([]byte(`{"call":{"callId":"call-9","doctorCredentials":{"appId":"a","token":"t","roomId":"r","userId":"u"}}}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/api/calls/call-9/status":
			var body struct {
				Status string `json:"status"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			patched = body.Status
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/api/calls/call-9":
			_, _ = w.Write([]byte(`{"call":{"callId":"call-9","status":"missed"}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetToken("opaque-token")
	ctx := context.Background()

	phone := "+100"
	call, err := c.InitiateCall(ctx, &models.Intake{CallID: "intake-1", UserPhoneNumber: &phone})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if call.CallID != "call-9" || call.Credentials.RoomID != "r" {
		t.Fatalf("unexpected call %+v", call)
	}
	if initiate.IntakeID != "intake-1" || initiate.PatientID != nil || initiate.UserPhoneNumber == nil || *initiate.UserPhoneNumber != "+100" {
		t.Fatalf("unexpected initiate body %+v", initiate)
	}
	if auth != "Bearer opaque-token" {
		t.Fatalf("unexpected auth header %q", auth)
	}

	if err := c.UpdateCallStatus(ctx, "call-9", models.CallStatusActive); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if patched != "active" {
		t.Fatalf("unexpected patched status %q", patched)
	}

	status, err := c.GetCallStatus(ctx, "call-9")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status != models.CallStatusMissed {
		t.Fatalf("unexpected status %q", status)
	}
}
