package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		" WWW.Clinic.Example ": "clinic.example",
		"clinic.example":       "clinic.example",
		"localhost":            "localhost",
	}
	for in, want := range cases {
		if got := normalizeDomain(in); got != want {
			t.Fatalf("normalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := generateSelfSignedCert([]string{"127.0.0.1:8443", "console.local"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("key pair: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cert.Subject.CommonName != "console.local" {
		t.Fatalf("unexpected common name %q", cert.Subject.CommonName)
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("unexpected ip addresses %v", cert.IPAddresses)
	}
}

func TestTLSErrorFilterDropsUnconfiguredHosts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	w := newTLSErrorWriter(logger)

	_, _ = w.Write([]byte(`http: TLS handshake error from 1.2.3.4:5: acme/autocert: host "x" not configured`))
	if buf.Len() != 0 {
		t.Fatalf("expected handshake noise to be dropped, got %s", buf.String())
	}

	_, _ = w.Write([]byte("http: Accept error: too many open files\n"))
	if !strings.Contains(buf.String(), "too many open files") {
		t.Fatalf("expected server error to be logged, got %s", buf.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(slogGinLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected a generated request id")
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "abc")
	router.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "abc" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	srv := newServer("127.0.0.1:0", http.NotFoundHandler(), logger)

	done := make(chan error, 1)
	go func() { done <- serve(ctx, logger, listener{name: "test server", srv: srv}) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestServeReturnsListenError(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := newServer("127.0.0.1:-1", http.NotFoundHandler(), logger)

	err := serve(context.Background(), logger, listener{name: "bad server", srv: srv})
	if err == nil || !strings.Contains(err.Error(), "bad server") {
		t.Fatalf("expected listen error, got %v", err)
	}
}
