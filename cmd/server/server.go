package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/curocall/internal/config"
)

const (
	serverReadTimeout = 15 * time.Second
	// Long enough for a request that initiates a call against a slow backend.
	serverWriteTimeout = 30 * time.Second
	serverIdleTimeout  = 60 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func newServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
		ErrorLog:     log.New(newTLSErrorWriter(logger), "", 0),
	}
}

type listener struct {
	name string
	srv  *http.Server
	tls  bool
}

// serve runs the listeners until ctx is cancelled or one of them fails, then
// shuts all of them down.
func serve(ctx context.Context, logger *slog.Logger, listeners ...listener) error {
	errc := make(chan error, len(listeners))
	for _, l := range listeners {
		l := l
		go func() {
			logger.Info(l.name+" starting", "addr", l.srv.Addr)
			var err error
			if l.tls {
				err = l.srv.ListenAndServeTLS("", "")
			} else {
				err = l.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s: %w", l.name, err)
				return
			}
			errc <- nil
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, l := range listeners {
		if serr := l.srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("server shutdown failed", "server", l.name, "error", serr)
		}
	}
	return err
}

func startServer(ctx context.Context, router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) error {
	switch {
	case cfg.HTTPOnly:
		logger.Info("serving plain HTTP", "frontend_uri", cfg.FrontendURI)
		return serve(ctx, logger, listener{name: "http server", srv: newServer(":"+cfg.HTTPPort, router, logger)})
	case selfSigned:
		return startSelfSignedHTTPS(ctx, router, cfg, logger)
	default:
		return startAutocertHTTPS(ctx, router, cfg, logger)
	}
}

func startAutocertHTTPS(ctx context.Context, router *gin.Engine, cfg *config.Config, logger *slog.Logger) error {
	certsDir := getCertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return fmt.Errorf("create certs directory: %w", err)
	}

	domain := normalizeDomain(cfg.Domain)
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	// ACME challenges are answered on plain HTTP, everything else is redirected.
	httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	httpsServer := newServer(":"+cfg.HTTPSPort, router, logger)
	httpsServer.TLSConfig = m.TLSConfig()

	go startCertificateRenewal(ctx, m, domain, logger)

	logger.Info("using Let's Encrypt certificates", "domain", domain, "certs_dir", certsDir)
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}

	return serve(ctx, logger,
		listener{name: "http server (ACME challenge & redirects)", srv: newServer(":"+cfg.HTTPPort, httpHandler, logger)},
		listener{name: "https server", srv: httpsServer, tls: true},
	)
}

func startSelfSignedHTTPS(ctx context.Context, router *gin.Engine, cfg *config.Config, logger *slog.Logger) error {
	hosts := []string{"localhost"}
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load self-signed certificate: %w", err)
	}

	httpsServer := newServer(":"+cfg.HTTPSPort, router, logger)
	httpsServer.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		target := "https://" + host + ":" + cfg.HTTPSPort + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})

	logger.Info("using a self-signed certificate", "hosts", hosts)
	return serve(ctx, logger,
		listener{name: "http redirect server", srv: newServer(":"+cfg.HTTPPort, redirect, logger)},
		listener{name: "https server (self-signed)", srv: httpsServer, tls: true},
	)
}

// startCertificateRenewal checks the cached certificate once after startup
// and then monthly.
func startCertificateRenewal(ctx context.Context, m *autocert.Manager, domain string, logger *slog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
	}

	ticker := time.NewTicker(30 * 24 * time.Hour)
	defer ticker.Stop()

	for {
		checkAndRenewCertificate(m, domain, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func checkAndRenewCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	hello := &tls.ClientHelloInfo{ServerName: domain}
	cert, err := m.GetCertificate(hello)
	if err != nil || cert == nil || len(cert.Certificate) == 0 {
		logger.Warn("certificate not cached yet, it will be obtained on the next request", "domain", domain, "error", err)
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			logger.Error("failed to parse certificate", "domain", domain, "error", err)
			return
		}
	}

	days := int(time.Until(leaf.NotAfter).Hours() / 24)
	logger.Info("certificate checked", "domain", domain, "expires", leaf.NotAfter.Format("2006-01-02"), "days_left", days)
	if days >= 30 {
		return
	}
	// autocert renews on access once the certificate is close to expiry.
	if _, err := m.GetCertificate(hello); err != nil {
		logger.Error("certificate renewal failed", "domain", domain, "error", err)
		return
	}
	logger.Info("certificate renewal triggered", "domain", domain)
}

func getCertsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

// normalizeDomain lowercases the domain and strips a www. prefix.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

func generateSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	var (
		dnsNames []string
		ipAddrs  []net.IP
	)
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	commonName := "localhost"
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else {
		commonName = ipAddrs[0].String()
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Curocall Development"},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	var certBuf, keyBuf bytes.Buffer
	if err := pem.Encode(&certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("encode certificate: %w", err)
	}
	if err := pem.Encode(&keyBuf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("encode private key: %w", err)
	}
	return certBuf.Bytes(), keyBuf.Bytes(), nil
}
