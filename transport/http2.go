// Package transport delivers payloads to the OpenPanel collector over HTTP.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// DefaultRequestTimeout bounds a single delivery attempt.
const DefaultRequestTimeout = 30 * time.Second

// TLSFiles optionally points at PEM files for self-hosted collectors.
// All fields empty means system roots and no client certificate.
type TLSFiles struct {
	CAPath   string
	CertPath string
	KeyPath  string
}

// Empty reports whether no TLS files are configured.
func (f TLSFiles) Empty() bool {
	return f.CAPath == "" && f.CertPath == "" && f.KeyPath == ""
}

// BuildHTTPClient creates an HTTP client that negotiates HTTP/2 over TLS
// and falls back to HTTP/1.1. A client certificate enables mTLS.
func BuildHTTPClient(files TLSFiles) (*http.Client, error) {
	if (files.CertPath == "") != (files.KeyPath == "") {
		return nil, fmt.Errorf("certPath and keyPath must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if files.CAPath != "" {
		caCert, err := os.ReadFile(files.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if files.CertPath != "" {
		clientCert, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return newHTTPClient(tlsConfig), nil
}

// DefaultHTTPClient returns a fresh HTTP/2-capable client using system roots.
func DefaultHTTPClient() *http.Client {
	return newHTTPClient(&tls.Config{MinVersion: tls.VersionTLS12})
}

func newHTTPClient(tlsConfig *tls.Config) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		ExpectContinueTimeout: time.Second,
	}
	// ConfigureTransport only fails when the transport already speaks h2.
	_ = http2.ConfigureTransport(t)

	return &http.Client{
		Transport: t,
		Timeout:   DefaultRequestTimeout,
	}
}
