package openpanel

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/st-keller/openpanel-client/payload"
	"github.com/st-keller/openpanel-client/transport"
)

// Filter decides whether a payload is sent. Returning false drops it.
// It is only ever called from the client's worker.
type Filter func(payload.Payload) bool

// Config holds the client configuration. Only ClientID is required.
type Config struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	APIURL       string `yaml:"apiUrl"`

	// WaitForProfile holds events until Identify or Ready.
	WaitForProfile bool   `yaml:"waitForProfile"`
	Filter         Filter `yaml:"-"`
	Disabled       bool   `yaml:"disabled"`

	// MaxRetries: 0 means 3, negative means no retries.
	MaxRetries int `yaml:"maxRetries"`
	// InitialRetryDelay: 0 means 500ms. Doubles on every retry.
	InitialRetryDelay time.Duration `yaml:"initialRetryDelay"`

	// Optional PEM files for self-hosted collectors.
	CAPath   string `yaml:"caPath"`
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("ClientID required")
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil {
			return fmt.Errorf("invalid APIURL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("APIURL must be http or https, got %q", c.APIURL)
		}
		if u.Host == "" {
			return fmt.Errorf("APIURL must include a host, got %q", c.APIURL)
		}
	}
	if c.InitialRetryDelay < 0 {
		return fmt.Errorf("InitialRetryDelay must not be negative")
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return fmt.Errorf("CertPath and KeyPath must be set together")
	}
	return nil
}

func (c Config) apiURL() string {
	if c.APIURL == "" {
		return DefaultAPIURL
	}
	return strings.TrimRight(c.APIURL, "/")
}

func (c Config) tlsFiles() transport.TLSFiles {
	return transport.TLSFiles{CAPath: c.CAPath, CertPath: c.CertPath, KeyPath: c.KeyPath}
}

// headers derives the default delivery headers.
func (c Config) headers(userAgent string) map[string]string {
	h := map[string]string{
		HeaderClientID:   c.ClientID,
		HeaderSDKName:    SDKName,
		HeaderSDKVersion: SDKVersion,
		HeaderUserAgent:  userAgent,
	}
	if c.ClientSecret != "" {
		h[HeaderClientSecret] = c.ClientSecret
	}
	return h
}

// LoadConfig reads a YAML configuration file. Filter cannot be expressed in
// YAML and must be set by the caller afterwards.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
