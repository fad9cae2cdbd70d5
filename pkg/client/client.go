package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrNotRegistered is returned by Heartbeat when the controller does not know
// the machine. The caller is expected to Register again.
var ErrNotRegistered = errors.New("machine not registered")

// APIError is a non-2xx reply from the controller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client talks to the airship controller.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a controller API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the controller is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Controller unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// Register announces the machine and its autoscaling policy.
func (c *Client) Register(ctx context.Context, machineID string, cfg MachineConfig) error {
	c.logger.Debug("Registering machine", "machine", machineID)
	return c.doJSON(ctx, http.MethodPost, "/register", RegisterRequest{MachineID: machineID, Config: cfg}, nil)
}

// Heartbeat reports packets seen since the previous heartbeat. It returns
// ErrNotRegistered when the controller has no record of the machine.
func (c *Client) Heartbeat(ctx context.Context, machineID string, packets uint64) error {
	c.logger.Debug("Sending heartbeat", "machine", machineID, "packets", packets)
	err := c.doJSON(ctx, http.MethodPost, "/heartbeat", HeartbeatRequest{MachineID: machineID, Packets: packets}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(apiErr.Message, "not registered") {
		return fmt.Errorf("%w: %s", ErrNotRegistered, machineID)
	}
	return err
}

// Machines lists the controller's registry.
func (c *Client) Machines(ctx context.Context) (*MachinesResponse, error) {
	var out MachinesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/machines", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scan asks the controller to run one scan cycle now.
func (c *Client) Scan(ctx context.Context) (*ScanResult, error) {
	var out ScanResult
	if err := c.doJSON(ctx, http.MethodPost, "/debug/scan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg *TLSClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, // #nosec G402 opt-in for self-signed controllers
		ServerName:         cfg.ServerName,
	}
	if cfg.CACert != "" {
		if err := loadCACert(tlsConfig, cfg.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSON sends in (if non-nil) as JSON and decodes a 2xx body into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx reply into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp Response
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &errorResp); err != nil || errorResp.Error == nil {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: *errorResp.Error}
}
