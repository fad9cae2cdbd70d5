package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/loykin/airship/internal/machine"
)

// DefaultFlyBaseURL is the public Machines API endpoint.
const DefaultFlyBaseURL = "https://api.machines.dev"

// FlyConfig configures the Fly Machines API client.
type FlyConfig struct {
	BaseURL string
	AppName string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Fly calls the Fly Machines REST API. Each call is a POST to
// {base}/v1/apps/{app}/machines/{id}/{action} with a bearer token.
type Fly struct {
	baseURL string
	app     string
	client  *http.Client
	logger  *slog.Logger
}

// responses that mean the machine is already where we want it
var idempotentMarkers = []string{
	"current state invalid",
	"already started",
	"already stopped",
	"already suspended",
}

func NewFly(cfg FlyConfig) (*Fly, error) {
	if cfg.Token == "" {
		return nil, errors.New("fly: token required")
	}
	if cfg.AppName == "" {
		return nil, errors.New("fly: app name required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFlyBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	return &Fly{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		app:     cfg.AppName,
		logger:  cfg.Logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport},
		},
	}, nil
}

type stopRequest struct {
	Signal string `json:"signal,omitempty"`
}

func (f *Fly) Start(ctx context.Context, id string) error {
	return f.call(ctx, machine.ActionStart, id, nil)
}

func (f *Fly) Stop(ctx context.Context, id, signal string) error {
	return f.call(ctx, machine.ActionStop, id, &stopRequest{Signal: signal})
}

func (f *Fly) Suspend(ctx context.Context, id, signal string) error {
	return f.call(ctx, machine.ActionSuspend, id, &stopRequest{Signal: signal})
}

func (f *Fly) endpoint(id string, action machine.Action) string {
	return fmt.Sprintf("%s/v1/apps/%s/machines/%s/%s",
		f.baseURL, url.PathEscape(f.app), url.PathEscape(id), action)
}

func (f *Fly) call(ctx context.Context, action machine.Action, id string, body any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &CallError{Action: action, MachineID: id, Err: err}
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint(id, action), rdr)
	if err != nil {
		return &CallError{Action: action, MachineID: id, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return &CallError{Action: action, MachineID: id, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.logger.Debug("lifecycle call ok", "action", action, "machine", id)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(raw))
	lower := strings.ToLower(text)
	for _, m := range idempotentMarkers {
		if strings.Contains(lower, m) {
			f.logger.Debug("lifecycle call no-op", "action", action, "machine", id, "status", resp.StatusCode)
			return nil
		}
	}
	return &CallError{Action: action, MachineID: id, StatusCode: resp.StatusCode, Body: text}
}
