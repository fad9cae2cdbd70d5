package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/airship/internal/controller"
	"github.com/loykin/airship/internal/history"
	"github.com/loykin/airship/internal/machine"
	"github.com/loykin/airship/internal/metrics"
	"github.com/loykin/airship/internal/registry"
)

// Router provides the controller's HTTP API.
// Endpoints:
//
//	POST {basePath}/register      body: {machine_id, config}
//	POST {basePath}/heartbeat     body: {machine_id, num_packets_since_last_heartbeat}
//	GET  {basePath}/machines      registry snapshot with in-flight transitions
//	POST {basePath}/debug/scan    run one scan cycle now
//	GET  {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	ctl      *controller.Controller
	recorder *history.Recorder
	logger   *slog.Logger
	basePath string
	allow    []*net.IPNet
}

// Options configures a Router. Zero values are usable.
type Options struct {
	BasePath string
	// AllowNetworks limits callers to these CIDRs; empty allows all.
	AllowNetworks []string
	Recorder      *history.Recorder
	Logger        *slog.Logger
}

// NewRouter constructs a Router. ctl may be nil, in which case /debug/scan
// answers 503.
func NewRouter(reg *registry.Registry, ctl *controller.Controller, opts Options) (*Router, error) {
	allow, err := parseNetworks(opts.AllowNetworks)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		reg:      reg,
		ctl:      ctl,
		recorder: opts.Recorder,
		logger:   logger,
		basePath: sanitizeBase(opts.BasePath),
		allow:    allow,
	}, nil
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	// the allow-list must see the socket peer, not a forwarded header
	_ = g.SetTrustedProxies(nil)
	if len(r.allow) > 0 {
		g.Use(r.allowNetworks)
	}
	group := g.Group(r.basePath)
	group.POST("/register", r.handleRegister)
	group.POST("/heartbeat", r.handleHeartbeat)
	group.GET("/machines", r.handleMachines)
	group.POST("/debug/scan", r.handleDebugScan)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer wraps h in an http.Server with the usual timeouts. tlsConfig may be nil.
func NewServer(addr string, h http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) allowNetworks(c *gin.Context) {
	ip := net.ParseIP(c.RemoteIP())
	if ip != nil {
		for _, n := range r.allow {
			if n.Contains(ip) {
				c.Next()
				return
			}
		}
	}
	r.logger.Warn("rejected request from outside allowed networks", "remote", c.RemoteIP(), "path", c.Request.URL.Path)
	writeJSON(c, http.StatusForbidden, failure("forbidden"))
	c.Abort()
}

// --- Handlers ---

// apiResp is the agent-facing envelope: {"error": null} on success.
type apiResp struct {
	Error *string `json:"error"`
}

func success() apiResp { return apiResp{} }

func failure(msg string) apiResp { return apiResp{Error: &msg} }

type okResp struct {
	OK bool `json:"ok"`
}

type registerReq struct {
	MachineID string         `json:"machine_id"`
	Config    machine.Config `json:"config"`
}

type heartbeatReq struct {
	MachineID string `json:"machine_id"`
	Packets   uint64 `json:"num_packets_since_last_heartbeat"`
}

func (r *Router) handleRegister(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, failure("invalid JSON: "+err.Error()))
		return
	}
	if req.MachineID == "" {
		writeJSON(c, http.StatusBadRequest, failure("machine_id is required"))
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeJSON(c, http.StatusBadRequest, failure(err.Error()))
		return
	}
	r.reg.Register(req.MachineID, req.Config)
	metrics.IncRegistration()
	r.logger.Info("machine registered", "machine", req.MachineID, "auto_stop", req.Config.AutoStop,
		"auto_start", req.Config.StartsAutomatically(), "timeout", req.Config.StopTimeout())
	r.recorder.Record(history.NewEvent(history.EventRegistered, req.MachineID))
	writeJSON(c, http.StatusOK, success())
}

func (r *Router) handleHeartbeat(c *gin.Context) {
	var req heartbeatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, failure("invalid JSON: "+err.Error()))
		return
	}
	err := r.reg.RecordHeartbeat(req.MachineID, req.Packets)
	metrics.AddPackets(req.Packets)
	switch {
	case err == nil:
		metrics.IncHeartbeat("ok")
		r.logger.Debug("heartbeat", "machine", req.MachineID, "packets", req.Packets)
		writeJSON(c, http.StatusOK, success())
	case errors.Is(err, registry.ErrNotRegistered):
		metrics.IncHeartbeat("not_registered")
		r.logger.Info("heartbeat from unregistered machine", "machine", req.MachineID, "packets", req.Packets)
		writeJSON(c, http.StatusBadRequest, failure(registry.ErrNotRegistered.Error()))
	default:
		metrics.IncHeartbeat("error")
		r.logger.Error("heartbeat failed", "machine", req.MachineID, "error", err)
		writeJSON(c, http.StatusBadGateway, failure(err.Error()))
	}
}

// MachineView is one row of GET /machines.
type MachineView struct {
	ID            string         `json:"id"`
	Status        machine.Status `json:"status"`
	Transition    string         `json:"transition,omitempty"`
	Config        machine.Config `json:"config"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	IdleSeconds   float64        `json:"idle_seconds"`
	RegisteredAt  time.Time      `json:"registered_at"`
}

// MachinesResp is the body of GET /machines.
type MachinesResp struct {
	Machines       []MachineView `json:"machines"`
	PendingPackets uint64        `json:"pending_packets"`
}

func (r *Router) handleMachines(c *gin.Context) {
	var inflight map[string]machine.Action
	if r.ctl != nil {
		inflight = r.ctl.InFlight()
	}
	now := time.Now()
	snap := r.reg.Snapshot()
	out := MachinesResp{Machines: make([]MachineView, 0, len(snap)), PendingPackets: r.reg.PendingPackets()}
	for _, rec := range snap {
		out.Machines = append(out.Machines, MachineView{
			ID:            rec.ID,
			Status:        rec.Status,
			Transition:    inflight[rec.ID].Transition(),
			Config:        rec.Config,
			LastHeartbeat: rec.LastHeartbeat,
			IdleSeconds:   rec.IdleFor(now).Seconds(),
			RegisteredAt:  rec.RegisteredAt,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDebugScan(c *gin.Context) {
	if r.ctl == nil {
		writeJSON(c, http.StatusServiceUnavailable, failure("controller not running"))
		return
	}
	writeJSON(c, http.StatusOK, r.ctl.ScanOnce(c.Request.Context()))
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
