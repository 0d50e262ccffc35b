package monitor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/discovery"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/httputil"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

//go:embed dashboard.html
var dashboardHTML embed.FS

const (
	// DefaultLiveRate matches the redraw rate of the bench GUI.
	DefaultLiveRate = 16

	defaultLatest     = 200
	maxDiscoverWindow = 30 * time.Second
)

// Recorder receives audit events from the web surface. The capture store
// implements it; a nil Recorder disables auditing.
type Recorder interface {
	RecordDevice(ctx context.Context, ep agv.Endpoint) error
	RecordCommand(ctx context.Context, ep agv.Endpoint, cmd agv.Command, sendErr error) error
}

// AdminAttacher mounts extra routes under /debug/.
type AdminAttacher interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Hub     *Hub
	// Session carries telemetry and, unless Control is connected, commands.
	Session *link.Session
	// Control is an optional command-only session, opened when a vehicle
	// advertises a separate control port.
	Control   *link.Session
	Discovery discovery.Source
	Recorder  Recorder
	// LiveRate caps /api/live frames per second.
	LiveRate float64
	Admin    []AdminAttacher
}

// WebServer exposes the link and its buffered telemetry over HTTP.
type WebServer struct {
	address   string
	hub       *Hub
	session   *link.Session
	control   *link.Session
	discovery discovery.Source
	recorder  Recorder
	liveRate  rate.Limit
	admin     []AdminAttacher
	server    *http.Server
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		hub:       config.Hub,
		session:   config.Session,
		control:   config.Control,
		discovery: config.Discovery,
		recorder:  config.Recorder,
		liveRate:  rate.Limit(config.LiveRate),
		admin:     config.Admin,
	}
	if ws.hub == nil {
		ws.hub = NewHub(0)
	}
	if ws.liveRate <= 0 {
		ws.liveRate = DefaultLiveRate
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.Handler(),
	}
	return ws
}

// Start serves until ctx is cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}
	monitoring.Logf("[monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[monitor] HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("[monitor] HTTP server routine stopped")
	return nil
}

// Handler returns the route table.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", ws.handleDashboard)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/discover", ws.handleDiscover)
	mux.HandleFunc("/api/connect", ws.handleConnect)
	mux.HandleFunc("/api/disconnect", ws.handleDisconnect)
	mux.HandleFunc("/api/command", ws.handleCommand)
	mux.HandleFunc("/api/imu", ws.handleIMU)
	mux.HandleFunc("/api/imu/stats", ws.handleIMUStats)
	mux.HandleFunc("/api/lidar/latest", ws.handleLiDARLatest)
	mux.HandleFunc("/api/clear", ws.handleClear)
	mux.HandleFunc("/api/live", ws.handleLive)
	mux.HandleFunc("/charts/imu", ws.handleIMUChart)
	mux.HandleFunc("/charts/lidar", ws.handleLiDARChart)
	mux.HandleFunc("/plots/imu.png", ws.handleIMUPlot)
	mux.HandleFunc("/plots/lidar.png", ws.handleLiDARPlot)

	if ws.session != nil {
		ws.session.AttachAdminRoutes(mux)
	}
	if ws.control != nil {
		ws.control.AttachAdminRoutes(mux)
	}
	for _, a := range ws.admin {
		a.AttachAdminRoutes(mux)
	}
	return mux
}

// Close immediately closes the HTTP server.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.NotFound(w, "not found")
		return
	}
	page, err := dashboardHTML.ReadFile("dashboard.html")
	if err != nil {
		httputil.InternalServerError(w, "dashboard unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

type statusResponse struct {
	Link       link.Status  `json:"link"`
	Control    *link.Status `json:"control,omitempty"`
	IMUSamples int          `json:"imu_samples"`
	HasLiDAR   bool         `json:"has_lidar"`
}

func (ws *WebServer) status() statusResponse {
	resp := statusResponse{IMUSamples: ws.hub.Len()}
	if ws.session != nil {
		resp.Link = ws.session.Status()
	}
	if ws.control != nil {
		st := ws.control.Status()
		resp.Control = &st
	}
	_, resp.HasLiDAR = ws.hub.LatestLiDAR()
	return resp
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.status())
}

// handleDiscover runs one discovery pass.
// Query params:
//
//	timeout (optional, milliseconds, default 2500)
func (ws *WebServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.discovery == nil {
		httputil.NotFound(w, "discovery disabled")
		return
	}
	ms, err := httputil.QueryInt(r, "timeout", int(discovery.DefaultTimeout/time.Millisecond))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout <= 0 || timeout > maxDiscoverWindow {
		httputil.BadRequest(w, fmt.Sprintf("timeout must be between 1 and %d ms", maxDiscoverWindow.Milliseconds()))
		return
	}

	eps, err := discovery.Collect(ws.discovery.Discover(r.Context(), timeout))
	if err != nil && len(eps) == 0 {
		httputil.BadGateway(w, err.Error())
		return
	}
	if eps == nil {
		eps = []agv.Endpoint{}
	}
	if ws.recorder != nil {
		for _, ep := range eps {
			if rerr := ws.recorder.RecordDevice(r.Context(), ep); rerr != nil {
				monitoring.Logf("[monitor] record device %s: %v", ep, rerr)
			}
		}
	}
	resp := map[string]interface{}{"devices": eps}
	if err != nil {
		resp["error"] = err.Error()
	}
	httputil.WriteJSONOK(w, resp)
}

func endpointFromForm(r *http.Request) (agv.Endpoint, error) {
	ep := agv.Endpoint{
		Name:    strings.TrimSpace(r.FormValue("name")),
		Address: strings.TrimSpace(r.FormValue("address")),
	}
	if ep.Address == "" {
		return ep, errors.New("missing 'address' parameter")
	}
	var err error
	if ep.Port, err = httputil.QueryInt(r, "port", 0); err != nil {
		return ep, err
	}
	if ep.ControlPort, err = httputil.QueryInt(r, "ctrl_port", 0); err != nil {
		return ep, err
	}
	if ep.IMUPort, err = httputil.QueryInt(r, "imu_port", 0); err != nil {
		return ep, err
	}
	// serial device paths carry no port
	if !strings.HasPrefix(ep.Address, "/") && (ep.Port < 1 || ep.Port > 65535) {
		return ep, fmt.Errorf("invalid port %d", ep.Port)
	}
	return ep, nil
}

func linkErrorStatus(err error) int {
	switch {
	case errors.Is(err, link.ErrBusy), errors.Is(err, link.ErrClosed), errors.Is(err, link.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// handleConnect dials the vehicle. When the endpoint advertises a separate
// control port and a control session is configured, it is connected too.
func (ws *WebServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.session == nil {
		httputil.NotFound(w, "no session configured")
		return
	}
	ep, err := endpointFromForm(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	// the control link belongs to the previous vehicle until proven otherwise
	if ws.control != nil {
		ws.control.Disconnect()
	}
	if err := ws.session.Connect(r.Context(), ep); err != nil {
		httputil.WriteJSONError(w, linkErrorStatus(err), err.Error())
		return
	}
	if ctrl, ok := ep.Control(); ok && ws.control != nil {
		if err := ws.control.Connect(r.Context(), ctrl); err != nil {
			// telemetry stays up; the control error surfaces in status
			monitoring.Logf("[monitor] control connect %s: %v", ctrl, err)
		}
	}
	httputil.WriteJSONOK(w, ws.status())
}

func (ws *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.control != nil {
		ws.control.Disconnect()
	}
	if ws.session != nil {
		ws.session.Disconnect()
	}
	httputil.WriteJSONOK(w, ws.status())
}

// commandTarget picks the control session when it is connected to the same
// vehicle as the telemetry session.
func (ws *WebServer) commandTarget() *link.Session {
	if ws.control == nil || ws.control.State() != link.Connected {
		return ws.session
	}
	if ws.session != nil && ws.control.Endpoint().Address != ws.session.Endpoint().Address {
		return ws.session
	}
	return ws.control
}

func commandFromForm(r *http.Request) (agv.Command, error) {
	text := strings.TrimSpace(r.FormValue("command"))
	if text == "" {
		return agv.Command{}, errors.New("missing 'command' parameter")
	}
	if strings.EqualFold(text, "drive") {
		v, err := httputil.QueryInt(r, "v", 0)
		if err != nil {
			return agv.Command{}, err
		}
		wv, err := httputil.QueryInt(r, "w", 0)
		if err != nil {
			return agv.Command{}, err
		}
		return agv.Drive(v, wv), nil
	}
	return agv.ParseCommand(text)
}

// handleCommand sends one control command.
// Form params:
//
//	command (required): stop | drive | raw <op> [payload]
//	v, w (drive only): mm/s and deg/s
func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	cmd, err := commandFromForm(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	target := ws.commandTarget()
	if target == nil {
		httputil.Conflict(w, link.ErrNotConnected.Error())
		return
	}
	ep := target.Endpoint()
	sendErr := target.Send(cmd)
	if ws.recorder != nil {
		if err := ws.recorder.RecordCommand(r.Context(), ep, cmd, sendErr); err != nil {
			monitoring.Logf("[monitor] record command: %v", err)
		}
	}
	if sendErr != nil {
		httputil.WriteJSONError(w, linkErrorStatus(sendErr), sendErr.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"sent": cmd.String(), "endpoint": ep})
}

// handleIMU returns buffered IMU samples.
// Query params:
//
//	since (optional): only samples with a greater sequence number
//	n (optional, default 200, max 2000): most recent n samples
func (ws *WebServer) handleIMU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	var samples []IMUPoint
	if raw := r.URL.Query().Get("since"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid since %q", raw))
			return
		}
		samples = ws.hub.Since(uint32(seq))
	} else {
		n, err := httputil.QueryInt(r, "n", defaultLatest)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		samples = ws.hub.Latest(n)
	}
	if samples == nil {
		samples = []IMUPoint{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"count": len(samples), "samples": samples})
}

func (ws *WebServer) handleIMUStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.hub.Stats())
}

type lidarResponse struct {
	agv.LiDARScan
	Points []agv.Point `json:"points"`
}

func (ws *WebServer) handleLiDARLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	scan, ok := ws.hub.LatestLiDAR()
	if !ok {
		httputil.NotFound(w, "no lidar scan received")
		return
	}
	httputil.WriteJSONOK(w, lidarResponse{LiDARScan: scan, Points: scan.Points()})
}

func (ws *WebServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	ws.hub.Reset()
	httputil.WriteJSONOK(w, map[string]string{"status": "cleared"})
}

// liveFrame is one /api/live update: the IMU samples received since the
// previous frame, the newest scan if it changed, and the link status.
type liveFrame struct {
	IMU    []agv.IMUSample `json:"imu"`
	LiDAR  *agv.LiDARScan  `json:"lidar,omitempty"`
	Status link.Status     `json:"status"`
}

func (ws *WebServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := httputil.StartEventStream(w)
	if !ok {
		return
	}

	id, samples := ws.hub.Subscribe()
	defer ws.hub.Unsubscribe(id)

	limiter := rate.NewLimiter(ws.liveRate, 1)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / float64(ws.liveRate)))
	defer ticker.Stop()

	var pending liveFrame
	dirty := false
	flush := func() bool {
		if !dirty || !limiter.Allow() {
			return true
		}
		if ws.session != nil {
			pending.Status = ws.session.Status()
		}
		if pending.IMU == nil {
			pending.IMU = []agv.IMUSample{}
		}
		if err := httputil.WriteEvent(w, flusher, "frame", pending); err != nil {
			return false
		}
		pending = liveFrame{}
		dirty = false
		return true
	}

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				return
			}
			switch v := s.(type) {
			case agv.IMUSample:
				pending.IMU = append(pending.IMU, v)
			case agv.LiDARScan:
				pending.LiDAR = &v
			}
			dirty = true
			if !flush() {
				return
			}
		case <-ticker.C:
			if !flush() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
