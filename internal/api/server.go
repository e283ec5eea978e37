// Package api serves the session over HTTP: scans, the map, the pose and
// direct servo control, plus the websocket map feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/rover.scan/internal/envmodel"
	"github.com/banshee-data/rover.scan/internal/httputil"
	"github.com/banshee-data/rover.scan/internal/protocol"
	"github.com/banshee-data/rover.scan/internal/rover"
	"github.com/banshee-data/rover.scan/internal/serialmux"
	"github.com/banshee-data/rover.scan/internal/subsys"
	"github.com/banshee-data/rover.scan/internal/sweep"
	"github.com/banshee-data/rover.scan/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	session *rover.Session
	units   string
}

// NewServer serves session, reporting map coordinates in lengthUnits.
func NewServer(session *rover.Session, lengthUnits string) *Server {
	if !units.IsValidLength(lengthUnits) {
		lengthUnits = units.CM
	}
	return &Server{session: session, units: lengthUnits}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/map", s.showMap)
	mux.HandleFunc("/api/scan", s.runScan)
	mux.HandleFunc("/api/scans", s.handleScans)
	mux.HandleFunc("/api/pose", s.handlePose)
	mux.HandleFunc("/api/observations", s.addObservations)
	mux.HandleFunc("/api/servo", s.handleServo)
	mux.Handle("/ws", s.session.Feed().WebsocketHandler(s.session.Model().Snapshot))
	return mux
}

// writeError maps session errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, subsys.ErrInvalidArgument),
		errors.Is(err, subsys.ErrUnsupportedCombination),
		errors.Is(err, envmodel.ErrUnknownCategory),
		errors.Is(err, envmodel.ErrLengthMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, serialmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, serialmux.ErrIO),
		errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrIdentityMismatch),
		errors.Is(err, protocol.ErrRemoteRejected):
		status = http.StatusBadGateway
	}
	httputil.WriteJSONError(w, status, err.Error())
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.session.Status())
}

// showMap returns the map snapshot. ?units= overrides the server's length
// unit for this response. DELETE clears every category.
func (s *Server) showMap(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		s.session.ResetMap()
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	unit := s.units
	if q := r.URL.Query().Get("units"); q != "" {
		if !units.IsValidLength(q) {
			httputil.BadRequest(w, fmt.Sprintf("invalid units %q, want one of %s", q, units.GetValidLengthUnitsString()))
			return
		}
		unit = q
	}
	snap := s.session.Model().Snapshot()
	if c := r.URL.Query().Get("category"); c != "" {
		category, err := envmodel.ParseCategory(c)
		if err != nil {
			writeError(w, err)
			return
		}
		snap.Points = map[envmodel.Category][]envmodel.Point{category: snap.Points[category]}
	}
	httputil.WriteJSONOK(w, convertSnapshot(snap, unit))
}

func convertSnapshot(snap envmodel.Snapshot, unit string) envmodel.Snapshot {
	if unit == units.CM {
		return snap
	}
	pose := func(p envmodel.Pose) envmodel.Pose {
		return envmodel.Pose{X: units.ConvertLength(p.X, unit), Y: units.ConvertLength(p.Y, unit), Heading: p.Heading}
	}
	snap.Pose = pose(snap.Pose)
	for i, p := range snap.PoseHistory {
		snap.PoseHistory[i] = pose(p)
	}
	for c, pts := range snap.Points {
		for i, p := range pts {
			pts[i] = envmodel.Point{X: units.ConvertLength(p.X, unit), Y: units.ConvertLength(p.Y, unit)}
		}
		snap.Points[c] = pts
	}
	return snap
}

type scanResponse struct {
	Scan    rover.Scan    `json:"scan"`
	Summary sweep.Summary `json:"summary"`
}

// runScan sweeps with the body's request, or the configured default when
// the body is empty.
func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	req := s.session.DefaultRequest()
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	scan, err := s.session.Scan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, scanResponse{Scan: scan, Summary: scan.Result.Summary()})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.session.Scans())
	case http.MethodDelete:
		s.session.ClearScans()
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handlePose(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.session.Model().Pose())
	case http.MethodPut, http.MethodPost:
		var p envmodel.Pose
		if err := httputil.DecodeJSON(r, &p); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		p.Heading = units.NormalizeDegrees(p.Heading)
		s.session.SetPose(p)
		httputil.WriteJSONOK(w, p)
	default:
		httputil.MethodNotAllowed(w)
	}
}

type observationRequest struct {
	Category string           `json:"category"`
	Points   []envmodel.Point `json:"points"`
}

func (s *Server) addObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req observationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	category, err := envmodel.ParseCategory(req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.session.Observe(category, req.Points...)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, u)
}

type servoRequest struct {
	State *string `json:"state,omitempty"`
	Angle *int    `json:"angle,omitempty"`
	Wait  bool    `json:"wait,omitempty"`
	Pulse *uint16 `json:"pulse_width,omitempty"`
}

type servoResponse struct {
	State string `json:"state"`
}

// handleServo reports the servo power state on GET. POST applies whichever
// of state, angle and pulse_width the body sets, in that order.
func (s *Server) handleServo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req servoRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.State != nil {
			on, err := subsys.ParseState(*req.State)
			if err != nil {
				writeError(w, err)
				return
			}
			if err := s.session.SetServoState(ctx, on); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.Angle != nil {
			if err := s.session.MoveServo(ctx, *req.Angle, req.Wait); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.Pulse != nil {
			if err := s.session.SetServoPulse(ctx, *req.Pulse); err != nil {
				writeError(w, err)
				return
			}
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}

	on, err := s.session.ServoState(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	httputil.WriteJSONOK(w, servoResponse{State: state})
}
