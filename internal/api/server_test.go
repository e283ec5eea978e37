package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover.scan/internal/calibration"
	"github.com/banshee-data/rover.scan/internal/envmodel"
	"github.com/banshee-data/rover.scan/internal/protocol"
	"github.com/banshee-data/rover.scan/internal/rover"
	"github.com/banshee-data/rover.scan/internal/simulator"
)

func flatSource(sub protocol.SubsystemID, angle, sample int) uint16 {
	if sub == protocol.Sonar {
		return 50
	}
	return 100
}

func newTestServer(t *testing.T, cfg simulator.Config) (*simulator.Rover, *rover.Session, http.Handler) {
	t.Helper()
	if cfg.Source == nil {
		cfg.Source = flatSource
	}
	sim := simulator.New(cfg)
	session, err := rover.New(sim, nil, rover.WithCalibration(calibration.Set{
		Infrared: calibration.Identity,
		Sonar:    calibration.Identity,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return sim, session, NewServer(session, "cm").ServeMux()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestStatus(t *testing.T) {
	_, session, h := newTestServer(t, simulator.Config{})

	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status rover.Status
	decode(t, rec, &status)
	assert.Equal(t, session.ID(), status.ID)
	assert.Zero(t, status.Scans)

	rec = do(t, h, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestScanAndMap(t *testing.T) {
	_, session, h := newTestServer(t, simulator.Config{})

	rec := do(t, h, http.MethodPost, "/api/scan", `{"start": 89, "end": 91, "samples": 2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got scanResponse
	decode(t, rec, &got)
	assert.NotEmpty(t, got.Scan.ID)
	assert.Len(t, got.Scan.Result.Infrared, 6)
	assert.Len(t, got.Scan.Result.Sonar, 6)
	require.Len(t, got.Summary.Sonar, 3)
	assert.Equal(t, 2, got.Summary.Sonar[0].Count)
	assert.Equal(t, 50.0, got.Summary.Sonar[1].Mean)

	rec = do(t, h, http.MethodGet, "/api/scans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var scans []rover.Scan
	decode(t, rec, &scans)
	require.Len(t, scans, 1)
	assert.Equal(t, got.Scan.ID, scans[0].ID)

	rec = do(t, h, http.MethodGet, "/api/map?units=m&category=sonar-observation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap envmodel.Snapshot
	decode(t, rec, &snap)
	require.Len(t, snap.Points, 1)
	sonar := snap.Points[envmodel.SonarObservation]
	require.Len(t, sonar, 6)
	// The 90° samples point straight ahead along +x.
	assert.InDelta(t, 0.5, sonar[2].X, 1e-9)
	assert.InDelta(t, 0, sonar[2].Y, 1e-9)

	rec = do(t, h, http.MethodDelete, "/api/scans", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/scans", "")
	decode(t, rec, &scans)
	assert.Empty(t, scans)

	rec = do(t, h, http.MethodGet, "/api/map?category=sonar", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, updates := session.Feed().Subscribe()
	rec = do(t, h, http.MethodDelete, "/api/map", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	select {
	case u := <-updates:
		assert.True(t, u.Reset)
		assert.Equal(t, session.Model().Snapshot().Seq, u.Seq)
	case <-time.After(time.Second):
		t.Fatal("map reset not published")
	}
	rec = do(t, h, http.MethodGet, "/api/map", "")
	snap = envmodel.Snapshot{}
	decode(t, rec, &snap)
	assert.Empty(t, snap.Points[envmodel.SonarObservation])
}

func TestScanDefaultRequest(t *testing.T) {
	sim, _, h := newTestServer(t, simulator.Config{})

	rec := do(t, h, http.MethodPost, "/api/scan", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got scanResponse
	decode(t, rec, &got)
	assert.Equal(t, 0, got.Scan.Result.Request.Start)
	assert.Equal(t, 180, got.Scan.Result.Request.End)
	assert.Len(t, got.Scan.Result.Infrared, 181*3)
	assert.Equal(t, 180, sim.Angle())
}

func TestScanErrors(t *testing.T) {
	_, _, h := newTestServer(t, simulator.Config{RejectReadingsAfter: 1})

	rec := do(t, h, http.MethodPost, "/api/scan", `{"start": 0, "end": 200, "samples": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/scan", `{"start": 0, "end": 1, "samples": 1, "speed": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/scan", `{"start": 0, "end": 1, "samples": 1}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/scans", "")
	var scans []rover.Scan
	decode(t, rec, &scans)
	assert.Empty(t, scans)
}

func TestMapRejectsUnits(t *testing.T) {
	_, _, h := newTestServer(t, simulator.Config{})
	rec := do(t, h, http.MethodGet, "/api/map?units=furlongs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/map?category=puddle", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPose(t *testing.T) {
	_, session, h := newTestServer(t, simulator.Config{})

	rec := do(t, h, http.MethodPut, "/api/pose", `{"x": 10, "y": 20, "heading": -270}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, envmodel.Pose{X: 10, Y: 20, Heading: 90}, session.Model().Pose())

	rec = do(t, h, http.MethodGet, "/api/pose", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p envmodel.Pose
	decode(t, rec, &p)
	assert.Equal(t, 90.0, p.Heading)
}

func TestObservations(t *testing.T) {
	_, session, h := newTestServer(t, simulator.Config{})

	rec := do(t, h, http.MethodPost, "/api/observations", `{"category": "Bump", "points": [{"x": 1, "y": 2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var u envmodel.Update
	decode(t, rec, &u)
	assert.Equal(t, []envmodel.Point{{X: 1, Y: 2}}, u.Added[envmodel.Bump])
	assert.Equal(t, 1, session.Model().Counts()[envmodel.Bump])

	rec = do(t, h, http.MethodPost, "/api/observations", `{"category": "puddle", "points": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServo(t *testing.T) {
	sim, session, h := newTestServer(t, simulator.Config{MovingFrames: 3})

	rec := do(t, h, http.MethodPost, "/api/servo", `{"state": "on", "angle": 45, "wait": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got servoResponse
	decode(t, rec, &got)
	assert.Equal(t, "on", got.State)
	assert.Equal(t, 45, sim.Angle())

	rec = do(t, h, http.MethodPost, "/api/servo", `{"pulse_width": 1500}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint16(1500), sim.PulseWidth())

	rec = do(t, h, http.MethodPost, "/api/servo", `{"angle": 181}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/servo", `{"state": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/servo", `{"state": "off"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, "off", got.State)
	assert.False(t, sim.ServoOn())

	// A waited move consumes all of its status frames, so the state query
	// that follows reads its own reply.
	rec = do(t, h, http.MethodPost, "/api/servo", `{"state": "on", "angle": 10, "wait": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10, sim.Angle())

	require.NoError(t, session.Close())
	rec = do(t, h, http.MethodGet, "/api/servo", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := do(t, h, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
