// Package rover is the session handle: it owns the serial link, the three
// subsystem drivers, the sweep controller, the environment model and the
// map feed for one connected rover. A session begins at Open or New and
// ends at Close.
package rover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rover.scan/internal/calibration"
	"github.com/banshee-data/rover.scan/internal/config"
	"github.com/banshee-data/rover.scan/internal/envmodel"
	"github.com/banshee-data/rover.scan/internal/mapfeed"
	"github.com/banshee-data/rover.scan/internal/monitoring"
	"github.com/banshee-data/rover.scan/internal/serialmux"
	"github.com/banshee-data/rover.scan/internal/subsys"
	"github.com/banshee-data/rover.scan/internal/sweep"
	"github.com/banshee-data/rover.scan/internal/timeutil"
)

// Archive persists scans and map updates. *db.DB satisfies it. Archive
// failures are logged and never fail a scan.
type Archive interface {
	StartSession(sessionID, port string) error
	RecordScan(sessionID, scanID string, req sweep.Request, pose envmodel.Pose, res *sweep.Result) error
	RecordObservations(sessionID string, u envmodel.Update) error
}

// Option configures a Session.
type Option func(*options)

type options struct {
	archive     Archive
	clock       timeutil.Clock
	progress    func(sweep.Progress)
	calibration *calibration.Set
}

// WithArchive records every scan and map update in a.
func WithArchive(a Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithClock sets the clock for link deadlines, servo settling and scan
// timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithProgress observes sweep state changes.
func WithProgress(f func(sweep.Progress)) Option {
	return func(o *options) { o.progress = f }
}

// WithCalibration replaces the converters the configuration describes.
func WithCalibration(set calibration.Set) Option {
	return func(o *options) { o.calibration = &set }
}

// Scan is one completed sweep in the session's history.
type Scan struct {
	ID     string        `json:"id"`
	At     time.Time     `json:"at"`
	Pose   envmodel.Pose `json:"pose"`
	Result *sweep.Result `json:"result"`
}

// Session is one connected rover.
type Session struct {
	id       string
	portName string
	clock    timeutil.Clock
	archive  Archive

	link       *serialmux.SerialMux[serialmux.SerialPorter]
	servo      *subsys.Servo
	sonar      *subsys.Sonar
	infrared   *subsys.Infrared
	controller *sweep.Controller
	model      *envmodel.Model
	feed       *mapfeed.Hub
	defaults   sweep.Request
	sonarOn    bool
	infraredOn bool

	// scanMu serialises everything that drives the link.
	scanMu sync.Mutex
	closed bool

	mu       sync.Mutex
	scans    []Scan
	progress sweep.Progress
}

// Open opens the serial port named by cfg through factory and starts a
// session on it.
func Open(cfg *config.SessionConfig, factory serialmux.SerialPortFactory, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.EmptySessionConfig()
	}
	o := buildOptions(opts)
	link, err := serialmux.OpenSerialMux(factory, cfg.GetPort(), cfg.GetSerial(),
		serialmux.WithResponseTimeout(cfg.GetResponseTimeout()),
		serialmux.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.GetPort(), err)
	}
	s, err := newSession(link, cfg.GetPort(), cfg, o)
	if err != nil {
		link.Close()
		return nil, err
	}
	return s, nil
}

// New starts a session on a port the caller has already opened.
func New(port serialmux.SerialPorter, cfg *config.SessionConfig, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.EmptySessionConfig()
	}
	o := buildOptions(opts)
	link := serialmux.NewSerialMux[serialmux.SerialPorter](port,
		serialmux.WithResponseTimeout(cfg.GetResponseTimeout()),
		serialmux.WithClock(o.clock))
	s, err := newSession(link, cfg.GetPort(), cfg, o)
	if err != nil {
		link.Close()
		return nil, err
	}
	return s, nil
}

func buildOptions(opts []Option) options {
	o := options{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newSession(link *serialmux.SerialMux[serialmux.SerialPorter], portName string, cfg *config.SessionConfig, o options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cal, err := cfg.GetCalibration()
	if err != nil {
		return nil, err
	}
	if o.calibration != nil {
		cal = *o.calibration
	}

	s := &Session{
		id:         uuid.NewString(),
		portName:   portName,
		clock:      o.clock,
		archive:    o.archive,
		link:       link,
		servo:      subsys.NewServo(link),
		sonar:      subsys.NewSonar(link),
		infrared:   subsys.NewInfrared(link),
		model:      envmodel.NewModel(),
		feed:       mapfeed.NewHub(cfg.GetFeedBuffer()),
		defaults:   cfg.GetSweepRequest(),
		sonarOn:    cfg.GetSonarEnabled(),
		infraredOn: cfg.GetInfraredEnabled(),
	}

	var positioner sweep.Positioner = sweep.ServoPositioner{Servo: s.servo}
	if cal.ServoPulse != nil {
		positioner = sweep.PulsePositioner{Servo: s.servo, Convert: cal.ServoPulse, Settle: cfg.GetSettle(), Clock: o.clock}
	}
	sc := sweep.Config{
		Positioner:  positioner,
		Calibration: cal,
		Randomized:  cfg.GetRandomized(),
		Progress:    s.observe(o.progress),
	}
	if s.infraredOn {
		sc.Infrared = s.infrared
	}
	if s.sonarOn {
		sc.Sonar = s.sonar
	}
	s.controller = sweep.NewController(sc)

	if s.archive != nil {
		if err := s.archive.StartSession(s.id, portName); err != nil {
			monitoring.Logf("rover: archive session %s: %v", s.id, err)
		}
	}
	monitoring.Logf("rover: session %s on %s", s.id, portName)
	return s, nil
}

func (s *Session) observe(next func(sweep.Progress)) func(sweep.Progress) {
	return func(p sweep.Progress) {
		s.mu.Lock()
		s.progress = p
		s.mu.Unlock()
		if next != nil {
			next(p)
		}
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Init initialises the servo and every enabled range sensor.
func (s *Session) Init(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.closed {
		return serialmux.ErrClosed
	}
	if err := s.servo.Init(ctx); err != nil {
		return err
	}
	if s.sonarOn {
		if err := s.sonar.Init(ctx); err != nil {
			return err
		}
	}
	if s.infraredOn {
		if err := s.infrared.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRequest returns the configured sweep.
func (s *Session) DefaultRequest() sweep.Request { return s.defaults }

// Scan sweeps req, records the result in the scan history, projects it into
// the environment model from the current pose and publishes the update. A
// failed sweep changes nothing.
func (s *Session) Scan(ctx context.Context, req sweep.Request) (Scan, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.closed {
		return Scan{}, serialmux.ErrClosed
	}

	res, err := s.controller.Sweep(ctx, req)
	if err != nil {
		return Scan{}, err
	}

	pose := s.model.Pose()
	irAngles, irDistances := res.Infrared.Columns()
	sonarAngles, sonarDistances := res.Sonar.Columns()
	update, err := s.model.IngestScan(
		envmodel.Columns{Angles: irAngles, Distances: irDistances},
		envmodel.Columns{Angles: sonarAngles, Distances: sonarDistances},
		pose,
	)
	if err != nil {
		return Scan{}, err
	}

	scan := Scan{ID: uuid.NewString(), At: s.clock.Now(), Pose: pose, Result: res}
	s.mu.Lock()
	s.scans = append(s.scans, scan)
	s.mu.Unlock()

	s.feed.Publish(update)
	if s.archive != nil {
		if err := s.archive.RecordScan(s.id, scan.ID, req, pose, res); err != nil {
			monitoring.Logf("rover: archive scan %s: %v", scan.ID, err)
		}
		s.recordObservations(update)
	}
	monitoring.Debugf("rover: scan %s %d°..%d° ×%d at %+v", scan.ID, req.Start, req.End, req.Samples, pose)
	return scan, nil
}

func (s *Session) recordObservations(u envmodel.Update) {
	if err := s.archive.RecordObservations(s.id, u); err != nil {
		monitoring.Logf("rover: archive update %d: %v", u.Seq, err)
	}
}

// Observe adds world-frame points to one category, such as a bump or cliff
// reported by the drive base, and publishes the update.
func (s *Session) Observe(c envmodel.Category, pts ...envmodel.Point) (envmodel.Update, error) {
	u, err := s.model.Append(c, pts...)
	if err != nil {
		return u, err
	}
	s.feed.Publish(u)
	if s.archive != nil {
		s.recordObservations(u)
	}
	return u, nil
}

// Scans returns the scan history, oldest first.
func (s *Session) Scans() []Scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Scan(nil), s.scans...)
}

// ClearScans empties the scan history. The environment model keeps its
// points.
func (s *Session) ClearScans() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = nil
}

// SetPose records where the rover now is. Later scans project from it.
func (s *Session) SetPose(p envmodel.Pose) { s.model.SetPose(p) }

// Model returns the environment model.
func (s *Session) Model() *envmodel.Model { return s.model }

// Feed returns the map feed.
func (s *Session) Feed() *mapfeed.Hub { return s.feed }

// Link returns the serial link.
func (s *Session) Link() *serialmux.SerialMux[serialmux.SerialPorter] { return s.link }

// useLink runs f with the link to itself, after any running scan.
func (s *Session) useLink(f func() error) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.closed {
		return serialmux.ErrClosed
	}
	return f()
}

// ServoState reports whether the servo is powered.
func (s *Session) ServoState(ctx context.Context) (on bool, err error) {
	err = s.useLink(func() error {
		on, err = s.servo.State(ctx)
		return err
	})
	return on, err
}

// SetServoState powers the servo on or off.
func (s *Session) SetServoState(ctx context.Context, on bool) error {
	return s.useLink(func() error { return s.servo.SetState(ctx, on) })
}

// MoveServo moves the servo outside a sweep. With wait it returns once the
// rover reports the move finished.
func (s *Session) MoveServo(ctx context.Context, angle int, wait bool) error {
	return s.useLink(func() error { return s.servo.MoveToAngle(ctx, angle, wait) })
}

// SetServoPulse drives the servo with a raw pulse width in microseconds.
func (s *Session) SetServoPulse(ctx context.Context, width uint16) error {
	return s.useLink(func() error { return s.servo.SetPulseWidth(ctx, width) })
}

// ResetMap clears the environment model and publishes the emptied map.
func (s *Session) ResetMap() {
	s.feed.Publish(s.model.Reset())
}

// Status summarises the session for the HTTP surface.
type Status struct {
	ID       string                    `json:"id"`
	Port     string                    `json:"port"`
	Progress sweep.Progress            `json:"progress"`
	Scans    int                       `json:"scans"`
	Points   map[envmodel.Category]int `json:"points"`
	Pose     envmodel.Pose             `json:"pose"`
	Link     serialmux.Stats           `json:"link"`
	Feed     mapfeed.Stats             `json:"feed"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	progress, scans := s.progress, len(s.scans)
	s.mu.Unlock()
	return Status{
		ID:       s.id,
		Port:     s.portName,
		Progress: progress,
		Scans:    scans,
		Points:   s.model.Counts(),
		Pose:     s.model.Pose(),
		Link:     s.link.Stats(),
		Feed:     s.feed.Stats(),
	}
}

// Close ends the session: the feed is closed, then the link. Waits for a
// running scan to finish.
func (s *Session) Close() error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.feed.Close()
	err := s.link.Close()
	if err != nil && !errors.Is(err, serialmux.ErrClosed) {
		return err
	}
	monitoring.Logf("rover: session %s closed", s.id)
	return nil
}
