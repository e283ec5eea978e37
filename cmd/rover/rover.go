package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rover.scan/internal/api"
	"github.com/banshee-data/rover.scan/internal/config"
	"github.com/banshee-data/rover.scan/internal/db"
	"github.com/banshee-data/rover.scan/internal/monitoring"
	"github.com/banshee-data/rover.scan/internal/rover"
	"github.com/banshee-data/rover.scan/internal/serialmux"
	"github.com/banshee-data/rover.scan/internal/simulator"
	"github.com/banshee-data/rover.scan/internal/version"
)

var (
	configFile   = flag.String("config", "", "Session config file (.json or .yaml); built-in defaults when empty")
	devMode      = flag.Bool("dev", false, "Talk to a simulated rover instead of a serial port")
	listen       = flag.String("listen", ":8080", "Listen address")
	port         = flag.String("port", "", "Serial port to use, overrides the config (ignored in dev mode)")
	archivePath  = flag.String("archive", "", "SQLite archive path, overrides the config")
	capturePath  = flag.String("capture", "", "Write every link frame to this pcap file")
	scanInterval = flag.Duration("interval", -1, "Periodic scan interval, overrides the config (0 disables)")
	lengthUnits  = flag.String("units", "cm", "Length units for /api/map (cm, m, in)")
	verbose      = flag.Bool("verbose", false, "Log every frame and sweep angle")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads -config and applies the command-line overrides.
func loadConfig() (*config.SessionConfig, error) {
	cfg := config.EmptySessionConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadSessionConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if *port != "" {
		p := *port
		cfg.Port = &p
	}
	if *archivePath != "" {
		a := *archivePath
		cfg.ArchivePath = &a
	}
	if *scanInterval >= 0 {
		d := scanInterval.String()
		cfg.ScanInterval = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openSession(cfg *config.SessionConfig, opts ...rover.Option) (*rover.Session, error) {
	if *devMode {
		return rover.New(simulator.New(simulator.Config{MovingFrames: 2, Seed: time.Now().UnixNano()}), cfg, opts...)
	}
	return rover.Open(cfg, serialmux.RealSerialPortFactory{}, opts...)
}

// runScans sweeps the default request every interval until ctx is done.
func runScans(ctx context.Context, session *rover.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			scan, err := session.Scan(ctx, session.DefaultRequest())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("periodic scan failed: %v", err)
				continue
			}
			log.Printf("periodic scan %s: %d infrared, %d sonar rows", scan.ID, len(scan.Result.Infrared), len(scan.Result.Sonar))
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var opts []rover.Option
	var archive *db.DB
	if path := cfg.GetArchivePath(); path != "" {
		archive, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer archive.Close()
		opts = append(opts, rover.WithArchive(archive))
	}

	session, err := openSession(cfg, opts...)
	if err != nil {
		log.Fatalf("failed to open rover: %v", err)
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Init(ctx); err != nil {
		log.Fatalf("failed to initialise rover: %v", err)
	}
	log.Printf("initialised rover on %s (session %s)", cfg.GetPort(), session.ID())

	var wg sync.WaitGroup

	if *capturePath != "" {
		f, err := os.Create(*capturePath)
		if err != nil {
			log.Fatalf("failed to create capture file: %v", err)
		}
		defer f.Close()
		capture, err := serialmux.NewCapture(f)
		if err != nil {
			log.Fatalf("failed to start capture: %v", err)
		}
		wait := session.Link().Record(ctx, capture)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wait(); err != nil {
				log.Printf("capture stopped: %v", err)
			}
			log.Printf("capture routine terminated after %d frames", capture.Frames())
		}()
	}

	if interval := cfg.GetScanInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runScans(ctx, session, interval)
			log.Print("scan routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(session, *lengthUnits).ServeMux()
		session.Link().AttachAdminRoutes(mux)
		session.Feed().AttachAdminRoutes(mux, session.Model().Snapshot)
		if archive != nil {
			if err := archive.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach archive routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	// Closing the session ends the capture and any websocket clients.
	if err := session.Close(); err != nil {
		log.Printf("failed to close session: %v", err)
	}
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
