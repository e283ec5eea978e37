package db

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rover.scan/internal/httputil"
	"github.com/banshee-data/rover.scan/internal/monitoring"
)

// AttachAdminRoutes mounts tailsql and the archive browsing endpoints under
// /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Scan archive",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	// DELETE ?id=<session> removes a session with its scans and observations.
	debug.HandleFunc("sessions", "archived sessions (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			err := db.DeleteSession(r.URL.Query().Get("id"))
			switch {
			case errors.Is(err, ErrNotFound):
				httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
			case err != nil:
				httputil.InternalServerError(w, err.Error())
			default:
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
		sessions, err := db.Sessions()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, sessions)
	})

	// ?session=<id> lists scans, ?id=<scan id> returns one scan with rows.
	debug.HandleSilentFunc("scans", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			rec, res, err := db.LoadScan(id)
			switch {
			case errors.Is(err, ErrNotFound):
				httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
			case err != nil:
				httputil.InternalServerError(w, err.Error())
			default:
				httputil.WriteJSONOK(w, map[string]interface{}{"scan": rec, "result": res})
			}
			return
		}
		session := r.URL.Query().Get("session")
		if session == "" {
			httputil.BadRequest(w, "session or id is required")
			return
		}
		scans, err := db.Scans(session)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, scans)
	})

	debug.HandleSilentFunc("observations", func(w http.ResponseWriter, r *http.Request) {
		session := r.URL.Query().Get("session")
		if session == "" {
			httputil.BadRequest(w, "session is required")
			return
		}
		obs, err := db.Observations(session)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, obs)
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("rover-backup-%d.db", db.clock.Now().Unix()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to create backup: %v", err))
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to open backup file: %v", err))
		return
	}
	defer backupFile.Close()

	name := strings.TrimSuffix(filepath.Base(backupPath), ".db") + ".db.gz"
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("backup: write failed: %v", err)
	}
}
