package capture

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/agvlink/internal/httputil"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

const defaultHistoryLimit = 50

// AttachAdminRoutes mounts the capture database on the tsweb debug page:
// a tailsql console, JSON history views and a gzipped backup download.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("[capture] tailsql disabled: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(s.path), s.db, &tailsql.DBOptions{
			Label: "agvlink capture DB",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("capture-sessions", "Recent link sessions (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := httputil.QueryInt(r, "limit", defaultHistoryLimit)
		if err != nil || limit <= 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		sessions, err := s.Sessions(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, sessions)
	}))

	debug.Handle("capture-commands", "Recent commands (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := httputil.QueryInt(r, "limit", defaultHistoryLimit)
		if err != nil || limit <= 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		commands, err := s.Commands(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, commands)
	}))

	debug.Handle("capture-devices", "Discovered vehicles (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		devices, err := s.Devices(r.Context())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, devices)
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(s.handleBackup))
}

func (s *Store) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupName := fmt.Sprintf("agvlink-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), backupName)
	if _, err := s.db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("[capture] failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupName))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("[capture] backup stream failed: %v", err)
	}
}
