package capture

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var journal string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	// reopening an up-to-date database is a no-op
	require.NoError(t, s.MigrateUp())
}

func TestRecordDevice_Upserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ep := agv.Endpoint{Name: "AGV_01", Address: "192.168.4.1", Port: 8080}
	require.NoError(t, s.RecordDevice(ctx, ep))
	ep.ControlPort = 8081
	require.NoError(t, s.RecordDevice(ctx, ep))
	require.NoError(t, s.RecordDevice(ctx, agv.Endpoint{Name: "AGV_02", Address: "192.168.4.2", Port: 8080}))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	var first Device
	for _, d := range devices {
		if d.Address == "192.168.4.1" {
			first = d
		}
	}
	assert.Equal(t, 2, first.Sightings)
	assert.Equal(t, 8081, first.ControlPort)
	assert.False(t, first.LastSeen.Before(first.FirstSeen))
}

func TestRecordCommand(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ep := agv.Endpoint{Address: "192.168.4.1", Port: 8080}

	require.NoError(t, s.RecordCommand(ctx, ep, agv.Drive(200, -5), nil))
	require.NoError(t, s.RecordCommand(ctx, ep, agv.Stop(), link.ErrNotConnected))

	cmds, err := s.Commands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, "stop", cmds[0].Command)
	assert.Equal(t, agv.OpStop, cmds[0].Opcode)
	assert.Equal(t, link.ErrNotConnected.Error(), cmds[0].Error)

	assert.Equal(t, "drive v=200 w=-5", cmds[1].Command)
	assert.Equal(t, []byte{0xC8, 0x00, 0xFB, 0xFF}, cmds[1].Payload)
	assert.Empty(t, cmds[1].Error)
	assert.Equal(t, 8080, cmds[1].Endpoint.Port)

	limited, err := s.Commands(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx, "link", agv.Endpoint{Name: "AGV_01", Address: "10.0.0.2", Port: 8080})
	require.NoError(t, err)

	open, err := s.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].EndedAt.IsZero())

	st := link.Status{Samples: 10, IMU: 7, LiDAR: 3, Malformed: 1, Bytes: 512, Commands: 2, LastError: "connection lost: EOF"}
	require.NoError(t, s.EndSession(ctx, id, "error", st))
	assert.Error(t, s.EndSession(ctx, id, "error", st), "closing twice")

	got, err := s.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, "link", r.Link)
	assert.Equal(t, "AGV_01", r.Endpoint.Name)
	assert.Equal(t, "error", r.EndState)
	assert.Equal(t, "connection lost: EOF", r.LastError)
	assert.Equal(t, uint64(10), r.Samples)
	assert.Equal(t, uint64(3), r.LiDAR)
	assert.Equal(t, uint64(512), r.Bytes)
	assert.False(t, r.EndedAt.IsZero())
}

func TestTrackSession(t *testing.T) {
	s := openTestStore(t)
	conn := link.NewMockConn()
	sess := link.NewSession(link.Config{Dialer: link.NewMockDialer(conn)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := s.TrackSession(ctx, "link", sess)

	require.NoError(t, sess.Connect(context.Background(), agv.Endpoint{Address: "10.0.0.2", Port: 8080}))
	require.Eventually(t, func() bool {
		rows, err := s.Sessions(context.Background(), 10)
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond)

	conn.Hangup()
	require.Eventually(t, func() bool {
		rows, err := s.Sessions(context.Background(), 10)
		return err == nil && len(rows) == 1 && rows[0].EndState == "error"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TrackSession did not return after Close")
	}
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordDevice(context.Background(), agv.Endpoint{Address: "10.0.0.2", Port: 8080}))
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/capture-sessions", "/debug/capture-commands", "/debug/capture-devices"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, localHostRequest(http.MethodGet, path))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/capture-sessions?limit=-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/backup"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, len(data) > 16 && string(data[:15]) == "SQLite format 3", "backup is not a sqlite file")
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "capture.db"))
	assert.Error(t, err)
}
