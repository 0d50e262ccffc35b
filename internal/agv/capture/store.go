// Package capture keeps the bring-up history of agvlink in SQLite: the
// vehicles discovery has seen, every link session with its final counters,
// and an audit of the commands sent. It also replays recorded packet
// captures through the stream decoders.
package capture

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is the capture database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for read-only inspection.
func (s *Store) DB() *sql.DB { return s.db }

// MigrateUp runs all pending migrations up to the latest version.
// Returns nil if no migrations were needed (already at latest version).
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
// Returns 0, false, nil if no migrations have been applied yet.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Device is one row of discovery history.
type Device struct {
	agv.Endpoint
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sightings int       `json:"sightings"`
}

// RecordDevice upserts a discovery sighting keyed by address and port.
func (s *Store) RecordDevice(ctx context.Context, ep agv.Endpoint) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (address, port, name, ctrl_port, imu_port, first_seen_ns, last_seen_ns, sightings)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (address, port) DO UPDATE SET
			name = excluded.name,
			ctrl_port = excluded.ctrl_port,
			imu_port = excluded.imu_port,
			last_seen_ns = excluded.last_seen_ns,
			sightings = devices.sightings + 1`,
		ep.Address, ep.Port, ep.Name, ep.ControlPort, ep.IMUPort, now, now)
	if err != nil {
		return fmt.Errorf("record device %s: %w", ep, err)
	}
	return nil
}

// Devices lists known vehicles, most recently seen first.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, port, name, ctrl_port, imu_port, first_seen_ns, last_seen_ns, sightings
		FROM devices ORDER BY last_seen_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var first, last int64
		if err := rows.Scan(&d.Address, &d.Port, &d.Name, &d.ControlPort, &d.IMUPort, &first, &last, &d.Sightings); err != nil {
			return nil, err
		}
		d.FirstSeen = time.Unix(0, first)
		d.LastSeen = time.Unix(0, last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CommandRecord is one audited command.
type CommandRecord struct {
	ID       int64        `json:"id"`
	SentAt   time.Time    `json:"sent_at"`
	Endpoint agv.Endpoint `json:"endpoint"`
	Opcode   byte         `json:"opcode"`
	Payload  []byte       `json:"payload"`
	Command  string       `json:"command"`
	Error    string       `json:"error,omitempty"`
}

// RecordCommand audits a send attempt. sendErr is stored when the send
// failed.
func (s *Store) RecordCommand(ctx context.Context, ep agv.Endpoint, cmd agv.Command, sendErr error) error {
	var errText sql.NullString
	if sendErr != nil {
		errText = sql.NullString{String: sendErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (sent_ns, address, port, opcode, payload, command, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), ep.Address, ep.Port, int(cmd.Opcode()), cmd.Payload(), cmd.String(), errText)
	if err != nil {
		return fmt.Errorf("record command %s: %w", cmd, err)
	}
	return nil
}

// Commands returns up to limit audited commands, newest first.
func (s *Store) Commands(ctx context.Context, limit int) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, sent_ns, address, port, opcode, payload, command, error
		FROM commands ORDER BY command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var c CommandRecord
		var sent int64
		var opcode int
		var errText sql.NullString
		if err := rows.Scan(&c.ID, &sent, &c.Endpoint.Address, &c.Endpoint.Port, &opcode, &c.Payload, &c.Command, &errText); err != nil {
			return nil, err
		}
		c.SentAt = time.Unix(0, sent)
		c.Opcode = byte(opcode)
		c.Error = errText.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// SessionRecord is one link session. EndedAt is zero while it is open.
type SessionRecord struct {
	ID        string       `json:"id"`
	Link      string       `json:"link"`
	Endpoint  agv.Endpoint `json:"endpoint"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitzero"`
	EndState  string       `json:"end_state,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Samples   uint64       `json:"samples"`
	IMU       uint64       `json:"imu"`
	LiDAR     uint64       `json:"lidar"`
	Malformed uint64       `json:"malformed"`
	Corrupt   uint64       `json:"corrupt"`
	Dropped   uint64       `json:"dropped"`
	Bytes     uint64       `json:"bytes"`
	Commands  uint64       `json:"commands"`
}

// StartSession opens a session row and returns its id.
func (s *Store) StartSession(ctx context.Context, linkName string, ep agv.Endpoint) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, link, name, address, port, started_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, linkName, ep.Name, ep.Address, ep.Port, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession closes a session row with the final link counters.
func (s *Store) EndSession(ctx context.Context, id string, endState string, st link.Status) error {
	var lastErr sql.NullString
	if st.LastError != "" {
		lastErr = sql.NullString{String: st.LastError, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			ended_ns = ?, end_state = ?, last_error = ?,
			samples = ?, imu = ?, lidar = ?, malformed = ?, corrupt = ?,
			dropped = ?, bytes = ?, commands = ?
		WHERE session_id = ? AND ended_ns IS NULL`,
		time.Now().UnixNano(), endState, lastErr,
		int64(st.Samples), int64(st.IMU), int64(st.LiDAR), int64(st.Malformed), int64(st.Corrupt),
		int64(st.Dropped), int64(st.Bytes), int64(st.Commands), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: no open session", id)
	}
	return nil
}

// Sessions returns up to limit sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, link, name, address, port, started_ns, ended_ns, end_state, last_error,
			samples, imu, lidar, malformed, corrupt, dropped, bytes, commands
		FROM sessions ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started int64
		var ended sql.NullInt64
		var endState, lastErr sql.NullString
		var counts [8]int64
		if err := rows.Scan(&r.ID, &r.Link, &r.Endpoint.Name, &r.Endpoint.Address, &r.Endpoint.Port,
			&started, &ended, &endState, &lastErr,
			&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &counts[5], &counts[6], &counts[7]); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if ended.Valid {
			r.EndedAt = time.Unix(0, ended.Int64)
		}
		r.EndState = endState.String
		r.LastError = lastErr.String
		r.Samples, r.IMU, r.LiDAR, r.Malformed = uint64(counts[0]), uint64(counts[1]), uint64(counts[2]), uint64(counts[3])
		r.Corrupt, r.Dropped, r.Bytes, r.Commands = uint64(counts[4]), uint64(counts[5]), uint64(counts[6]), uint64(counts[7])
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrackSession records a session row for every connection sess makes
// until ctx is cancelled or sess is closed; any open row is closed then.
// The returned channel is closed when tracking stops.
func (s *Store) TrackSession(ctx context.Context, name string, sess *link.Session) <-chan struct{} {
	wid, changes := sess.Watch()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sess.Unwatch(wid)
		s.track(ctx, name, sess, changes)
	}()
	return done
}

func (s *Store) track(ctx context.Context, name string, sess *link.Session, changes <-chan link.StateChange) {
	var open string
	finish := func(state string) {
		if open == "" {
			return
		}
		// ctx may already be done; the final write still matters
		if err := s.EndSession(context.Background(), open, state, sess.Status()); err != nil {
			monitoring.Logf("[capture] %v", err)
		}
		open = ""
	}
	defer func() { finish("closed") }()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			switch {
			case change.To == link.Connected:
				finish("replaced")
				id, err := s.StartSession(ctx, name, sess.Endpoint())
				if err != nil {
					monitoring.Logf("[capture] %v", err)
					continue
				}
				open = id
			case change.From == link.Connected:
				finish(change.To.String())
			}
		}
	}
}
