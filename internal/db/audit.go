package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotBanned is returned when unbanning an IP that has no ban.
var ErrNotBanned = errors.New("ip is not banned")

// AuditStore records handshake failures, bans and cluster lifecycle events.
type AuditStore struct {
	db  *Database
	now func() time.Time
}

// Ban is one banned IP.
type Ban struct {
	IP       string    `json:"ip"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"banned_at"`
}

// ClusterEvent is one row of cluster history.
type ClusterEvent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAuditStore opens the database at dbPath and migrates its schema.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	s := &AuditStore{db: database, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

func (s *AuditStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS handshake_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_failures_ip ON handshake_failures(ip);

		CREATE TABLE IF NOT EXISTS bans (
			ip TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			banned_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cluster_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			event TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return err
	}
	log.Debug().Msg("audit schema ready")
	return nil
}

// RecordFailure stores a handshake failure and returns how many failures
// are on record for ip.
func (s *AuditStore) RecordFailure(ctx context.Context, ip, reason string) (int, error) {
	var count int
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO handshake_failures (ip, reason, created_at) VALUES (?, ?, ?)",
			ip, reason, s.now().Unix()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM handshake_failures WHERE ip = ?", ip).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record failure for %s: %w", ip, err)
	}
	return count, nil
}

// FailureCount returns the failures on record for ip.
func (s *AuditStore) FailureCount(ctx context.Context, ip string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM handshake_failures WHERE ip = ?", ip).Scan(&count)
	return count, err
}

// Ban bans ip, replacing any earlier ban reason.
func (s *AuditStore) Ban(ctx context.Context, ip, reason string) error {
	_, err := s.db.Exec(ctx,
		"INSERT OR REPLACE INTO bans (ip, reason, banned_at) VALUES (?, ?, ?)",
		ip, reason, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to ban %s: %w", ip, err)
	}
	return nil
}

// Unban lifts the ban on ip and clears its failure history.
func (s *AuditStore) Unban(ctx context.Context, ip string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM bans WHERE ip = ?", ip)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", ip, ErrNotBanned)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM handshake_failures WHERE ip = ?", ip)
		return err
	})
}

// IsBanned reports whether ip is banned.
func (s *AuditStore) IsBanned(ctx context.Context, ip string) (bool, error) {
	var n int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM bans WHERE ip = ?", ip).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up ban for %s: %w", ip, err)
	}
	return n > 0, nil
}

// ListBans returns all bans, newest first.
func (s *AuditStore) ListBans(ctx context.Context) ([]Ban, error) {
	rows, err := s.db.Query(ctx, "SELECT ip, reason, banned_at FROM bans ORDER BY banned_at DESC, ip")
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		var at int64
		if err := rows.Scan(&b.IP, &b.Reason, &at); err != nil {
			return nil, err
		}
		b.BannedAt = time.Unix(at, 0)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// RecordClusterEvent appends a cluster lifecycle event.
func (s *AuditStore) RecordClusterEvent(ctx context.Context, name, ip string, port int, event string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO cluster_history (name, ip, port, event, created_at) VALUES (?, ?, ?, ?, ?)",
		name, ip, port, event, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record cluster event: %w", err)
	}
	return nil
}

// ClusterHistory returns the most recent cluster events, newest first.
func (s *AuditStore) ClusterHistory(ctx context.Context, limit int) ([]ClusterEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		"SELECT id, name, ip, port, event, created_at FROM cluster_history ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster history: %w", err)
	}
	defer rows.Close()

	var events []ClusterEvent
	for rows.Next() {
		var e ClusterEvent
		var at int64
		if err := rows.Scan(&e.ID, &e.Name, &e.IP, &e.Port, &e.Event, &at); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(at, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes failures and cluster history older than retention.
// Bans are kept until lifted.
func (s *AuditStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).Unix()
	var total int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"handshake_failures", "cluster_history"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit data: %w", err)
	}
	return total, nil
}
