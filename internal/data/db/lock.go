package db

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// LockID derives a stable advisory lock id from a name.
func LockID(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// TryLock takes a session-level Postgres advisory lock. On SQLite there is only
// one process by construction, so it always succeeds. The returned release
// func is safe to call once.
func (s *Service) TryLock(ctx context.Context, name string) (bool, func(), error) {
	if s.driver != DriverPostgres {
		return true, func() {}, nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return false, nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	id := LockID(name)
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, nil, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return false, func() {}, nil
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", id)
		_ = conn.Close()
	}
	return true, release, nil
}
