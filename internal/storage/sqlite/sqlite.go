package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `id, encrypted_prompt, decrypted_prompt, encrypted_result, status, error_message,
	claimed_by, claim_expiry, received_time, created_at, updated_at`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps readers off the writer's back
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, id string, encryptedPrompt string) (*storage.Record, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encrypted_records (id, encrypted_prompt, status, received_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, encryptedPrompt, string(types.StatusReceived), now.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateKey, id)
		}
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	return &storage.Record{
		ID:              id,
		EncryptedPrompt: encryptedPrompt,
		Status:          types.StatusReceived,
		ReceivedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM encrypted_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, status types.RecordStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM encrypted_records WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[types.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM encrypted_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.RecordStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.RecordStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) FindUnclaimed(ctx context.Context, filter storage.ClaimFilter) ([]*storage.Record, error) {
	if len(filter.Statuses) == 0 {
		return nil, nil
	}
	now := filter.Now
	if now.IsZero() {
		now = s.now()
	}

	placeholders := make([]string, len(filter.Statuses))
	args := make([]interface{}, 0, len(filter.Statuses)+2)
	for i, status := range filter.Statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	args = append(args, now.UnixNano())

	query := `SELECT ` + recordColumns + ` FROM encrypted_records
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		AND (claim_expiry IS NULL OR claim_expiry <= ?)
		ORDER BY received_time ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find unclaimed records: %w", err)
	}
	defer rows.Close()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, owner string, lease time.Duration) (*storage.Record, error) {
	var claimed *storage.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now()
		if storage.IsTerminal(rec.Status) {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, id, rec.Status)
		}
		if !rec.Claimable(now) && (rec.ClaimedBy == nil || *rec.ClaimedBy != owner) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyClaimed, id)
		}

		expiry := now.Add(lease)
		if _, err := tx.ExecContext(ctx, `
			UPDATE encrypted_records SET claimed_by = ?, claim_expiry = ?, updated_at = ? WHERE id = ?`,
			owner, expiry.UnixNano(), now.UnixNano(), id); err != nil {
			return fmt.Errorf("failed to claim record: %w", err)
		}

		rec.ClaimedBy = &owner
		rec.ClaimExpiry = &expiry
		rec.UpdatedAt = now
		claimed = rec
		return nil
	})
	return claimed, err
}

func (s *SQLiteStore) Transition(ctx context.Context, t storage.Transition) (*storage.Record, error) {
	var updated *storage.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getForUpdate(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := storage.CheckTransition(rec, t); err != nil {
			return err
		}

		previous := rec.Status
		storage.Apply(rec, t)
		rec.UpdatedAt = s.now()

		res, err := tx.ExecContext(ctx, `
			UPDATE encrypted_records
			SET status = ?, decrypted_prompt = ?, encrypted_result = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(rec.Status), toNullString(rec.DecryptedPrompt), toNullString(rec.EncryptedResult),
			toNullString(rec.ErrorMessage), rec.UpdatedAt.UnixNano(), t.ID, string(previous))
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s changed concurrently", storage.ErrStaleTransition, t.ID)
		}

		updated = rec
		return nil
	})
	return updated, err
}

func (s *SQLiteStore) Reset(ctx context.Context, id string) (*storage.Record, error) {
	var reset *storage.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE encrypted_records
			SET status = ?, decrypted_prompt = NULL, encrypted_result = NULL, error_message = NULL,
				claimed_by = NULL, claim_expiry = NULL, updated_at = ?
			WHERE id = ?`,
			string(types.StatusReceived), now.UnixNano(), id); err != nil {
			return fmt.Errorf("failed to reset record: %w", err)
		}

		reset = &storage.Record{
			ID:              rec.ID,
			EncryptedPrompt: rec.EncryptedPrompt,
			Status:          types.StatusReceived,
			ReceivedAt:      rec.ReceivedAt,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       now,
		}
		return nil
	})
	return reset, err
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*storage.Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM encrypted_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	var rec storage.Record
	var status string
	var decrypted, result, errMsg, claimedBy sql.NullString
	var claimExpiry sql.NullInt64
	var receivedTime, createdAt, updatedAt int64

	if err := row.Scan(&rec.ID, &rec.EncryptedPrompt, &decrypted, &result, &status, &errMsg,
		&claimedBy, &claimExpiry, &receivedTime, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.Status = types.RecordStatus(status)
	rec.DecryptedPrompt = fromNullString(decrypted)
	rec.EncryptedResult = fromNullString(result)
	rec.ErrorMessage = fromNullString(errMsg)
	rec.ClaimedBy = fromNullString(claimedBy)
	if claimExpiry.Valid {
		t := time.Unix(0, claimExpiry.Int64)
		rec.ClaimExpiry = &t
	}
	rec.ReceivedAt = time.Unix(0, receivedTime)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)

	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
