package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `id, encrypted_prompt, decrypted_prompt, encrypted_result, status, error_message,
	claimed_by, claim_expiry, received_time, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

func New(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool, now: time.Now}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, id string, encryptedPrompt string) (*storage.Record, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO encrypted_records (id, encrypted_prompt, status, received_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, encryptedPrompt, string(types.StatusReceived), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateKey, id)
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

func (s *PostgresStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM encrypted_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status types.RecordStatus) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM encrypted_records WHERE status = $1`, string(status)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (map[types.RecordStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM encrypted_records GROUP BY status`)
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

func (s *PostgresStore) FindUnclaimed(ctx context.Context, filter storage.ClaimFilter) ([]*storage.Record, error) {
	if len(filter.Statuses) == 0 {
		return nil, nil
	}
	now := filter.Now
	if now.IsZero() {
		now = s.now()
	}

	statuses := make([]string, len(filter.Statuses))
	for i, status := range filter.Statuses {
		statuses[i] = string(status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM encrypted_records
		WHERE status = ANY($1) AND (claim_expiry IS NULL OR claim_expiry <= $2)
		ORDER BY received_time ASC, id ASC
		LIMIT $3`, statuses, now.UTC(), limit)
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

func (s *PostgresStore) Claim(ctx context.Context, id string, owner string, lease time.Duration) (*storage.Record, error) {
	var claimed *storage.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if storage.IsTerminal(rec.Status) {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, id, rec.Status)
		}
		if !rec.Claimable(now) && (rec.ClaimedBy == nil || *rec.ClaimedBy != owner) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyClaimed, id)
		}

		expiry := now.Add(lease)
		if _, err := tx.Exec(ctx, `
			UPDATE encrypted_records SET claimed_by = $1, claim_expiry = $2, updated_at = $3 WHERE id = $4`,
			owner, expiry, now, id); err != nil {
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

func (s *PostgresStore) Transition(ctx context.Context, t storage.Transition) (*storage.Record, error) {
	var updated *storage.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := getForUpdate(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := storage.CheckTransition(rec, t); err != nil {
			return err
		}

		storage.Apply(rec, t)
		rec.UpdatedAt = s.now().UTC()

		if _, err := tx.Exec(ctx, `
			UPDATE encrypted_records
			SET status = $1, decrypted_prompt = $2, encrypted_result = $3, error_message = $4, updated_at = $5
			WHERE id = $6`,
			string(rec.Status), rec.DecryptedPrompt, rec.EncryptedResult, rec.ErrorMessage, rec.UpdatedAt, t.ID); err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}

		updated = rec
		return nil
	})
	return updated, err
}

func (s *PostgresStore) Reset(ctx context.Context, id string) (*storage.Record, error) {
	var reset *storage.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE encrypted_records
			SET status = $1, decrypted_prompt = NULL, encrypted_result = NULL, error_message = NULL,
				claimed_by = NULL, claim_expiry = NULL, updated_at = $2
			WHERE id = $3`,
			string(types.StatusReceived), now, id); err != nil {
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

func getForUpdate(ctx context.Context, tx pgx.Tx, id string) (*storage.Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM encrypted_records WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*storage.Record, error) {
	var rec storage.Record
	var status string

	if err := row.Scan(&rec.ID, &rec.EncryptedPrompt, &rec.DecryptedPrompt, &rec.EncryptedResult, &status,
		&rec.ErrorMessage, &rec.ClaimedBy, &rec.ClaimExpiry, &rec.ReceivedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = types.RecordStatus(status)
	return &rec, nil
}
