package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

// Key prefixes
const (
	prefixRec   = "rec:"   // rec:{id} → record JSON
	prefixSt    = "st:"    // st:{status}:{receivedNano}:{id} → empty
	prefixCount = "count:" // count:{status} → int64
	prefixCache = "cache:" // cache:{key} → cacheEntry JSON
)

var allStatuses = []types.RecordStatus{
	types.StatusReceived,
	types.StatusDecrypted,
	types.StatusProcessing,
	types.StatusProcessed,
	types.StatusEncrypted,
	types.StatusSent,
	types.StatusError,
}

type PebbleStore struct {
	db *pebble.DB
	// mu serialises read-modify-write cycles on records; pebble itself has
	// no row locks.
	mu  sync.Mutex
	now func() time.Time

	cacheOnce sync.Once
	cache     *ResponseCache
}

type recordData struct {
	ID              string  `json:"id"`
	EncryptedPrompt string  `json:"encrypted_prompt"`
	DecryptedPrompt *string `json:"decrypted_prompt,omitempty"`
	EncryptedResult *string `json:"encrypted_result,omitempty"`
	Status          string  `json:"status"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ClaimedBy       *string `json:"claimed_by,omitempty"`
	ClaimExpiry     *int64  `json:"claim_expiry,omitempty"` // Unix nano
	ReceivedAt      int64   `json:"received_at"`            // Unix nano
	CreatedAt       int64   `json:"created_at"`             // Unix nano
	UpdatedAt       int64   `json:"updated_at"`             // Unix nano
}

func New(dbPath string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "int64_add",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				return &int64Merger{sum: decodeInt64(value)}, nil
			},
		},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &PebbleStore{
		db:  db,
		now: time.Now,
	}, nil
}

func (s *PebbleStore) Close() error {
	if s.cache != nil {
		if err := s.cache.close(); err != nil {
			return fmt.Errorf("failed to close response cache: %w", err)
		}
	}
	return s.db.Close()
}

func recKey(id string) []byte {
	return []byte(prefixRec + id)
}

func stKey(status string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixSt, status, ts, id))
}

func stPrefix(status string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSt, status))
}

func countKey(status string) []byte {
	return []byte(prefixCount + status)
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

type int64Merger struct {
	sum int64
}

func (m *int64Merger) MergeNewer(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) MergeOlder(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return encodeInt64(m.sum), nil, nil
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub
		}
		ub[i] = 0
	}
	return append(ub, 0)
}

func (s *PebbleStore) Create(ctx context.Context, id string, encryptedPrompt string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRecordData(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateKey, id)
	}

	now := s.now().UnixNano()
	data := &recordData{
		ID:              id,
		EncryptedPrompt: encryptedPrompt,
		Status:          string(types.StatusReceived),
		ReceivedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	value, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	batch.Set(recKey(id), value, nil)
	batch.Set(stKey(data.Status, data.ReceivedAt, id), nil, nil)
	batch.Merge(countKey(data.Status), encodeInt64(1), nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	return toRecord(data), nil
}

func (s *PebbleStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	data, err := s.getRecordData(id)
	if err != nil || data == nil {
		return nil, err
	}
	return toRecord(data), nil
}

func (s *PebbleStore) getRecordData(id string) (*recordData, error) {
	value, closer, err := s.db.Get(recKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	defer closer.Close()

	var data recordData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &data, nil
}

func (s *PebbleStore) mustGet(id string) (*recordData, error) {
	data, err := s.getRecordData(id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return data, nil
}

func (s *PebbleStore) CountByStatus(ctx context.Context, status types.RecordStatus) (int, error) {
	return int(s.getCount(string(status))), nil
}

func (s *PebbleStore) StatusCounts(ctx context.Context) (map[types.RecordStatus]int, error) {
	counts := make(map[types.RecordStatus]int)
	for _, status := range allStatuses {
		if n := s.getCount(string(status)); n > 0 {
			counts[status] = int(n)
		}
	}
	return counts, nil
}

func (s *PebbleStore) getCount(status string) int64 {
	value, closer, err := s.db.Get(countKey(status))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeInt64(value)
}

func (s *PebbleStore) FindUnclaimed(ctx context.Context, filter storage.ClaimFilter) ([]*storage.Record, error) {
	now := filter.Now
	if now.IsZero() {
		now = s.now()
	}

	var records []*storage.Record
	for _, status := range filter.Statuses {
		prefix := stPrefix(string(status))
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: upperBound(prefix),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create iterator: %w", err)
		}

		for iter.First(); iter.Valid(); iter.Next() {
			id := extractIDFromStKey(iter.Key())
			data, err := s.getRecordData(id)
			if err != nil {
				iter.Close()
				return nil, err
			}
			// The index can briefly lag a concurrent transition.
			if data == nil || data.Status != string(status) {
				continue
			}
			rec := toRecord(data)
			if rec.Claimable(now) {
				records = append(records, rec)
			}
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close iterator: %w", err)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].ReceivedAt.Equal(records[j].ReceivedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].ReceivedAt.Before(records[j].ReceivedAt)
	})

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (s *PebbleStore) Claim(ctx context.Context, id string, owner string, lease time.Duration) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.mustGet(id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := toRecord(data)
	if storage.IsTerminal(rec.Status) {
		return nil, fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, id, rec.Status)
	}
	if !rec.Claimable(now) && (rec.ClaimedBy == nil || *rec.ClaimedBy != owner) {
		return nil, fmt.Errorf("%w: %s", storage.ErrAlreadyClaimed, id)
	}

	expiry := now.Add(lease).UnixNano()
	data.ClaimedBy = &owner
	data.ClaimExpiry = &expiry
	data.UpdatedAt = now.UnixNano()

	if err := s.putRecord(data, ""); err != nil {
		return nil, fmt.Errorf("failed to claim record: %w", err)
	}
	return toRecord(data), nil
}

func (s *PebbleStore) Transition(ctx context.Context, t storage.Transition) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.mustGet(t.ID)
	if err != nil {
		return nil, err
	}

	rec := toRecord(data)
	if err := storage.CheckTransition(rec, t); err != nil {
		return nil, err
	}

	previous := data.Status
	storage.Apply(rec, t)
	data.Status = string(rec.Status)
	data.DecryptedPrompt = rec.DecryptedPrompt
	data.EncryptedResult = rec.EncryptedResult
	data.ErrorMessage = rec.ErrorMessage
	data.UpdatedAt = s.now().UnixNano()

	if err := s.putRecord(data, previous); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return toRecord(data), nil
}

func (s *PebbleStore) Reset(ctx context.Context, id string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.mustGet(id)
	if err != nil {
		return nil, err
	}

	previous := data.Status
	data.Status = string(types.StatusReceived)
	data.DecryptedPrompt = nil
	data.EncryptedResult = nil
	data.ErrorMessage = nil
	data.ClaimedBy = nil
	data.ClaimExpiry = nil
	data.UpdatedAt = s.now().UnixNano()

	if err := s.putRecord(data, previous); err != nil {
		return nil, fmt.Errorf("failed to reset record: %w", err)
	}
	return toRecord(data), nil
}

// putRecord writes the record and, when previousStatus differs from the
// current one, moves its status index entry and counters in the same batch.
func (s *PebbleStore) putRecord(data *recordData, previousStatus string) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	batch.Set(recKey(data.ID), value, nil)
	if previousStatus != "" && previousStatus != data.Status {
		batch.Delete(stKey(previousStatus, data.ReceivedAt, data.ID), nil)
		batch.Set(stKey(data.Status, data.ReceivedAt, data.ID), nil, nil)
		batch.Merge(countKey(previousStatus), encodeInt64(-1), nil)
		batch.Merge(countKey(data.Status), encodeInt64(1), nil)
	}

	return batch.Commit(pebble.Sync)
}

func toRecord(data *recordData) *storage.Record {
	rec := &storage.Record{
		ID:              data.ID,
		EncryptedPrompt: data.EncryptedPrompt,
		DecryptedPrompt: data.DecryptedPrompt,
		EncryptedResult: data.EncryptedResult,
		Status:          types.RecordStatus(data.Status),
		ErrorMessage:    data.ErrorMessage,
		ClaimedBy:       data.ClaimedBy,
		ReceivedAt:      time.Unix(0, data.ReceivedAt),
		CreatedAt:       time.Unix(0, data.CreatedAt),
		UpdatedAt:       time.Unix(0, data.UpdatedAt),
	}
	if data.ClaimExpiry != nil {
		t := time.Unix(0, *data.ClaimExpiry)
		rec.ClaimExpiry = &t
	}
	return rec
}

// st:{status}:{ts}:{id}; ids may themselves contain ':'.
func extractIDFromStKey(key []byte) string {
	parts := bytes.SplitN(key, []byte(":"), 4)
	if len(parts) < 4 {
		return ""
	}
	return string(parts[3])
}
