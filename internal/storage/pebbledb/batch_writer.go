package pebbledb

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

type BatchWriterConfig struct {
	MaxBatchSize      int           // flush after this many ops
	ChannelBufferSize int           // queued ops beyond this are dropped
	FlushInterval     time.Duration // time-based flush
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchSize:      256,
		ChannelBufferSize: 4096,
		FlushInterval:     time.Second,
	}
}

type writeOp struct {
	key    []byte
	value  []byte
	delete bool
	// flushed, when set, marks a flush barrier rather than a write.
	flushed chan struct{}
}

// BatchWriter coalesces best-effort writes into periodic pebble batches.
// It is only used for data that may be lost on crash, such as cached LLM
// answers; record state is always written synchronously by PebbleStore.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	logger  zerolog.Logger
	opCh    chan writeOp
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
	dropped atomic.Int64
}

func NewBatchWriter(db *pebble.DB, config BatchWriterConfig, logger zerolog.Logger) *BatchWriter {
	defaults := DefaultBatchWriterConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.ChannelBufferSize <= 0 {
		config.ChannelBufferSize = defaults.ChannelBufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}

	bw := &BatchWriter{
		db:     db,
		config: config,
		logger: logger,
		opCh:   make(chan writeOp, config.ChannelBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

// Set queues a write. It never blocks; when the queue is full the write is
// dropped and counted.
func (bw *BatchWriter) Set(key, value []byte) bool {
	return bw.enqueue(writeOp{key: key, value: value})
}

func (bw *BatchWriter) Delete(key []byte) bool {
	return bw.enqueue(writeOp{key: key, delete: true})
}

func (bw *BatchWriter) enqueue(op writeOp) bool {
	if bw.stopped.Load() {
		return false
	}
	select {
	case bw.opCh <- op:
		return true
	default:
		bw.dropped.Add(1)
		return false
	}
}

// Flush blocks until every write queued before the call is committed.
func (bw *BatchWriter) Flush() {
	if bw.stopped.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case bw.opCh <- writeOp{flushed: done}:
	case <-bw.doneCh:
		return
	}
	select {
	case <-done:
	case <-bw.doneCh:
	}
}

func (bw *BatchWriter) Dropped() int64 {
	return bw.dropped.Load()
}

func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil
	}
	close(bw.stopCh)
	<-bw.doneCh
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	flush := func() {
		if opCount > 0 {
			if err := batch.Commit(pebble.NoSync); err != nil {
				bw.logger.Warn().Err(err).Int("ops", opCount).Msg("batch writer commit failed")
			}
			batch.Close()
			batch = bw.db.NewBatch()
			opCount = 0
		}
	}

	apply := func(op writeOp) {
		switch {
		case op.flushed != nil:
			flush()
			close(op.flushed)
			return
		case op.delete:
			batch.Delete(op.key, nil)
		default:
			batch.Set(op.key, op.value, nil)
		}
		opCount++
		if opCount >= bw.config.MaxBatchSize {
			flush()
		}
	}

	for {
		select {
		case op := <-bw.opCh:
			apply(op)

		case <-ticker.C:
			flush()

		case <-bw.stopCh:
			for {
				select {
				case op := <-bw.opCh:
					apply(op)
				default:
					flush()
					batch.Close()
					return
				}
			}
		}
	}
}
