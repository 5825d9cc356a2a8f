package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

var ErrSchedulerStopped = errors.New("scheduler is not running")

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdStatus
)

type command struct {
	kind  commandKind
	reply chan schedulerState
}

type schedulerState struct {
	enabled   bool
	changed   bool
	startedAt time.Time
}

// Scheduler triggers a batch cycle every interval while enabled. The
// enabled flag belongs to the Run goroutine; Start, Stop and Status talk
// to it over a channel.
type Scheduler struct {
	batch    *BatchProcessor
	store    storage.Store
	interval time.Duration
	enabled  bool
	logger   zerolog.Logger
	now      func() time.Time

	commands chan command
	done     chan struct{}
	cycles   sync.WaitGroup
}

func NewScheduler(batch *BatchProcessor, store storage.Store, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Scheduler{
		batch:    batch,
		store:    store,
		interval: cfg.Interval,
		enabled:  cfg.EnabledOnStart,
		logger:   logger,
		now:      time.Now,
		commands: make(chan command),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then waits for the active cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	state := schedulerState{enabled: s.enabled}
	if state.enabled {
		state.startedAt = s.now()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Bool("enabled", state.enabled).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopping, waiting for active cycle")
			s.cycles.Wait()
			return nil

		case cmd := <-s.commands:
			reply := state
			switch cmd.kind {
			case cmdStart:
				if !state.enabled {
					state.enabled = true
					state.startedAt = s.now()
					reply = state
					reply.changed = true
					s.logger.Info().Msg("scheduler enabled")
				}
			case cmdStop:
				if state.enabled {
					state.enabled = false
					state.startedAt = time.Time{}
					reply = state
					reply.changed = true
					s.logger.Info().Msg("scheduler disabled")
				}
			}
			cmd.reply <- reply

		case <-ticker.C:
			if !state.enabled {
				continue
			}
			if s.batch.Running() {
				s.logger.Info().Msg("previous cycle still running, skipping tick")
				continue
			}
			s.cycles.Add(1)
			go func() {
				defer s.cycles.Done()
				if _, err := s.batch.RunCycle(ctx); err != nil {
					s.logger.Error().Err(err).Msg("cycle failed")
				}
			}()
		}
	}
}

func (s *Scheduler) send(ctx context.Context, kind commandKind) (schedulerState, error) {
	cmd := command{kind: kind, reply: make(chan schedulerState, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return schedulerState{}, ErrSchedulerStopped
	case <-ctx.Done():
		return schedulerState{}, ctx.Err()
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-ctx.Done():
		return schedulerState{}, ctx.Err()
	}
}

func (s *Scheduler) Start(ctx context.Context) (types.ControlResponse, error) {
	st, err := s.send(ctx, cmdStart)
	if err != nil {
		return types.ControlResponse{}, err
	}
	msg := "scheduler started"
	if !st.changed {
		msg = "scheduler already running"
	}
	return types.ControlResponse{Status: "success", Message: msg, Enabled: st.enabled}, nil
}

func (s *Scheduler) Stop(ctx context.Context) (types.ControlResponse, error) {
	st, err := s.send(ctx, cmdStop)
	if err != nil {
		return types.ControlResponse{}, err
	}
	msg := "scheduler stopped"
	if !st.changed {
		msg = "scheduler already stopped"
	}
	return types.ControlResponse{Status: "success", Message: msg, Enabled: st.enabled}, nil
}

func (s *Scheduler) Status(ctx context.Context) (types.SchedulerStatus, error) {
	st, err := s.send(ctx, cmdStatus)
	if err != nil {
		return types.SchedulerStatus{}, err
	}

	status := types.SchedulerStatus{
		Status:       "stopped",
		Enabled:      st.enabled,
		CycleRunning: s.batch.Running(),
		Interval:     s.interval.String(),
		Stats:        s.batch.Stats(),
	}
	if st.enabled {
		status.Status = "running"
		status.StartedAt = st.startedAt.UTC().Format(time.RFC3339)
		status.UptimeSeconds = int64(s.now().Sub(st.startedAt).Seconds())
	}

	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load status counts")
	} else {
		status.StatusCounts = counts
	}
	return status, nil
}
