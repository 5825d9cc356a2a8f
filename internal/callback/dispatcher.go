package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

const ReceivePath = "/callback/receive"

type DispatcherConfig struct {
	// BaseURL of the main node; ReceivePath is appended.
	BaseURL         string
	Secret          string
	Timeout         time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:         15 * time.Second,
		MaxAttempts:     3,
		RetryDelay:      2 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// permanentError marks a rejection that retrying cannot fix.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("callback rejected (HTTP %d): %s", e.status, e.body)
}

// Dispatcher delivers results to the main node off the caller's goroutine
// and records the outcome on the record.
type Dispatcher struct {
	store      storage.Store
	cfg        DispatcherConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

func NewDispatcher(store storage.Store, cfg DispatcherConfig, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:      store,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		sleep:      sleepContext,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "callback",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var perm *permanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("callback circuit breaker state changed")
		},
	})

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify sends status for record id asynchronously. The returned channel
// yields true once the delivery and the resulting record update succeed.
// Delivery is detached from ctx so a finished batch does not abort it.
func (d *Dispatcher) Notify(ctx context.Context, id string, status types.CallbackStatus, payload string) <-chan bool {
	done := make(chan bool, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		done <- d.deliver(d.ctx, id, status, payload)
	}()
	return done
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close aborts pending retries and waits for deliveries to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, id string, status types.CallbackStatus, payload string) bool {
	deliveryID := "cb_" + uuid.New().String()
	logger := d.logger.With().Str("delivery_id", deliveryID).Str("request_id", id).Str("callback_status", string(status)).Logger()

	msg := types.CallbackMessage{
		DataID:    id,
		Status:    status,
		Timestamp: d.now().UnixMilli(),
	}
	switch status {
	case types.CallbackSuccess:
		msg.Result = payload
	case types.CallbackFailed:
		msg.ErrorMessage = payload
	}

	err := d.send(ctx, &msg, logger)

	if status != types.CallbackSuccess {
		if err != nil {
			logger.Warn().Err(err).Msg("status callback not delivered")
			return false
		}
		return true
	}

	if err != nil {
		logger.Error().Err(err).Msg("result callback failed")
		reason := "callback delivery failed: " + err.Error()
		if _, terr := d.store.Transition(context.WithoutCancel(ctx), storage.Transition{
			ID:           id,
			To:           types.StatusError,
			ErrorMessage: &reason,
		}); terr != nil {
			logger.Error().Err(terr).Msg("failed to mark record as error")
		}
		return false
	}

	if _, err := d.store.Transition(context.WithoutCancel(ctx), storage.Transition{
		ID:   id,
		From: storage.Expect(types.StatusEncrypted),
		To:   types.StatusSent,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark record as sent")
		return false
	}

	logger.Info().Int("retry_count", msg.RetryCount).Msg("result delivered")
	return true
}

func (d *Dispatcher) send(ctx context.Context, msg *types.CallbackMessage, logger zerolog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		msg.RetryCount = attempt - 1

		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.post(ctx, msg)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("callback attempt failed, retrying")
		if err := d.sleep(ctx, time.Duration(attempt)*d.cfg.RetryDelay); err != nil {
			return fmt.Errorf("callback aborted: %w", err)
		}
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, msg *types.CallbackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return &permanentError{body: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+ReceivePath, bytes.NewReader(body))
	if err != nil {
		return &permanentError{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(d.cfg.Secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{status: resp.StatusCode, body: string(respBody)}
	default:
		return fmt.Errorf("callback returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
