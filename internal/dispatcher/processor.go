package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/llm"
	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/internal/validator"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

// ErrSuperseded means another worker advanced the record after this one's
// lease lapsed. The stale worker's result is dropped.
var ErrSuperseded = errors.New("record superseded by another worker")

type Crypter interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type LLM interface {
	Call(ctx context.Context, prompt string) llm.Result
}

type Notifier interface {
	Notify(ctx context.Context, id string, status types.CallbackStatus, payload string) <-chan bool
}

// Processor drives a single claimed record through the pipeline.
type Processor struct {
	store    storage.Store
	cipher   Crypter
	llm      LLM
	notifier Notifier
	logger   zerolog.Logger
}

func NewProcessor(store storage.Store, cipher Crypter, client LLM, notifier Notifier, logger zerolog.Logger) *Processor {
	return &Processor{
		store:    store,
		cipher:   cipher,
		llm:      client,
		notifier: notifier,
		logger:   logger,
	}
}

// Process returns an error when the record ended in ERROR. Every failure is
// recorded on the row and reported to the main node before returning, except
// ErrSuperseded, which leaves the row to the worker that advanced it.
func (p *Processor) Process(ctx context.Context, rec *storage.Record) error {
	logger := p.logger.With().Str("request_id", rec.ID).Str("status", string(rec.Status)).Logger()

	if rec.Status == types.StatusEncrypted {
		if rec.EncryptedResult == nil {
			return p.fail(ctx, rec.ID, errors.New("encrypted record has no result"), logger)
		}
		logger.Info().Msg("re-sending result of reclaimed record")
		p.notifier.Notify(ctx, rec.ID, types.CallbackSuccess, *rec.EncryptedResult)
		return nil
	}

	prompt, err := p.prompt(ctx, rec)
	if err != nil {
		return p.fail(ctx, rec.ID, err, logger)
	}

	// A reclaimed PROCESSED row already has its plaintext; it is answered
	// again (usually from cache) without moving back to PROCESSING.
	if rec.Status != types.StatusProcessed {
		if _, err := p.store.Transition(ctx, storage.Transition{
			ID:   rec.ID,
			From: storage.Expect(types.StatusDecrypted),
			To:   types.StatusProcessing,
		}); err != nil {
			return p.fail(ctx, rec.ID, fmt.Errorf("marking processing: %w", err), logger)
		}
	}

	result := p.llm.Call(ctx, prompt)
	if !result.Success {
		logger.Warn().
			Str("error_type", string(result.ErrorType)).
			Int("attempts", result.AttemptsMade).
			Str("hint", result.RecoveryHint).
			Msg("llm call failed")
		return p.fail(ctx, rec.ID, result.Err(), logger)
	}

	if _, err := p.store.Transition(ctx, storage.Transition{
		ID:   rec.ID,
		From: storage.Expect(types.StatusProcessing),
		To:   types.StatusProcessed,
	}); err != nil {
		return p.fail(ctx, rec.ID, fmt.Errorf("marking processed: %w", err), logger)
	}

	if check := validator.Check(result.Text); !check.Complete {
		logger.Warn().Str("reason", check.Reason).Msg("llm answer may be incomplete")
	}

	ciphertext, err := p.cipher.Encrypt(ctx, result.Text)
	if err != nil {
		return p.fail(ctx, rec.ID, fmt.Errorf("encrypting result: %w", err), logger)
	}

	if _, err := p.store.Transition(ctx, storage.Transition{
		ID:              rec.ID,
		From:            storage.Expect(types.StatusProcessed),
		To:              types.StatusEncrypted,
		EncryptedResult: &ciphertext,
	}); err != nil {
		return p.fail(ctx, rec.ID, fmt.Errorf("storing result: %w", err), logger)
	}

	logger.Info().
		Bool("cache_hit", result.CacheHit).
		Int("attempts", result.AttemptsMade).
		Dur("llm_time", result.TotalTime).
		Msg("record encrypted, sending result")
	p.notifier.Notify(ctx, rec.ID, types.CallbackSuccess, ciphertext)
	return nil
}

// prompt returns the plaintext, decrypting and advancing RECEIVED rows.
func (p *Processor) prompt(ctx context.Context, rec *storage.Record) (string, error) {
	if rec.Status != types.StatusReceived {
		if rec.DecryptedPrompt == nil {
			return "", fmt.Errorf("record in %s has no decrypted prompt", rec.Status)
		}
		return *rec.DecryptedPrompt, nil
	}

	plaintext, err := p.cipher.Decrypt(ctx, rec.EncryptedPrompt)
	if err != nil {
		return "", fmt.Errorf("decrypting prompt: %w", err)
	}
	if _, err := p.store.Transition(ctx, storage.Transition{
		ID:              rec.ID,
		From:            storage.Expect(types.StatusReceived),
		To:              types.StatusDecrypted,
		DecryptedPrompt: &plaintext,
	}); err != nil {
		return "", fmt.Errorf("marking decrypted: %w", err)
	}
	return plaintext, nil
}

func (p *Processor) fail(ctx context.Context, id string, cause error, logger zerolog.Logger) error {
	if errors.Is(cause, storage.ErrStaleTransition) {
		logger.Warn().Err(cause).Msg("lease lost, dropping stale work")
		return fmt.Errorf("%w: %w", ErrSuperseded, cause)
	}

	reason := cause.Error()
	logger.Error().Err(cause).Msg("record failed")

	if _, err := p.store.Transition(context.WithoutCancel(ctx), storage.Transition{
		ID:           id,
		To:           types.StatusError,
		ErrorMessage: &reason,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark record as error")
	}
	p.notifier.Notify(ctx, id, types.CallbackFailed, reason)
	return cause
}
