package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/secure"
	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

var ErrInvalidSubmission = errors.New("invalid submission")

type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type Outcome struct {
	RequestID       string
	Status          types.RecordStatus
	Duplicate       bool
	EncryptedLength int
	DecryptedLength int
	Elapsed         time.Duration
}

func (o Outcome) Response() types.ExecuteResponse {
	msg := "request accepted"
	if o.Duplicate {
		msg = "request already received"
	}
	return types.ExecuteResponse{
		Status:          "success",
		Message:         msg,
		RequestID:       o.RequestID,
		RecordStatus:    o.Status,
		Duplicate:       o.Duplicate,
		EncryptedLength: o.EncryptedLength,
		DecryptedLength: o.DecryptedLength,
		ElapsedMs:       o.Elapsed.Milliseconds(),
	}
}

// Service is the execution node's intake. A requestId is inserted at most
// once no matter how often the main node retries.
type Service struct {
	store  storage.Store
	cipher Decrypter
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store storage.Store, cipher Decrypter, logger zerolog.Logger) *Service {
	return &Service{store: store, cipher: cipher, logger: logger, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, req types.ExecuteRequest) (Outcome, error) {
	start := s.now()
	if req.RequestID == "" {
		return Outcome{}, fmt.Errorf("%w: requestId is required", ErrInvalidSubmission)
	}
	if req.EncryptedPrompt == "" {
		return Outcome{}, fmt.Errorf("%w: encryptedPrompt is required", ErrInvalidSubmission)
	}
	if req.EncryptionType != "" && req.EncryptionType != types.EncryptionAES {
		return Outcome{}, fmt.Errorf("%w: unsupported encryptionType %q", ErrInvalidSubmission, req.EncryptionType)
	}

	logger := s.logger.With().Str("request_id", req.RequestID).Logger()

	existing, err := s.store.Get(ctx, req.RequestID)
	if err != nil {
		return Outcome{}, fmt.Errorf("looking up record: %w", err)
	}

	if existing == nil {
		plaintext, err := s.decrypt(ctx, req.EncryptedPrompt)
		if err != nil {
			return Outcome{}, err
		}

		rec, err := s.store.Create(ctx, req.RequestID, req.EncryptedPrompt)
		switch {
		case errors.Is(err, storage.ErrDuplicateKey):
			// lost the race to a concurrent delivery of the same id
			existing, err = s.store.Get(ctx, req.RequestID)
			if err != nil {
				return Outcome{}, fmt.Errorf("looking up record: %w", err)
			}
			if existing == nil {
				return Outcome{}, fmt.Errorf("record %s vanished after duplicate insert", req.RequestID)
			}
		case err != nil:
			return Outcome{}, fmt.Errorf("creating record: %w", err)
		default:
			rec, err = s.store.Transition(ctx, storage.Transition{
				ID:              rec.ID,
				From:            storage.Expect(types.StatusReceived),
				To:              types.StatusDecrypted,
				DecryptedPrompt: &plaintext,
			})
			if err != nil {
				// the row stays RECEIVED and the scheduler decrypts it later
				logger.Warn().Err(err).Msg("failed to mark record decrypted")
				rec, _ = s.store.Get(ctx, req.RequestID)
			}
			logger.Info().Int("encrypted_length", len(req.EncryptedPrompt)).Msg("request accepted")
			out := Outcome{
				RequestID:       req.RequestID,
				Status:          types.StatusReceived,
				EncryptedLength: len(req.EncryptedPrompt),
				DecryptedLength: len(plaintext),
				Elapsed:         s.now().Sub(start),
			}
			if rec != nil {
				out.Status = rec.Status
			}
			return out, nil
		}
	}

	return s.duplicate(ctx, existing, start, logger)
}

// duplicate reuses the stored record; the stored ciphertext is never
// replaced by the retry's.
func (s *Service) duplicate(ctx context.Context, rec *storage.Record, start time.Time, logger zerolog.Logger) (Outcome, error) {
	logger.Info().Str("status", string(rec.Status)).Msg("duplicate request, reusing existing record")

	out := Outcome{
		RequestID:       rec.ID,
		Status:          rec.Status,
		Duplicate:       true,
		EncryptedLength: len(rec.EncryptedPrompt),
	}

	if rec.DecryptedPrompt != nil {
		out.DecryptedLength = len(*rec.DecryptedPrompt)
	} else if rec.Status == types.StatusReceived {
		plaintext, err := s.decrypt(ctx, rec.EncryptedPrompt)
		if err != nil {
			return Outcome{}, err
		}
		updated, err := s.store.Transition(ctx, storage.Transition{
			ID:              rec.ID,
			From:            storage.Expect(types.StatusReceived),
			To:              types.StatusDecrypted,
			DecryptedPrompt: &plaintext,
		})
		switch {
		case err == nil:
			out.Status = updated.Status
		case errors.Is(err, storage.ErrStaleTransition):
			// the scheduler got there first
			if cur, gerr := s.store.Get(ctx, rec.ID); gerr == nil && cur != nil {
				out.Status = cur.Status
			}
		default:
			return Outcome{}, fmt.Errorf("advancing record: %w", err)
		}
		out.DecryptedLength = len(plaintext)
	}

	out.Elapsed = s.now().Sub(start)
	return out, nil
}

func (s *Service) decrypt(ctx context.Context, ciphertext string) (string, error) {
	plaintext, err := s.cipher.Decrypt(ctx, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	if errors.Is(err, secure.ErrMissingKey) {
		return "", err
	}
	return "", fmt.Errorf("%w: payload could not be decrypted: %v", ErrInvalidSubmission, err)
}
