package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/validator"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

const DefaultRequestIDPrefix = "cdwyy"

var ErrInvalidCallback = errors.New("invalid callback")

type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type statusHandler func(ctx context.Context, originID string, msg types.CallbackMessage) (string, error)

// Receiver runs on the main node and accepts results posted by the
// execution node.
type Receiver struct {
	cipher   Decrypter
	sink     ResultSink
	prefix   string
	logger   zerolog.Logger
	handlers map[types.CallbackStatus]statusHandler
}

func NewReceiver(cipher Decrypter, sink ResultSink, requestIDPrefix string, logger zerolog.Logger) *Receiver {
	r := &Receiver{
		cipher: cipher,
		sink:   sink,
		prefix: requestIDPrefix,
		logger: logger,
	}
	r.handlers = map[types.CallbackStatus]statusHandler{
		types.CallbackSuccess:    r.handleSuccess,
		types.CallbackFailed:     r.handleFailed,
		types.CallbackProcessing: r.handleProgress,
		types.CallbackRetrying:   r.handleProgress,
		types.CallbackPending:    r.handleProgress,
	}
	return r
}

// OriginID maps a callback dataId back to the main node's own record id.
func OriginID(prefix, dataID string) string {
	return strings.TrimPrefix(dataID, prefix)
}

// RequestID is the inverse of OriginID.
func RequestID(prefix, originID string) string {
	return prefix + originID
}

// errorMarkers are matched case-insensitively at the start of a result. The
// colon keeps answers such as "Errors in the panel..." from matching.
var errorMarkers = []string{"error:", "error：", "错误:", "错误："}

// HasErrorMarker reports whether a decrypted result is really an error
// report from the model side.
func HasErrorMarker(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, marker := range errorMarkers {
		if len(trimmed) >= len(marker) && strings.EqualFold(trimmed[:len(marker)], marker) {
			return true
		}
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]json.RawMessage
		if json.Unmarshal([]byte(trimmed), &obj) == nil {
			_, ok := obj["error"]
			return ok
		}
	}
	return false
}

func (r *Receiver) Receive(ctx context.Context, msg types.CallbackMessage) (types.CallbackResponse, error) {
	if msg.DataID == "" {
		return types.CallbackResponse{}, fmt.Errorf("%w: dataId is required", ErrInvalidCallback)
	}
	if msg.Status == "" {
		return types.CallbackResponse{}, fmt.Errorf("%w: status is required", ErrInvalidCallback)
	}
	handler, ok := r.handlers[msg.Status]
	if !ok {
		return types.CallbackResponse{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, msg.Status)
	}

	originID := OriginID(r.prefix, msg.DataID)
	message, err := handler(ctx, originID, msg)
	if err != nil {
		return types.CallbackResponse{}, err
	}

	return types.CallbackResponse{
		Status:         "success",
		Message:        message,
		DataID:         msg.DataID,
		CallbackStatus: msg.Status,
	}, nil
}

func (r *Receiver) handleSuccess(ctx context.Context, originID string, msg types.CallbackMessage) (string, error) {
	logger := r.logger.With().Str("data_id", msg.DataID).Str("origin_id", originID).Logger()

	if msg.Result == "" {
		return "", fmt.Errorf("%w: result is required for SUCCESS", ErrInvalidCallback)
	}

	plaintext, err := r.cipher.Decrypt(ctx, msg.Result)
	if err != nil {
		if markErr := r.sink.MarkFailed(ctx, originID, "result could not be decrypted"); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to record decrypt failure")
		}
		return "", fmt.Errorf("decrypting result: %w", err)
	}

	if HasErrorMarker(plaintext) {
		logger.Warn().Msg("result carries an error marker")
		if err := r.sink.MarkFailed(ctx, originID, "result carries an error marker"); err != nil {
			return "", fmt.Errorf("recording rejected result: %w", err)
		}
		return "result rejected: error marker", nil
	}

	if check := validator.Check(plaintext); !check.Complete {
		logger.Warn().Str("reason", check.Reason).Msg("result may be incomplete")
	}

	existing, found, err := r.sink.FindResult(ctx, originID)
	if err != nil {
		return "", fmt.Errorf("checking existing result: %w", err)
	}
	if found && existing == plaintext {
		logger.Info().Msg("duplicate result ignored")
		return "duplicate result ignored", nil
	}

	if err := r.sink.SaveResult(ctx, originID, plaintext); err != nil {
		return "", fmt.Errorf("saving result: %w", err)
	}
	logger.Info().Int("result_length", len(plaintext)).Msg("result saved")
	return "result saved", nil
}

func (r *Receiver) handleFailed(ctx context.Context, originID string, msg types.CallbackMessage) (string, error) {
	reason := msg.ErrorMessage
	if reason == "" {
		reason = "execution node reported failure"
	}
	r.logger.Warn().Str("data_id", msg.DataID).Str("reason", reason).Msg("execution failed")
	if err := r.sink.MarkFailed(ctx, originID, reason); err != nil {
		return "", fmt.Errorf("recording failure: %w", err)
	}
	return "failure recorded", nil
}

func (r *Receiver) handleProgress(ctx context.Context, originID string, msg types.CallbackMessage) (string, error) {
	if err := r.sink.MarkProgress(ctx, originID, msg.Status, msg.RetryCount); err != nil {
		return "", fmt.Errorf("recording progress: %w", err)
	}
	return "progress recorded", nil
}
