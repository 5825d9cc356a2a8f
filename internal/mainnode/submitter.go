package mainnode

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

	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/pkg/types"
)

const ExecutePath = "/execute"

var ErrPromptNotFound = errors.New("prompt not found")

// PromptSource yields the plaintext prompt for one of the main node's
// records.
type PromptSource interface {
	Prompt(ctx context.Context, sourceID string) (string, error)
}

type Encrypter interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// StaticSource serves prompts from memory.
type StaticSource struct {
	mu      sync.RWMutex
	prompts map[string]string
}

func NewStaticSource(prompts map[string]string) *StaticSource {
	s := &StaticSource{prompts: make(map[string]string, len(prompts))}
	for k, v := range prompts {
		s.prompts[k] = v
	}
	return s
}

func (s *StaticSource) Put(sourceID, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[sourceID] = prompt
}

func (s *StaticSource) Prompt(ctx context.Context, sourceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[sourceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPromptNotFound, sourceID)
	}
	return p, nil
}

type SubmitterConfig struct {
	ExecutionURL    string
	RequestIDPrefix string
	Timeout         time.Duration
}

// Submitter hands prompts to the execution node.
type Submitter struct {
	source     PromptSource
	cipher     Encrypter
	cfg        SubmitterConfig
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

func NewSubmitter(source PromptSource, cipher Encrypter, cfg SubmitterConfig, logger zerolog.Logger) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.ExecutionURL = strings.TrimRight(cfg.ExecutionURL, "/")
	return &Submitter{
		source:     source,
		cipher:     cipher,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Submitter) RequestID(sourceID string) string {
	return s.cfg.RequestIDPrefix + sourceID
}

// Submit encrypts the prompt for sourceID and posts it. Resubmitting the
// same sourceID is safe; the execution node answers with Duplicate set.
func (s *Submitter) Submit(ctx context.Context, sourceID string) (types.ExecuteResponse, error) {
	prompt, err := s.source.Prompt(ctx, sourceID)
	if err != nil {
		return types.ExecuteResponse{}, err
	}

	ciphertext, err := s.cipher.Encrypt(ctx, prompt)
	if err != nil {
		return types.ExecuteResponse{}, fmt.Errorf("encrypting prompt: %w", err)
	}

	req := types.ExecuteRequest{
		EncryptedPrompt: ciphertext,
		EncryptionType:  types.EncryptionAES,
		Timestamp:       s.now().UnixMilli(),
		RequestID:       s.RequestID(sourceID),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return types.ExecuteResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ExecutionURL+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return types.ExecuteResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return types.ExecuteResponse{}, fmt.Errorf("posting prompt: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.ExecuteResponse{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp types.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return types.ExecuteResponse{}, fmt.Errorf("execution node returned HTTP %d: %s", resp.StatusCode, errResp.Message)
		}
		return types.ExecuteResponse{}, fmt.Errorf("execution node returned HTTP %d", resp.StatusCode)
	}

	var out types.ExecuteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return types.ExecuteResponse{}, fmt.Errorf("decoding response: %w", err)
	}

	s.logger.Info().
		Str("request_id", out.RequestID).
		Str("record_status", string(out.RecordStatus)).
		Bool("duplicate", out.Duplicate).
		Msg("prompt submitted")
	return out, nil
}
