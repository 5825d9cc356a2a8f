package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/prompt-relay/internal/callback"
	"github.com/georgeshao/prompt-relay/internal/dispatcher"
	"github.com/georgeshao/prompt-relay/internal/llm"
	"github.com/georgeshao/prompt-relay/internal/metrics"
	"github.com/georgeshao/prompt-relay/internal/secure"
	"github.com/georgeshao/prompt-relay/internal/storage/sqlite"
	"github.com/georgeshao/prompt-relay/internal/submission"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

const callbackSecret = "test-secret"

type echoLLM struct{}

func (echoLLM) Call(ctx context.Context, prompt string) llm.Result {
	return llm.Result{Success: true, Text: "Echo: " + prompt, AttemptsMade: 1}
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, id string, status types.CallbackStatus, payload string) <-chan bool {
	ch := make(chan bool, 1)
	ch <- true
	close(ch)
	return ch
}

type testApp struct {
	app       *fiber.App
	store     *sqlite.SQLiteStore
	cipher    *secure.Cipher
	collector *metrics.AtomicCollector
	sink      *callback.MemorySink
}

func setupTestApp(t *testing.T, keys secure.KeySource) *testApp {
	t.Helper()
	logger := zerolog.Nop()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher := secure.NewCipher(keys)
	collector := metrics.NewAtomicCollector()
	sink := callback.NewMemorySink()

	pool := dispatcher.NewPool(dispatcher.PoolConfig{Workers: 1, QueueSize: 4}, logger)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	cfg := dispatcher.Config{Interval: time.Hour, EnabledOnStart: false}
	processor := dispatcher.NewProcessor(store, cipher, echoLLM{}, nopNotifier{}, logger)
	batch := dispatcher.NewBatchProcessor(store, pool, processor, cfg, logger)
	scheduler := dispatcher.NewScheduler(batch, store, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = scheduler.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	app := fiber.New()
	SetupRoutes(app, Deps{
		Store:          store,
		Submissions:    submission.NewService(store, cipher, logger),
		Scheduler:      scheduler,
		Batch:          batch,
		Collector:      collector,
		Receiver:       callback.NewReceiver(cipher, sink, callback.DefaultRequestIDPrefix, logger),
		CallbackSecret: callbackSecret,
		Logger:         logger,
	})

	return &testApp{app: app, store: store, cipher: cipher, collector: collector, sink: sink}
}

func defaultKeys() secure.KeySource {
	return secure.StaticKeySource{Key: "hospital-key", Salt: "hospital-salt"}
}

func (a *testApp) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		case []byte:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (a *testApp) executeRequest(t *testing.T, id, prompt string) types.ExecuteRequest {
	t.Helper()
	ct, err := a.cipher.Encrypt(context.Background(), prompt)
	require.NoError(t, err)
	return types.ExecuteRequest{EncryptedPrompt: ct, EncryptionType: types.EncryptionAES, Timestamp: time.Now().UnixMilli(), RequestID: id}
}

func TestHealthEndpoint(t *testing.T) {
	a := setupTestApp(t, defaultKeys())

	resp, _ := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecuteAcceptsAndDeduplicates(t *testing.T) {
	a := setupTestApp(t, defaultKeys())
	req := a.executeRequest(t, "cdwyy42", "Summarise the discharge notes.")

	resp, body := a.do(t, http.MethodPost, "/execute", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out types.ExecuteResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "cdwyy42", out.RequestID)
	assert.Equal(t, types.StatusDecrypted, out.RecordStatus)
	assert.False(t, out.Duplicate)
	assert.Equal(t, len("Summarise the discharge notes."), out.DecryptedLength)

	resp, body = a.do(t, http.MethodPost, "/execute", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Duplicate)

	n, err := a.store.CountByStatus(context.Background(), types.StatusDecrypted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	a := setupTestApp(t, defaultKeys())

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "{not json"},
		{"missing request id", types.ExecuteRequest{EncryptedPrompt: "abc"}},
		{"undecryptable", types.ExecuteRequest{RequestID: "cdwyy1", EncryptedPrompt: "bm90IGNpcGhlcnRleHQ="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := a.do(t, http.MethodPost, "/execute", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var errResp types.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &errResp))
			assert.Equal(t, "error", errResp.Status)
			assert.NotEmpty(t, errResp.Message)
		})
	}
}

func TestExecuteMissingKeyIsServerError(t *testing.T) {
	a := setupTestApp(t, secure.StaticKeySource{})

	resp, body := a.do(t, http.MethodPost, "/execute", types.ExecuteRequest{RequestID: "cdwyy1", EncryptedPrompt: "YWJj"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "salt")
}

func TestGetAndResetRecord(t *testing.T) {
	a := setupTestApp(t, defaultKeys())
	req := a.executeRequest(t, "cdwyy5", "Sensitive plaintext prompt.")
	resp, _ := a.do(t, http.MethodPost, "/execute", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := a.do(t, http.MethodGet, "/execute/records/cdwyy5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "Sensitive plaintext prompt.")

	var view types.Record
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, types.StatusDecrypted, view.Status)
	assert.False(t, view.HasResult)

	resp, body = a.do(t, http.MethodPost, "/execute/records/cdwyy5/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, types.StatusReceived, view.Status)

	resp, _ = a.do(t, http.MethodGet, "/execute/records/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = a.do(t, http.MethodPost, "/execute/records/missing/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulerControl(t *testing.T) {
	a := setupTestApp(t, defaultKeys())

	resp, body := a.do(t, http.MethodGet, "/execute/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status types.SchedulerStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.False(t, status.Enabled)
	assert.Equal(t, "stopped", status.Status)

	resp, body = a.do(t, http.MethodPost, "/execute/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ctrl types.ControlResponse
	require.NoError(t, json.Unmarshal(body, &ctrl))
	assert.True(t, ctrl.Enabled)

	resp, body = a.do(t, http.MethodGet, "/execute/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, "running", status.Status)

	resp, body = a.do(t, http.MethodPost, "/execute/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ctrl))
	assert.False(t, ctrl.Enabled)

	resp, _ = a.do(t, http.MethodPost, "/execute/reset-stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLLMDiagnostics(t *testing.T) {
	a := setupTestApp(t, defaultKeys())
	now := time.Now()
	for i := 0; i < 30; i++ {
		rec := metrics.CallRecord{Timestamp: now, Success: true, Latency: 200 * time.Millisecond}
		if i%10 == 0 {
			rec.Success = false
			rec.ErrorCategory = string(llm.ReadTimeout)
			rec.RetryCount = 2
		}
		a.collector.RecordCall(rec)
	}

	resp, body := a.do(t, http.MethodGet, "/execute/llm-stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats types.LLMStatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(30), stats.Stats.TotalCalls)
	assert.Equal(t, int64(3), stats.Stats.FailedCalls)
	assert.Equal(t, int64(3), stats.Stats.ErrorsByCategory["READ_TIMEOUT"])
	assert.NotEmpty(t, stats.Analysis.Trend)

	resp, body = a.do(t, http.MethodGet, "/execute/llm-call-history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history types.LLMCallHistoryResponse
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Equal(t, 20, history.Count)

	resp, body = a.do(t, http.MethodGet, "/execute/llm-call-history?limit=500", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Equal(t, 30, history.Count)

	resp, _ = a.do(t, http.MethodPost, "/execute/reset-llm-stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), a.collector.Snapshot().TotalCalls)
}

func TestReceiveCallback(t *testing.T) {
	a := setupTestApp(t, defaultKeys())
	ct, err := a.cipher.Encrypt(context.Background(), "Temperature normal. Continue observation.")
	require.NoError(t, err)

	raw, err := json.Marshal(types.CallbackMessage{DataID: "cdwyy42", Status: types.CallbackSuccess, Result: ct})
	require.NoError(t, err)
	sig := "sha256=" + callback.SignPayload(callbackSecret, raw)

	resp, _ := a.do(t, http.MethodPost, "/callback/receive", raw, callback.SignatureHeader, "sha256=bad")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := a.do(t, http.MethodPost, "/callback/receive", raw, callback.SignatureHeader, sig)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out types.CallbackResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "cdwyy42", out.DataID)
	assert.Equal(t, types.CallbackSuccess, out.CallbackStatus)

	got, ok, err := a.sink.FindResult(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Temperature normal. Continue observation.", got)

	invalid := []byte(`{"status":"SUCCESS"}`)
	resp, _ = a.do(t, http.MethodPost, "/callback/receive", invalid, callback.SignatureHeader, "sha256="+callback.SignPayload(callbackSecret, invalid))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
