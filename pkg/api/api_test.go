package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harundwi/wa-gateway/internal/config"
	"github.com/harundwi/wa-gateway/internal/dispatch"
	"github.com/harundwi/wa-gateway/internal/health"
	"github.com/harundwi/wa-gateway/internal/phone"
	"github.com/harundwi/wa-gateway/internal/session"
	"github.com/harundwi/wa-gateway/internal/state"
)

const testKey = "test-api-key"

type fakeTransport struct {
	events    chan session.LifecycleEvent
	sendID    string
	sendErr   error
	connState string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:    make(chan session.LifecycleEvent, 16),
		sendID:    "3EB0TESTID",
		connState: "connected",
	}
}

func (f *fakeTransport) Initialize(ctx context.Context) error { return nil }
func (f *fakeTransport) Destroy() error                       { return nil }

func (f *fakeTransport) SendText(ctx context.Context, jid, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.sendID, nil
}

func (f *fakeTransport) ConnectionState(ctx context.Context) (string, error) {
	return f.connState, nil
}

func (f *fakeTransport) Events() <-chan session.LifecycleEvent { return f.events }

type testEnv struct {
	handler   http.Handler
	machine   *state.Machine
	transport *fakeTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		APIKey:           testKey,
		RateLimitRPM:     1000,
		CountryCode:      "62",
		RestartDelay:     10 * time.Millisecond,
		ReinitMaxRetries: 1,
		ReinitBaseDelay:  time.Millisecond,
		ReinitMaxDelay:   10 * time.Millisecond,
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := state.NewMachine(state.DefaultTimings())
	ft := newFakeTransport()
	sess := session.New(cfg, machine, ft, nil, log)
	t.Cleanup(sess.Stop)

	dispatcher := dispatch.New(machine, ft, 0, log)
	srv := NewServer(cfg, sess, dispatcher, phone.NewNormalizer(cfg.CountryCode), nil, health.NewMonitor(machine), log)

	return &testEnv{handler: srv.Router(), machine: machine, transport: ft}
}

func (e *testEnv) makeReady(t *testing.T) {
	t.Helper()
	require.NoError(t, e.machine.Fire(context.Background(), state.TriggerReady))
	require.True(t, e.machine.IsReady())
}

func sendBody(number, message string) *bytes.Buffer {
	b, _ := json.Marshal(map[string]string{"number": number, "message": message})
	return bytes.NewBuffer(b)
}

func doRequest(e *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestSendMessageRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrAuthFailed)
}

func TestSendMessageHeaderAuth(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hello"))
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp sendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Status)
	assert.Equal(t, "6281234567890@s.whatsapp.net", resp.To)
	assert.Equal(t, "3EB0TESTID", resp.MessageID)
}

func TestSendMessageBearerAuth(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hello"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageBodyKeyAuth(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	b, _ := json.Marshal(map[string]string{
		"number":  "081234567890",
		"message": "hello",
		"key":     testKey,
	})
	req := httptest.NewRequest(http.MethodPost, "/send-message", bytes.NewBuffer(b))
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageWrongKey(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	req.Header.Set("X-Api-Key", "wrong")
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessageMissingParams(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	for _, body := range []map[string]string{
		{"message": "hi"},
		{"number": "081234567890"},
		{},
	} {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/send-message", bytes.NewBuffer(b))
		req.Header.Set("X-Api-Key", testKey)
		rec := doRequest(env, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrInvalidInput)
	}
}

func TestSendMessageInvalidNumber(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("123", "hi"))
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrInvalidInput)
}

func TestSendMessageNotReady(t *testing.T) {
	env := newTestEnv(t)
	// Machine stays in initializing, not dispatch-capable.

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNotReady)
}

func TestSendMessageRecipientNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)
	env.transport.sendErr = fmt.Errorf("lookup: %w", dispatch.ErrRecipientUnregistered)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrRecipientNotFound)
}

func TestSendMessageTransportFaultDemotesSession(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)
	env.transport.sendErr = fmt.Errorf("send: %w", dispatch.ErrTransportFault)

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrTransportFault)
	assert.Equal(t, state.StateError, env.machine.MustState())
	assert.False(t, env.machine.IsReady())

	// Follow-up dispatches are now rejected at the gate.
	req = httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	req.Header.Set("X-Api-Key", testKey)
	rec = doRequest(env, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNotReady)
}

func TestSendMessageUnknownFailure(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)
	env.transport.sendErr = errors.New("something odd happened")

	req := httptest.NewRequest(http.MethodPost, "/send-message", sendBody("081234567890", "hi"))
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrInternal)
	// Unknown failures do not demote the session.
	assert.True(t, env.machine.IsReady())
}

func TestStatusReportsLiveState(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)
	env.transport.connState = "connected"

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Status)
	assert.True(t, resp.ClientReady)
	assert.Equal(t, "connected", resp.ClientState)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestStatusRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRestartStartsTeardown(t *testing.T) {
	env := newTestEnv(t)
	env.makeReady(t)

	req := httptest.NewRequest(http.MethodGet, "/restart", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp restartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Status)
	assert.Equal(t, state.StateRestarting, env.machine.MustState())
	assert.False(t, env.machine.IsReady())
}

func TestHealthIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uptime_seconds")
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := &config.Config{
		APIKey:       testKey,
		RateLimitRPM: 2,
		CountryCode:  "62",
		RestartDelay: 10 * time.Millisecond,
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := state.NewMachine(state.DefaultTimings())
	ft := newFakeTransport()
	sess := session.New(cfg, machine, ft, nil, log)
	t.Cleanup(sess.Stop)

	dispatcher := dispatch.New(machine, ft, 0, log)
	srv := NewServer(cfg, sess, dispatcher, phone.NewNormalizer(cfg.CountryCode), nil, health.NewMonitor(machine), log)
	handler := srv.Router()

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
