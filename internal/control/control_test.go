package control

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/bridge/internal/auth"
	"github.com/agentwire/bridge/internal/history"
	"github.com/agentwire/bridge/internal/queue"
	"github.com/agentwire/bridge/internal/registry"
	"github.com/agentwire/bridge/internal/router"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close(reason string) {}
func (f *fakeConn) Probe() error        { return nil }

type fixture struct {
	app    *fiber.App
	router *router.Router
	reg    *registry.Registry
	ring   *history.Ring
	queues *queue.Manager
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()

	reg := registry.New(16, nil)
	ring := history.New(32, 8)
	queues := queue.NewManager(8, 64, nil)
	rt := router.New(reg, ring, queues, 10, nil)

	app := fiber.New()
	NewHandler(rt, reg, ring, queues, auth.NewGuard(secret), nil).Register(app)

	return &fixture{app: app, router: rt, reg: reg, ring: ring, queues: queues}
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func (f *fixture) post(t *testing.T, path, body string, header ...string) (int, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func decodeBody(t *testing.T, r io.Reader) map[string]json.RawMessage {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	out := map[string]json.RawMessage{}
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.router.Register("claude-main", &fakeConn{}))

	status, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `"ok"`, string(body["status"]))
	require.JSONEq(t, `1`, string(body["clients"]))
}

func TestClients(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.router.Register("a", &fakeConn{}))
	require.NoError(t, f.router.Register("b", &fakeConn{}))

	status, body := f.get(t, "/clients")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `["a","b"]`, string(body["clients"]))
}

func TestHistoryLimitClamped(t *testing.T) {
	f := newFixture(t, "")
	for i := 0; i < 40; i++ {
		f.router.Accept("a", "", json.RawMessage(`{}`))
	}

	status, body := f.get(t, "/history?limit=9999")
	require.Equal(t, http.StatusOK, status)

	var envs []json.RawMessage
	require.NoError(t, json.Unmarshal(body["history"], &envs))
	require.Len(t, envs, f.ring.Capacity())
}

func TestHistoryByID(t *testing.T) {
	f := newFixture(t, "")
	env, _ := f.router.Accept("a", "", json.RawMessage(`{"n":1}`))

	status, body := f.get(t, "/history/"+env.ID)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `"`+env.ID+`"`, string(body["id"]))

	status, _ = f.get(t, "/history/unknown")
	require.Equal(t, http.StatusNotFound, status)
}

func TestBroadcastRecordsHistory(t *testing.T) {
	f := newFixture(t, "")
	receiver := &fakeConn{}
	require.NoError(t, f.router.Register("claude-main", receiver))

	status, body := f.post(t, "/broadcast", `{"payload":{"text":"hello"}}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `"sent"`, string(body["status"]))

	recent := f.ring.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, router.OperatorID, recent[0].From)
}

func TestSendToOfflinePeerReportsQueued(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.post(t, "/send", `{"to":"ollama-local","payload":{"text":"ping"}}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `"sent"`, string(body["status"]))
	require.JSONEq(t, `false`, string(body["delivered"]))
	require.Equal(t, 1, f.queues.Depth("ollama-local"))
}

func TestSendDelivered(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.router.Register("claude-main", &fakeConn{}))

	status, body := f.post(t, "/send", `{"to":"claude-main","payload":{"text":"ping"}}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `true`, string(body["delivered"]))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, "")

	status, _ := f.post(t, "/send", `{"payload":{"text":"ping"}}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.post(t, "/send", `{"to":"x"}`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestStats(t *testing.T) {
	f := newFixture(t, "")
	f.router.Accept("a", "ghost", json.RawMessage(`{}`))

	status, body := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `1`, string(body["accepted"]))
	require.JSONEq(t, `1`, string(body["queueDepth"]))
}

func TestWriteEndpointsGuarded(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, secret)

	status, _ := f.post(t, "/broadcast", `{"payload":{}}`)
	require.Equal(t, http.StatusUnauthorized, status)

	// Reads stay open.
	status, _ = f.get(t, "/health")
	require.Equal(t, http.StatusOK, status)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.OperatorClaims{
		Operator: "ops-team",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	status, _ = f.post(t, "/broadcast", `{"payload":{"text":"hi"}}`, fiber.HeaderAuthorization, "Bearer "+token)
	require.Equal(t, http.StatusOK, status)

	recent := f.ring.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, "ops-team", recent[0].From, "sender defaults to the authenticated operator")
}
