package admin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paclab/soundloc/internal/controller"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/sessionlog"
	"github.com/paclab/soundloc/internal/transport/eventchan"
	"github.com/paclab/soundloc/internal/transport/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullTransport struct {
	mu   sync.Mutex
	sent []string
}

func (t *nullTransport) Send(identity string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, identity+" "+string(payload))
	return nil
}

func (t *nullTransport) Identities() []string { return []string{"rpi01"} }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, []byte) error {
	return errors.New("connection refused")
}

type staticHealth struct{}

func (staticHealth) HealthSnapshots() any {
	return map[string]string{"audio": "HEALTHY"}
}

type fixture struct {
	engine *controller.Engine
	bus    *redis.Bus
	server *Server
	http   http.Handler
}

func newFixture(t *testing.T, pub controller.Publisher) *fixture {
	t.Helper()
	engine, err := controller.New(controller.Config{
		Task:    "soundloc",
		Subject: "m01",
		Ports:   []model.Port{{Node: "rpi01", ID: 5, Side: model.SideLeft}},
	}, &nullTransport{}, discardLogger())
	require.NoError(t, err)

	bus := redis.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	if pub == nil {
		pub = bus
	}
	broadcaster := controller.NewBroadcaster(pub, nil, discardLogger())
	srv := NewServer(engine, broadcaster, discardLogger(), WithHealthProvider(staticHealth{}))
	return &fixture{engine: engine, bus: bus, server: srv, http: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func s1JSON() string {
	return `{"name":"s1","task":"soundloc","amplitude_min":0.02,"amplitude_max":0.02,` +
		`"rate_min":2,"rate_max":2,"irregularity_min":-1.5,"irregularity_max":-1.5,` +
		`"center_freq_min":10000,"center_freq_max":10000,"bandwidth":3000,"reward_value":0.05}`
}

func TestServer_SessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/admin/v1/session/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "stop before start")

	rec = f.do(t, http.MethodPost, "/admin/v1/session/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var started sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "soundloc", started.Task)
	assert.Equal(t, "m01", started.Subject)
	assert.NotEmpty(t, started.SessionID)

	rec = f.do(t, http.MethodPost, "/admin/v1/session/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "second start while running")

	rec = f.do(t, http.MethodPost, "/admin/v1/session/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "reset while running")

	rec = f.do(t, http.MethodPost, "/admin/v1/session/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, controller.StateIdle, st.State)

	rec = f.do(t, http.MethodPost, "/admin/v1/session/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, started.SessionID, resumed.SessionID, "start after stop resumes")

	f.do(t, http.MethodPost, "/admin/v1/session/stop", "")
	rec = f.do(t, http.MethodPost, "/admin/v1/session/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/admin/v1/session/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fresh sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	assert.NotEqual(t, started.SessionID, fresh.SessionID, "reset opens a new session")

	rec = f.do(t, http.MethodPost, "/admin/v1/session/exit", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-f.engine.Done():
	case <-time.After(time.Second):
		t.Fatal("engine not done after exit")
	}

	rec = f.do(t, http.MethodPost, "/admin/v1/session/start", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestServer_Parameters(t *testing.T) {
	f := newFixture(t, nil)
	sub, err := f.bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	rec := f.do(t, http.MethodGet, "/admin/v1/parameters", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/v1/parameters", s1JSON())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case payload := <-sub.Messages():
		var ps model.ParameterSet
		require.NoError(t, json.Unmarshal(payload, &ps))
		assert.Equal(t, 3000.0, ps.Bandwidth)
	case <-time.After(time.Second):
		t.Fatal("parameters not broadcast")
	}

	rec = f.do(t, http.MethodGet, "/admin/v1/parameters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var latest model.ParameterSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "s1", latest.Name)
	assert.Equal(t, 0.05, latest.RewardValue)
}

func TestServer_PutParametersRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{"},
		{name: "unknown key", body: `{"name":"x","volume":3}`},
		{name: "inverted range", body: strings.Replace(s1JSON(), `"rate_min":2`, `"rate_min":9`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/admin/v1/parameters", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
	_, ok := f.server.params.Latest()
	assert.False(t, ok)
}

func TestServer_PutParametersDeliveryFailure(t *testing.T) {
	f := newFixture(t, failingPublisher{})

	rec := f.do(t, http.MethodPut, "/admin/v1/parameters", s1JSON())
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Published)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestServer_StatusAndSessionLog(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/admin/v1/session/log.csv", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPut, "/admin/v1/parameters", s1JSON())
	f.do(t, http.MethodPost, "/admin/v1/session/start", "")
	f.engine.HandleInbound(context.Background(), eventchan.Inbound{Identity: "rpi01", Kind: eventchan.InboundConnected})
	f.engine.HandleInbound(context.Background(), eventchan.Inbound{Identity: "rpi01", Kind: eventchan.InboundMessage, Payload: []byte("5")})

	rec = f.do(t, http.MethodGet, "/admin/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, controller.StateInTrial, st.State)
	assert.Equal(t, 2, st.Trial)
	assert.Equal(t, 1, st.CorrectTrials)
	assert.Equal(t, 1, st.Pokes)
	require.NotNil(t, st.Parameters)
	assert.Equal(t, "s1", st.Parameters.Name)

	rec = f.do(t, http.MethodGet, "/admin/v1/session/log.csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "soundloc_")

	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, sessionlog.Header, rows[0])
	assert.Equal(t, "5", rows[1][2])
	assert.Equal(t, "5", rows[1][3])
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/admin/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HEALTHY")

	bare := NewServer(f.engine, controller.NewBroadcaster(f.bus, nil, discardLogger()), discardLogger())
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_UnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodDelete, "/admin/v1/parameters", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
