package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"sensorwatch/internal/alarm"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/errs"
	"sensorwatch/internal/events"
	"sensorwatch/internal/mqtt"
	"sensorwatch/internal/stats"
	"sensorwatch/internal/storage"
)

type fakeBroker struct {
	mu       sync.Mutex
	state    mqtt.State
	err      error
	connects int
}

func (b *fakeBroker) Snapshot() mqtt.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mqtt.Snapshot{State: b.state.String(), Connected: b.state == mqtt.StateConnected, Broker: "tcp://broker:1883"}
}

func (b *fakeBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.err != nil {
		return b.err
	}
	b.state = mqtt.StateConnected
	return nil
}

type fakeScheduler struct {
	report alarm.TickReport
	ticks  int
}

func (s *fakeScheduler) TriggerNow(context.Context) (alarm.TickReport, error) {
	s.ticks++
	return s.report, nil
}

func (s *fakeScheduler) LastTick() alarm.TickReport { return s.report }
func (s *fakeScheduler) InFlight() int { return 2 }

type fakeQueue int

func (q fakeQueue) QueueLen() int { return int(q) }

type testEnv struct {
	server    *Server
	store     *storage.BoltStore
	broker    *fakeBroker
	scheduler *fakeScheduler
	failures  *events.Store
	recorder  *stats.Recorder
}

func newTestEnv(t *testing.T, noAuth bool) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "api.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	prom, err := stats.NewPrometheus(reg, "sensorwatch")
	require.NoError(t, err)
	prom.MessageReceived()

	env := &testEnv{
		store:     store,
		broker:    &fakeBroker{state: mqtt.StateConnected},
		scheduler: &fakeScheduler{report: alarm.TickReport{Started: time.Now(), Due: 3, Outcomes: map[alarm.Outcome]int{alarm.OutcomeFired: 1}}},
		failures:  events.NewStore(10),
		recorder:  stats.NewRecorder(),
	}
	env.server, err = NewServer(Deps{
		Store:         store,
		Failures:      env.failures,
		Recorder:      env.recorder,
		Gatherer:      reg,
		Broker:        env.broker,
		Scheduler:     env.scheduler,
		Queue:         fakeQueue(7),
		Authenticator: auth.NewPasswordAuth("admin", string(hash)),
		JWTSecret:     "test-secret",
		TokenDuration: time.Hour,
		NoAuth:        noAuth,
		Logger:        zerolog.Nop(),
		Version:       "test",
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:51000"
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"s3cret"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			return c
		}
	}
	t.Fatal("no auth cookie")
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).Code)

	env.broker.state = mqtt.StateClosed
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t, false)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/status", "", nil).Code)

	rec := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", `{"username":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cookie := env.login(t)
	assert.True(t, cookie.HttpOnly)

	rec = env.do(t, http.MethodGet, "/api/auth/me", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[map[string]auth.User](t, rec)
	assert.Equal(t, "admin", me["user"].Username)

	rec = env.do(t, http.MethodGet, "/api/auth/ws-token", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string]string](t, rec)["token"], auth.WSTokenLength*2)

	rec = env.do(t, http.MethodPost, "/api/auth/logout", "", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, false)
	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"s3cret"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStatusAndStats(t *testing.T) {
	env := newTestEnv(t, false)
	cookie := env.login(t)
	env.failures.Add("HBEE/u/DEV", "{}", errs.New(errs.KindTopicParse, "UNSUPPORTED", "legacy_format", "3 segments"))
	env.recorder.MessageReceived()
	env.recorder.MessageAccepted("live")

	rec := env.do(t, http.MethodGet, "/api/status", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 7, status.Queue)
	assert.Equal(t, 1, status.Failures)
	assert.Equal(t, 2, status.InFlight)
	require.NotNil(t, status.MQTT)
	assert.Equal(t, "CONNECTED", status.MQTT.State)
	require.NotNil(t, status.LastTick)
	assert.Equal(t, 3, status.LastTick.Due)

	rec = env.do(t, http.MethodGet, "/api/stats", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[map[string]interface{}](t, rec)
	assert.EqualValues(t, 1, snap["received"])
	assert.EqualValues(t, 100, snap["successRate"])
}

func TestFailuresList(t *testing.T) {
	env := newTestEnv(t, false)
	cookie := env.login(t)
	for i := 0; i < 3; i++ {
		env.failures.Add("HBEE/u1/TC/s1/DEV", "{", errs.New(errs.KindJSONParse, "decode", "invalid_json", "unexpected EOF"))
	}

	rec := env.do(t, http.MethodGet, "/api/errors?limit=2", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Errors []events.Failure    `json:"errors"`
		LastID int64               `json:"lastId"`
		ByKind map[errs.Kind]int64 `json:"byKind"`
	}](t, rec)
	assert.Len(t, body.Errors, 2)
	assert.EqualValues(t, 3, body.ByKind[errs.KindJSONParse])

	rec = env.do(t, http.MethodGet, "/api/errors?since=2", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body.Errors = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "invalid_json", body.Errors[0].Reason)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/errors?since=x", "", cookie).Code)
}

func TestSensorConfigAndReading(t *testing.T) {
	env := newTestEnv(t, false)
	cookie := env.login(t)
	path := "/api/sensors/user1/sensor-1"

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path+"/config", "", cookie).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path+"/reading", "", cookie).Code)

	rec := env.do(t, http.MethodPut, path+"/config", `{"highEnabled":true,"lowEnabled":true,"highThreshold":5,"lowThreshold":10}`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, path+"/config", `{"highEnabled":true,"highThreshold":-18,"delaySeconds":{"bogus":1}}`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, path+"/config",
		`{"sensorName":"Freezer","highEnabled":true,"highThreshold":-18,"reArmDelaySeconds":{"high":600}}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, path+"/config", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[storage.AlarmConfig](t, rec)
	assert.Equal(t, "Freezer", cfg.SensorName)
	assert.Equal(t, "user1", cfg.UserID)
	assert.Equal(t, 10*time.Minute, cfg.ReArmDelay(storage.AlarmHigh))

	require.NoError(t, env.store.AppendReading(context.Background(), storage.SensorReading{
		UserID: "user1", SensorUUID: "sensor-1", Value: -20.5, HasValue: true, ObservedAt: time.Now(),
	}))
	rec = env.do(t, http.MethodGet, path+"/reading", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -20.5, decode[storage.SensorReading](t, rec).Value)
}

func TestPendingAndToken(t *testing.T) {
	env := newTestEnv(t, false)
	cookie := env.login(t)
	ctx := context.Background()

	for _, user := range []string{"user1", "user2"} {
		require.NoError(t, env.store.CreatePending(ctx, storage.PendingNotification{
			UserID: user, SensorUUID: "s", AlarmType: storage.AlarmNet, DueAt: time.Now(),
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/pending?user=user2", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[map[string][]storage.PendingNotification](t, rec)["pending"]
	require.Len(t, pending, 1)
	assert.Equal(t, "user2", pending[0].UserID)

	rec = env.do(t, http.MethodPut, "/api/users/user1/token", `{"token":"device-abc"}`, cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	token, err := env.store.PushToken(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "device-abc", token)
}

func TestOperatorActions(t *testing.T) {
	env := newTestEnv(t, false)
	cookie := env.login(t)

	rec := env.do(t, http.MethodPost, "/api/alarms/tick", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.scheduler.ticks)

	env.scheduler.report = alarm.TickReport{Skipped: true}
	rec = env.do(t, http.MethodPost, "/api/alarms/tick", "", cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.broker.state = mqtt.StateClosed
	rec = env.do(t, http.MethodPost, "/api/mqtt/reconnect", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.broker.connects)

	env.broker.err = errors.New("connection refused")
	rec = env.do(t, http.MethodPost, "/api/mqtt/reconnect", "", cookie)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensorwatch_")
}

func TestNoAuthMode(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/api/alarms/tick", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"s3cret"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiveStream(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"

	// No token: the upgrade is refused
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	token, err := env.server.wsTokens.Generate("admin")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token+"&user=user1", nil)
	require.NoError(t, err)
	defer conn.Close()

	hub := env.server.Hub()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(storage.SensorReading{UserID: "user2", SensorUUID: "other", Value: 1, HasValue: true})
	hub.Publish(storage.SensorReading{UserID: "user1", SensorUUID: "sensor-1", Value: 4.5, HasValue: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got storage.SensorReading
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "sensor-1", got.SensorUUID)
	assert.Equal(t, 4.5, got.Value)

	// The token was consumed
	_, _, err = websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	assert.Error(t, err)

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", getClientIP(req))
}
