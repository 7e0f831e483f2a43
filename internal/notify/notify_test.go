package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorwatch/internal/errs"
)

func testNotification() Notification {
	n := New("user1", "sensor-1", "high", "Sensor alarm",
		"Freezer device fault: high temperature (set 30°C, current 31.5°C)", time.UnixMilli(1700000000000))
	n.Token = "device-token"
	return n
}

func dispatchAndWait(t *testing.T, d Dispatcher, n Notification) Result {
	t.Helper()
	results := make(chan Result, 1)
	d.Dispatch(context.Background(), n, func(r Result) { results <- r })
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
		return Result{}
	}
}

func TestHTTPDispatcherPosts(t *testing.T) {
	var got struct {
		body    pushRequest
		auth    string
		reqID   string
		ctype   string
		method  string
		visited int32
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&got.visited, 1)
		got.method = r.Method
		got.auth = r.Header.Get("Authorization")
		got.reqID = r.Header.Get("X-Request-ID")
		got.ctype = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{Endpoint: srv.URL, APIKey: "secret"}, zerolog.Nop())
	n := testNotification()
	res := dispatchAndWait(t, d, n)

	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, ChannelPush, res.Channel)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Bearer secret", got.auth)
	assert.Equal(t, "application/json", got.ctype)
	assert.Equal(t, n.ID, got.reqID)
	_, err := uuid.Parse(got.reqID)
	assert.NoError(t, err)
	assert.Equal(t, "device-token", got.body.Token)
	assert.Equal(t, "Sensor alarm", got.body.Title)
	assert.Equal(t, n.Body, got.body.Body)
	assert.Equal(t, "alarm", got.body.Data["type"])
	assert.Equal(t, "sensor-1", got.body.Data["sensorUuid"])
}

func TestHTTPDispatcherFailuresAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{Endpoint: srv.URL}, zerolog.Nop())
	res := dispatchAndWait(t, d, testNotification())

	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, &errs.Error{Kind: errs.KindDispatch, Reason: "http_status"}))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTTPDispatcherErrors(t *testing.T) {
	t.Run("no endpoint", func(t *testing.T) {
		res := NewHTTPDispatcher(HTTPConfig{}, zerolog.Nop()).Send(context.Background(), testNotification())
		assert.True(t, errors.Is(res.Err, &errs.Error{Reason: "no_endpoint"}))
	})

	t.Run("no token", func(t *testing.T) {
		n := testNotification()
		n.Token = ""
		res := NewHTTPDispatcher(HTTPConfig{Endpoint: "http://127.0.0.1:1"}, zerolog.Nop()).Send(context.Background(), n)
		assert.True(t, errors.Is(res.Err, &errs.Error{Reason: "no_token"}))
	})

	t.Run("transport", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		res := NewHTTPDispatcher(HTTPConfig{Endpoint: url, Timeout: time.Second}, zerolog.Nop()).Send(context.Background(), testNotification())
		kind, ok := errs.KindOf(res.Err)
		require.True(t, ok)
		assert.Equal(t, errs.KindDispatch, kind)
		assert.True(t, errors.Is(res.Err, &errs.Error{Reason: "transport"}))
	})
}

type stubSender struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	calls int
}

func (s *stubSender) Send(_ context.Context, n Notification) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.sent = append(s.sent, n)
	return Result{Notification: n, Channel: ChannelPush, Err: s.err}
}

type stubTokens map[string]string

func (s stubTokens) PushToken(_ context.Context, userID string) (string, error) {
	if t, ok := s[userID]; ok {
		return t, nil
	}
	return "", errors.New("not found")
}

type stubPublisher struct {
	mu     sync.Mutex
	alarms []string
	err    error
}

func (p *stubPublisher) PublishAlarm(_ context.Context, userID, sensorUUID, message string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = append(p.alarms, userID+"/"+sensorUUID+": "+message)
	return p.err
}

func TestFallback(t *testing.T) {
	n := testNotification()
	n.Token = ""

	t.Run("push with stored token", func(t *testing.T) {
		push, pub := &stubSender{}, &stubPublisher{}
		f := NewFallback(push, stubTokens{"user1": "tok"}, pub, zerolog.Nop())

		res := dispatchAndWait(t, f, n)
		require.True(t, res.OK())
		assert.Equal(t, ChannelPush, res.Channel)
		require.Len(t, push.sent, 1)
		assert.Equal(t, "tok", push.sent[0].Token)
		assert.Empty(t, pub.alarms)
	})

	t.Run("no token goes to mqtt", func(t *testing.T) {
		push, pub := &stubSender{}, &stubPublisher{}
		f := NewFallback(push, stubTokens{}, pub, zerolog.Nop())

		res := dispatchAndWait(t, f, n)
		require.True(t, res.OK())
		assert.Equal(t, ChannelMQTT, res.Channel)
		assert.Zero(t, push.calls)
		assert.Equal(t, []string{"user1/sensor-1: " + n.Body}, pub.alarms)
	})

	t.Run("push failure goes to mqtt", func(t *testing.T) {
		push := &stubSender{err: errs.New(errs.KindDispatch, ChannelPush, "http_status", "status 500")}
		pub := &stubPublisher{}
		f := NewFallback(push, stubTokens{"user1": "tok"}, pub, zerolog.Nop())

		res := dispatchAndWait(t, f, n)
		require.True(t, res.OK())
		assert.Equal(t, ChannelMQTT, res.Channel)
		assert.Equal(t, 1, push.calls)
		assert.Len(t, pub.alarms, 1)
	})

	t.Run("both fail", func(t *testing.T) {
		push := &stubSender{err: errs.New(errs.KindDispatch, ChannelPush, "http_status", "status 500")}
		pub := &stubPublisher{err: errors.New("mqtt: not connected")}
		f := NewFallback(push, stubTokens{"user1": "tok"}, pub, zerolog.Nop())

		res := dispatchAndWait(t, f, n)
		require.False(t, res.OK())
		kind, _ := errs.KindOf(res.Err)
		assert.Equal(t, errs.KindDispatch, kind)
		assert.ErrorContains(t, res.Err, "not connected")
	})

	t.Run("no channel", func(t *testing.T) {
		f := NewFallback(&stubSender{}, stubTokens{}, nil, zerolog.Nop())
		res := f.Send(context.Background(), n)
		assert.True(t, errors.Is(res.Err, &errs.Error{Reason: "no_channel"}))
	})
}
