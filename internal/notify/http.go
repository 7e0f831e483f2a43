package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"sensorwatch/internal/errs"
)

// DefaultTimeout bounds a single push request
const DefaultTimeout = 10 * time.Second

// HTTPConfig configures the push endpoint
type HTTPConfig struct {
	Endpoint string
	APIKey   string // sent as a bearer token when set
	Timeout  time.Duration
}

// pushRequest is the body posted to the push endpoint
type pushRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// HTTPDispatcher posts notifications to a push endpoint. Failed requests
// are reported, never retried.
type HTTPDispatcher struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

var (
	_ Dispatcher = (*HTTPDispatcher)(nil)
	_ Sender     = (*HTTPDispatcher)(nil)
)

// NewHTTPDispatcher creates a dispatcher with a pooled HTTP client
func NewHTTPDispatcher(cfg HTTPConfig, logger zerolog.Logger) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout

	return &HTTPDispatcher{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Dispatch sends n in the background and reports the result through cb
func (d *HTTPDispatcher) Dispatch(ctx context.Context, n Notification, cb Callback) {
	dispatchAsync(ctx, d, n, cb)
}

// Send posts n and waits for the response
func (d *HTTPDispatcher) Send(ctx context.Context, n Notification) Result {
	start := time.Now()
	res := Result{Notification: n, Channel: ChannelPush}
	done := func(err error) Result {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	if d.cfg.Endpoint == "" {
		return done(errs.New(errs.KindDispatch, ChannelPush, "no_endpoint", "push endpoint is not configured"))
	}
	if n.Token == "" {
		return done(errs.New(errs.KindDispatch, ChannelPush, "no_token", n.UserID))
	}

	body, err := json.Marshal(pushRequest{Token: n.Token, Title: n.Title, Body: n.Body, Data: n.Data})
	if err != nil {
		return done(errs.Wrap(errs.KindDispatch, ChannelPush, "encode", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return done(errs.Wrap(errs.KindDispatch, ChannelPush, "request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	requestID := n.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", n.UserID).Str("request_id", requestID).Msg("Push request failed")
		return done(errs.Wrap(errs.KindDispatch, ChannelPush, "transport", err))
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	res.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn().Int("status", resp.StatusCode).Str("user_id", n.UserID).Str("request_id", requestID).Msg("Push rejected")
		return done(errs.New(errs.KindDispatch, ChannelPush, "http_status", fmt.Sprintf("status %d", resp.StatusCode)))
	}

	d.logger.Info().Str("user_id", n.UserID).Str("sensor_uuid", n.SensorUUID).Str("request_id", requestID).Msg("Push sent")
	return done(nil)
}
