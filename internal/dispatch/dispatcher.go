package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/hearline/backend/internal/endpoint"
)

// Options configure a Dispatcher. Zero values fall back to the defaults
// below.
type Options struct {
	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
	// RetryCount is the total number of attempts per send.
	RetryCount int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
	// RetryStatuses are the HTTP statuses worth retrying. Other non-200
	// responses fail immediately.
	RetryStatuses map[int]bool
	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryCount = 3
	defaultBackoff    = 500 * time.Millisecond
)

func defaultRetryStatuses() map[int]bool {
	return map[int]bool{
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
	}
}

// Dispatcher sends one event to one receiver over HTTP. Every failure mode
// is captured in the returned Outcome; Send never fails the caller.
type Dispatcher struct {
	client        *http.Client
	timeout       time.Duration
	retryCount    int
	backoff       time.Duration
	retryStatuses map[int]bool
	metrics       *Metrics
	log           *slog.Logger
}

func NewDispatcher(opts Options, metrics *Metrics, log *slog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryCount < 1 {
		opts.RetryCount = defaultRetryCount
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.RetryStatuses == nil {
		opts.RetryStatuses = defaultRetryStatuses()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		client:        opts.Client,
		timeout:       opts.Timeout,
		retryCount:    opts.RetryCount,
		backoff:       opts.Backoff,
		retryStatuses: opts.RetryStatuses,
		metrics:       metrics,
		log:           log,
	}
}

// Send delivers the event to the receiver, retrying per policy.
func (d *Dispatcher) Send(ctx context.Context, rcv endpoint.Receiver, ev Event, att *Attachment) Outcome {
	out := d.send(ctx, rcv, ev, att, d.retryCount)
	d.metrics.record(rcv.Name, out)
	return out
}

// SendOnce delivers the event with retries disabled, for connectivity
// diagnostics.
func (d *Dispatcher) SendOnce(ctx context.Context, rcv endpoint.Receiver, ev Event, att *Attachment) Outcome {
	out := d.send(ctx, rcv, ev, att, 1)
	d.metrics.record(rcv.Name, out)
	return out
}

func (d *Dispatcher) send(ctx context.Context, rcv endpoint.Receiver, ev Event, att *Attachment, attempts int) Outcome {
	var out Outcome
	delay := d.backoff

	for attempt := 1; attempt <= attempts; attempt++ {
		out = d.attempt(ctx, rcv, ev, att)
		out.Attempts = attempt
		out.Timestamp = time.Now().UTC()

		if out.Success || !d.retryable(out) || attempt == attempts {
			break
		}

		d.log.Debug("dispatch attempt failed, backing off",
			"receiver", rcv.Name, "attempt", attempt, "class", out.ErrClass, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out
		case <-timer.C:
		}
		delay *= 2
	}
	return out
}

func (d *Dispatcher) retryable(out Outcome) bool {
	switch out.ErrClass {
	case ErrClassTimeout, ErrClassConnection:
		return true
	case ErrClassHTTP:
		return d.retryStatuses[out.StatusCode]
	default:
		return false
	}
}

func (d *Dispatcher) attempt(ctx context.Context, rcv endpoint.Receiver, ev Event, att *Attachment) Outcome {
	actx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := d.buildRequest(actx, rcv, ev, att)
	if err != nil {
		return Outcome{ErrClass: ErrClassUnexpected, Error: err.Error()}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode == http.StatusOK {
		return Outcome{Success: true, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       truncateBody(body),
		ErrClass:   ErrClassHTTP,
		Error:      fmt.Sprintf("receiver returned HTTP %d", resp.StatusCode),
	}
}

func (d *Dispatcher) buildRequest(ctx context.Context, rcv endpoint.Receiver, ev Event, att *Attachment) (*http.Request, error) {
	method := strings.ToUpper(rcv.Method)
	if method == "" {
		method = http.MethodPost
	}
	if att.Available() {
		return multipartRequest(ctx, method, rcv.URL, ev, att)
	}
	return jsonRequest(ctx, method, rcv.URL, ev)
}

func jsonRequest(ctx context.Context, method, target string, ev Event) (*http.Request, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func multipartRequest(ctx context.Context, method, target string, ev Event, att *Attachment) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range ev.formFields() {
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", name, err)
		}
	}

	part, err := imagePart(w, att)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

func imagePart(w *multipart.Writer, att *Attachment) (io.Writer, error) {
	filename := att.Filename
	if filename == "" {
		filename = "capture.jpg"
	}
	if att.ContentType == "" {
		return w.CreateFormFile("image", filename)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", att.ContentType)
	return w.CreatePart(h)
}

func classifyTransportError(err error) Outcome {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return Outcome{ErrClass: ErrClassTimeout, Error: "request timed out"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{ErrClass: ErrClassTimeout, Error: "request timed out"}
	}
	return Outcome{ErrClass: ErrClassConnection, Error: err.Error()}
}
