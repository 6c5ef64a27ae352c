// Package webhook delivers run summaries to HTTP endpoints, such as Slack
// incoming webhooks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/infrastructure/resilience"
	"github.com/relicta-tech/shipyard/internal/infrastructure/template"
)

// Event names.
const (
	EventRunSucceeded = "run.succeeded"
	EventRunFailed    = "run.failed"
)

// SignatureHeader carries the HMAC-SHA256 signature of the body.
const SignatureHeader = "X-Shipyard-Signature"

const defaultTimeout = 10 * time.Second

// Payload is the JSON body sent to webhook endpoints. Text is a
// Slack-compatible summary.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Text      string         `json:"text"`
	Data      map[string]any `json:"data"`
}

// Notifier implements ports.Notifier for the configured webhooks.
type Notifier struct {
	webhooks []config.WebhookConfig
	renderer *template.Renderer
	client   *http.Client
	logger   *log.Logger
	retry    resilience.Config
	now      func() time.Time
}

var _ ports.Notifier = (*Notifier)(nil)

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

// WithRetry replaces the default webhook retry policy.
func WithRetry(cfg resilience.Config) Option {
	return func(n *Notifier) { n.retry = cfg }
}

// NewNotifier creates a notifier. Disabled webhooks are ignored.
func NewNotifier(webhooks []config.WebhookConfig, renderer *template.Renderer, opts ...Option) *Notifier {
	n := &Notifier{
		renderer: renderer,
		client:   &http.Client{},
		logger:   log.New(io.Discard),
		retry:    resilience.WebhookConfig(),
		now:      time.Now,
	}
	for _, wh := range webhooks {
		if wh.IsWebhookEnabled() {
			n.webhooks = append(n.webhooks, wh)
		}
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether any webhook is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.webhooks) > 0
}

// Notify sends the summary of a finished run to every matching webhook
// concurrently. Delivery failures are joined into the returned error; they
// never change the run's outcome.
func (n *Notifier) Notify(ctx context.Context, run *domain.Run) error {
	if !n.Enabled() {
		return nil
	}

	payload, err := n.buildPayload(ctx, run)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return rperrors.InternalWrap(err, "webhook.Notify", "failed to encode payload")
	}

	p := pool.New().WithErrors().WithContext(ctx)
	for i := range n.webhooks {
		wh := n.webhooks[i]
		if !ShouldSend(wh.Events, payload.Event) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			return n.deliver(ctx, wh, payload, body)
		})
	}
	return p.Wait()
}

func (n *Notifier) deliver(ctx context.Context, wh config.WebhookConfig, payload *Payload, body []byte) error {
	ex := resilience.New[struct{}]("webhook:"+wh.Name, n.retry)
	defer ex.Close()

	_, calls, err := ex.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.send(ctx, wh, payload, body)
	})
	if err != nil {
		n.logger.Warn("webhook delivery failed", "webhook", wh.Name, "attempts", calls, "err", err)
		return err
	}
	n.logger.Debug("webhook delivered", "webhook", wh.Name, "event", payload.Event, "attempts", calls)
	return nil
}

func (n *Notifier) send(ctx context.Context, wh config.WebhookConfig, payload *Payload, body []byte) error {
	const op = "webhook.send"

	timeout := wh.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return rperrors.WrapSafe(err, rperrors.KindConfig, op, fmt.Sprintf("webhook %s: invalid request", wh.Name))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Shipyard-Webhook/1.0")
	req.Header.Set("X-Shipyard-Event", payload.Event)
	req.Header.Set("X-Shipyard-Delivery", payload.RunID)
	for key, value := range wh.Headers {
		req.Header.Set(key, value)
	}
	if wh.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+signPayload(body, wh.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return rperrors.NetworkWrap(err, op, fmt.Sprintf("webhook %s: request failed", wh.Name))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 400 {
		return nil
	}

	statusErr := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	msg := fmt.Sprintf("webhook %s rejected the payload", wh.Name)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return rperrors.NetworkWrap(statusErr, op, msg)
	}
	return rperrors.WrapSafe(statusErr, rperrors.KindNetwork, op, msg)
}

// summaryStage is one line of the rendered summary.
type summaryStage struct {
	Name   string
	Status string
	Detail string
}

func (n *Notifier) buildPayload(ctx context.Context, run *domain.Run) (*Payload, error) {
	failed := run.Failed() || run.Error != ""
	event, outcome := EventRunSucceeded, "succeeded"
	if failed {
		event, outcome = EventRunFailed, "failed"
	}

	stages := run.StageResults()
	lines := make([]summaryStage, 0, len(stages))
	statuses := make(map[string]string, len(stages))
	for _, s := range stages {
		detail := s.Error
		if detail == "" {
			detail = s.Reason
		}
		if i := strings.IndexByte(detail, '\n'); i >= 0 {
			detail = detail[:i]
		}
		lines = append(lines, summaryStage{Name: s.Name, Status: string(s.Status), Detail: detail})
		statuses[s.Name] = string(s.Status)
	}

	data := map[string]any{
		"channel": run.Channel.String(),
		"phase":   string(run.Phase),
		"stages":  statuses,
	}
	view := map[string]any{
		"Failed":      failed,
		"Title":       cases.Title(language.English).String(string(run.Channel.ReleaseType)) + " release",
		"Channel":     run.Channel.String(),
		"Version":     "",
		"VersionCode": 0,
		"Outcome":     outcome,
		"Stages":      lines,
		"ReleaseURL":  "",
	}
	if md, ok := run.ReleaseMetadata(); ok {
		data["version"] = md.Version
		data["version_code"] = md.VersionCode
		view["Version"] = md.Version
		view["VersionCode"] = md.VersionCode
	}
	if run.Record != nil && run.Record.URL != "" {
		data["release_url"] = run.Record.URL
		view["ReleaseURL"] = run.Record.URL
	}

	text, err := n.renderer.Render(ctx, "run_summary", view)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Event:     event,
		Timestamp: n.now().UTC(),
		RunID:     run.ID.String(),
		Text:      text,
		Data:      data,
	}, nil
}

// ShouldSend reports whether a webhook subscribed to events receives
// eventName. An empty list receives everything; "run.*" and "*" are wildcards.
func ShouldSend(events []string, eventName string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == eventName || e == "*" {
			return true
		}
		if strings.HasSuffix(e, ".*") && strings.HasPrefix(eventName, strings.TrimSuffix(e, "*")) {
			return true
		}
	}
	return false
}

// signPayload creates an HMAC-SHA256 signature of the payload.
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against payload.
// Receivers use it to authenticate deliveries.
func VerifySignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := signPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
