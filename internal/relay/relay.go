// Package relay delivers queued outbox commands to per-channel webhooks.
//
// It is an executor-side component: the governance loop only appends
// commands, the relay is the thing that moves them out of the queued state.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100

	SignatureHeader = "X-Governor-Signature"
)

// Store is the slice of the outbox the relay needs.
type Store interface {
	ListCommands(ctx context.Context, f repo.CommandFilter) ([]domain.Command, error)
	UpdateCommandStatus(ctx context.Context, id int64, status string) error
}

// Relay polls queued commands and posts them to the webhook owning their
// channel. Commands on one webhook are delivered in insertion order; a
// transport error or 5xx leaves the command queued and stops that webhook
// until the next pass. A 4xx marks the command failed.
type Relay struct {
	Store    Store
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Log      *zap.Logger
	Metrics  *Metrics
}

// New builds a relay from the workspace config.
func New(store Store, cfg *config.Config, log *zap.Logger) *Relay {
	r := &Relay{Store: store, Log: log}
	if cfg != nil {
		r.Webhooks = cfg.Relay.Webhooks
		r.Interval = cfg.RelayInterval()
	}
	return r
}

// Enabled reports whether any webhook would receive commands.
func (r *Relay) Enabled() bool {
	for _, hook := range r.Webhooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

// Run dispatches until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			r.log().Warn("relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one pass over every enabled webhook and returns the
// number of commands marked dispatched.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, hook := range r.Webhooks {
		if !hookEnabled(hook) {
			continue
		}
		n, err := r.dispatchWebhook(ctx, hook)
		sent += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return sent, errors.Join(errs...)
}

func (r *Relay) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) (int, error) {
	cmds, err := r.Store.ListCommands(ctx, repo.CommandFilter{
		Status:   domain.CommandQueued,
		Channels: hook.Channels,
		Limit:    defaultBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}
	sent := 0
	for _, cmd := range cmds {
		status, err := r.post(ctx, hook, cmd)
		if err != nil {
			var perm permanentError
			if !errors.As(err, &perm) {
				r.Metrics.delivery("retry")
				r.log().Warn("delivery deferred", zap.Int64("command_id", cmd.ID), zap.String("command", cmd.Command), zap.Error(err))
				return sent, err
			}
			r.Metrics.delivery("failed")
			r.log().Error("delivery rejected", zap.Int64("command_id", cmd.ID), zap.String("command", cmd.Command), zap.Int("status", status), zap.Error(err))
			if err := r.Store.UpdateCommandStatus(ctx, cmd.ID, domain.CommandFailed); err != nil {
				return sent, fmt.Errorf("mark %d failed: %w", cmd.ID, err)
			}
			continue
		}
		if err := r.Store.UpdateCommandStatus(ctx, cmd.ID, domain.CommandDispatched); err != nil {
			return sent, fmt.Errorf("mark %d dispatched: %w", cmd.ID, err)
		}
		r.Metrics.delivery("dispatched")
		r.log().Debug("command dispatched", zap.Int64("command_id", cmd.ID), zap.String("command", cmd.Command), zap.String("channel", cmd.Channel))
		sent++
	}
	return sent, nil
}

type permanentError struct{ status int }

func (e permanentError) Error() string { return fmt.Sprintf("webhook rejected command with status %d", e.status) }

type delivery struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	IssuedBy  string          `json:"issued_by"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Relay) post(ctx context.Context, hook config.WebhookConfig, cmd domain.Command) (int, error) {
	payload := cmd.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(delivery{
		ID:        cmd.ID,
		Channel:   cmd.Channel,
		Command:   cmd.Command,
		Payload:   payload,
		Priority:  cmd.Priority,
		IssuedBy:  cmd.IssuedBy,
		CreatedAt: cmd.CreatedAt,
	})
	if err != nil {
		return 0, permanentError{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Governor-Command", cmd.Command)
	req.Header.Set("X-Governor-Delivery", strconv.FormatInt(cmd.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, data))
	}
	res, err := r.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res.StatusCode, nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return res.StatusCode, permanentError{status: res.StatusCode}
	}
	return res.StatusCode, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != "" && len(hook.Channels) > 0
}

func (r *Relay) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (r *Relay) log() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// Metrics counts delivery outcomes. A nil *Metrics records nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_relay_deliveries_total",
		Help: "Outbox webhook deliveries by result",
	}, []string{"result"})}
	if reg != nil {
		reg.MustRegister(m.deliveries)
	}
	return m
}

func (m *Metrics) delivery(result string) {
	if m != nil {
		m.deliveries.WithLabelValues(result).Inc()
	}
}
