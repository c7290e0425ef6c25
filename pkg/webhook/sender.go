// Package webhook delivers run-completion callbacks. A run created with a
// webhook URL gets one POST with the terminal run payload once the run
// settles. Delivery is asynchronous and best effort: failures retry with
// backoff, then log and give up. Nothing in the run lifecycle waits on it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
)

const maxBackoff = 30 * time.Second

// payload is the POST body: the run row with the final state values
// attached, so the consumer can act without a follow-up read.
type payload struct {
	*models.Run
	Values map[string]any `json:"values,omitempty"`
}

// Sender posts run-completion payloads. Nil-safe: methods are no-ops on a
// nil receiver, so callers can wire it unconditionally.
type Sender struct {
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender builds a sender from the webhook delivery settings. A nil
// config falls back to the loader defaults.
func NewSender(cfg *config.WebhookConfig, logger *slog.Logger) *Sender {
	timeout := 10 * time.Second
	maxRetries := 3
	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			maxRetries = cfg.MaxRetries
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		httpClient: &http.Client{},
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RunCompleted queues one delivery for a settled run and returns
// immediately. The body is serialized here so the caller's run copy can
// go out of scope.
func (s *Sender) RunCompleted(run *models.Run, state *models.ThreadState, webhookURL string) {
	if s == nil || webhookURL == "" {
		return
	}
	p := payload{Run: run}
	if state != nil {
		p.Values = state.Values
	}
	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Warn("Webhook payload serialization failed",
			"run_id", run.RunID, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(webhookURL, run.RunID, string(run.Status), body)
	}()
}

// Stop cancels in-flight deliveries and waits for their goroutines.
func (s *Sender) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Sender) deliver(url, runID, status string, body []byte) {
	backoff := time.Second
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.post(url, body)
		if err == nil {
			s.logger.Debug("Webhook delivered",
				"run_id", runID, "status", status, "attempt", attempt)
			return
		}
		if attempt == s.maxRetries {
			s.logger.Warn("Webhook delivery failed, giving up",
				"run_id", runID, "status", status, "attempts", attempt, "error", err)
			return
		}
		s.logger.Debug("Webhook delivery failed, retrying",
			"run_id", runID, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *Sender) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
