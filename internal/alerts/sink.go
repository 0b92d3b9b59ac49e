package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avrilquant/regime-core/internal/config"
	"github.com/avrilquant/regime-core/internal/observ"
)

// ChatSink is the outbound half of the messaging surface: two
// sinks (text and chart link, both just strings at this layer) to a
// chat transport, retried with backoff on transient errors, deduped
// within a rolling window, and rate limited per channel. The payload is
// a markdown-then-plain-text message body any webhook-style endpoint can
// accept, tuned by config.Messaging's knobs.
type ChatSink struct {
	cfg        config.Messaging
	httpClient *http.Client

	queue       chan queuedMessage
	dedupeCache map[string]time.Time
	rateLimiter map[string][]time.Time // "global" + per-channel

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

type queuedMessage struct {
	channel   string
	message   string
	attempts  int
	nextRetry time.Time
	hash      string
}

// NewChatSink builds a ChatSink and starts its background delivery
// worker. Call Close to stop it.
func NewChatSink(cfg config.Messaging) *ChatSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ChatSink{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedMessage, 1000),
		dedupeCache: make(map[string]time.Time),
		rateLimiter: make(map[string][]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
	go s.worker()
	go s.cleanup()
	return s
}

// Send enqueues message for delivery to channel, satisfying
// ports.MessageSink. It returns immediately: dedupe and the rate limit
// are checked here without blocking, and delivery and retry happen on the
// background worker — alerting must never block the decision cycle.
func (s *ChatSink) Send(_ context.Context, channel, message string) error {
	if !s.cfg.Enabled {
		return nil
	}

	hash := s.dedupeHash(channel, message)
	window := time.Duration(s.cfg.DedupeWindowSeconds) * time.Second

	s.mu.Lock()
	if lastSent, exists := s.dedupeCache[hash]; exists && time.Since(lastSent) < window {
		s.mu.Unlock()
		return nil
	}
	s.dedupeCache[hash] = time.Now()
	s.mu.Unlock()

	if s.isRateLimited(channel) {
		observ.IncCounter("chat_sink_rate_limit_hits_total", map[string]string{"channel": channel})
		return nil
	}

	msg := queuedMessage{channel: channel, message: message, nextRetry: time.Now(), hash: hash}
	select {
	case s.queue <- msg:
		observ.SetGauge("chat_sink_queue_depth", float64(len(s.queue)), nil)
	default:
		observ.IncCounter("chat_sink_dropped_total", map[string]string{"reason": "queue_full"})
	}
	return nil
}

func (s *ChatSink) dedupeHash(channel, message string) string {
	data := fmt.Sprintf("%s:%s", channel, message)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)[:16]
}

func (s *ChatSink) isRateLimited(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	for _, key := range []string{"global", channel} {
		times := s.rateLimiter[key]
		filtered := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				filtered = append(filtered, t)
			}
		}
		s.rateLimiter[key] = filtered
		if len(filtered) >= s.cfg.RateLimitPerMin {
			return true
		}
	}

	s.rateLimiter["global"] = append(s.rateLimiter["global"], now)
	s.rateLimiter[channel] = append(s.rateLimiter[channel], now)
	return false
}

func (s *ChatSink) worker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if time.Now().Before(msg.nextRetry) {
				go s.requeueAfter(msg, time.Until(msg.nextRetry))
				continue
			}
			if s.deliver(msg) {
				observ.IncCounter("chat_sink_sent_total", map[string]string{"channel": msg.channel})
				continue
			}
			msg.attempts++
			if msg.attempts >= s.cfg.MaxRetries {
				observ.IncCounter("chat_sink_delivery_failed_total", map[string]string{"channel": msg.channel})
				continue
			}
			msg.nextRetry = time.Now().Add(s.backoff(msg.attempts))
			s.requeue(msg)
		}
	}
}

func (s *ChatSink) backoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.BackoffBaseMs) * time.Millisecond
	capped := time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(attempt)),
		float64(s.cfg.BackoffMaxMs)*float64(time.Millisecond),
	))
	jitter := time.Duration(rand.Float64() * float64(capped) * 0.1)
	return capped + jitter
}

func (s *ChatSink) requeueAfter(msg queuedMessage, d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.ctx.Done():
		return
	}
	s.requeue(msg)
}

func (s *ChatSink) requeue(msg queuedMessage) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		observ.IncCounter("chat_sink_dropped_total", map[string]string{"reason": "queue_full_on_retry"})
	}
}

// deliver POSTs msg to the configured webhook, trying a Markdown body
// first and, if that post fails for any reason, retrying once with a
// plain-text body.
func (s *ChatSink) deliver(msg queuedMessage) bool {
	if s.postBody(msg.channel, msg.message, true) {
		return true
	}
	return s.postBody(msg.channel, stripMarkdown(msg.message), false)
}

func (s *ChatSink) postBody(channel, text string, markdown bool) bool {
	payload, err := json.Marshal(map[string]any{
		"channel":  channel,
		"text":     text,
		"markdown": markdown,
	})
	if err != nil {
		observ.Error("chat_sink.marshal_failed", err, nil)
		return false
	}
	if len(payload) > 4000 {
		payload = append(payload[:3900], []byte(`..."}`)...)
	}

	resp, err := s.httpClient.Post(s.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		observ.Warn("chat_sink.post_failed", map[string]any{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

var markdownStripPattern = regexp.MustCompile(`[*_` + "`" + `~]`)

func stripMarkdown(s string) string {
	return strings.TrimSpace(markdownStripPattern.ReplaceAllString(s, ""))
}

// cleanup periodically purges expired dedupe entries so dedupeCache
// does not grow unbounded.
func (s *ChatSink) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	window := time.Duration(s.cfg.DedupeWindowSeconds) * time.Second

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for hash, lastSent := range s.dedupeCache {
				if now.Sub(lastSent) >= window {
					delete(s.dedupeCache, hash)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the delivery worker.
func (s *ChatSink) Close() {
	s.cancel()
}
