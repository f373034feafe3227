// Package notify delivers broker events to external sinks: ntfy topics,
// Slack and Discord webhooks, and generic JSON webhooks. Delivery is
// best-effort and off the hot path; a failing sink is logged and never
// surfaces to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/earbridge/earbridge/internal/config"
	"github.com/earbridge/earbridge/internal/observe"
)

// defaultCooldown suppresses repeat notifications per channel and event
// type.
const defaultCooldown = 60 * time.Second

// sendTimeout bounds one delivery attempt.
const sendTimeout = 10 * time.Second

// Note is one outbound notification.
type Note struct {
	EventType   string
	Title       string
	Message     string
	SessionName string
	SessionID   string
	Priority    string
	Tags        []string
	Extra       map[string]any
}

// Dispatcher fans notes out to the configured channels.
type Dispatcher struct {
	enabled  bool
	channels []config.ChannelConfig
	cooldown time.Duration
	client   *http.Client
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithClient overrides the HTTP client used for delivery.
func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithMetrics enables delivery counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a dispatcher from the notifications config.
func New(cfg config.NotificationsConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		enabled:  cfg.Enabled,
		channels: cfg.Channels,
		cooldown: cfg.Cooldown,
		client:   &http.Client{Timeout: sendTimeout},
		log:      slog.Default(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	if d.cooldown <= 0 {
		d.cooldown = defaultCooldown
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify dispatches the note to every accepting, non-cooled channel, each
// on its own goroutine. A disabled dispatcher or empty channel list is a
// no-op.
func (d *Dispatcher) Notify(n Note) {
	if !d.enabled || len(d.channels) == 0 {
		return
	}
	for _, ch := range d.channels {
		if !accepts(ch, n.EventType) {
			continue
		}
		if !d.clearCooldown(ch.Name, n.EventType) {
			continue
		}
		go d.deliver(ch, n)
	}
}

// accepts reports whether the channel subscribes to this event type.
func accepts(ch config.ChannelConfig, eventType string) bool {
	for _, ev := range ch.Events {
		if ev == "all" || ev == eventType {
			return true
		}
	}
	return false
}

// clearCooldown records a send attempt and reports whether the channel is
// out of its cooldown window for this event type.
func (d *Dispatcher) clearCooldown(channel, eventType string) bool {
	key := channel + "|" + eventType
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

// deliver sends one note to one channel. Errors are logged, never raised.
func (d *Dispatcher) deliver(ch config.ChannelConfig, n Note) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := d.send(ctx, ch, n)
	status := "ok"
	if err != nil {
		status = "error"
		d.log.Warn("notification delivery failed",
			"channel", ch.Name, "type", ch.Type, "event", n.EventType, "err", err)
	}
	if d.metrics != nil {
		d.metrics.RecordNotification(ctx, ch.Name, status)
	}
}

func (d *Dispatcher) send(ctx context.Context, ch config.ChannelConfig, n Note) error {
	var (
		body        []byte
		contentType string
		headers     map[string]string
		err         error
	)

	switch ch.Type {
	case config.ChannelNtfy:
		body = []byte(n.Message)
		contentType = "text/plain; charset=utf-8"
		headers = map[string]string{
			"Title":    n.Title,
			"Priority": priorityFor(ch, n),
			"Tags":     strings.Join(n.Tags, ","),
		}
	case config.ChannelSlack:
		body, err = json.Marshal(slackPayload(n))
		contentType = "application/json"
	case config.ChannelDiscord:
		body, err = json.Marshal(discordPayload(n))
		contentType = "application/json"
	case config.ChannelWebhook:
		body, err = json.Marshal(webhookPayload(n, d.now()))
		contentType = "application/json"
	default:
		return fmt.Errorf("unknown channel type %q", ch.Type)
	}
	if err != nil {
		return err
	}

	method := ch.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ch.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: HTTP %d", ch.URL, resp.StatusCode)
	}
	return nil
}

func priorityFor(ch config.ChannelConfig, n Note) string {
	if n.Priority != "" {
		return n.Priority
	}
	return ch.Priority
}

// slackPayload builds the blocks+text body Slack incoming webhooks expect.
func slackPayload(n Note) map[string]any {
	text := n.Title
	if n.Message != "" {
		text += ": " + n.Message
	}
	return map[string]any{
		"text": text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": "*" + n.Title + "*\n" + n.Message,
				},
			},
		},
	}
}

// discordPayload builds a webhook body using discordgo's embed types so the
// wire format tracks the library, not a hand-rolled schema.
func discordPayload(n Note) *discordgo.WebhookParams {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Message,
		Color:       embedColour(n.EventType),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if n.SessionName != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: n.SessionName}
	}
	return &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}
}

// embedColour maps event types to embed accent colours.
func embedColour(eventType string) int {
	switch eventType {
	case "health_warning":
		return 0xE67E22
	case "health_unresponsive", "pulse_down", "error":
		return 0xE74C3C
	case "choices_presented":
		return 0x3498DB
	case "pulse_recovered":
		return 0x2ECC71
	default:
		return 0x95A5A6
	}
}

func webhookPayload(n Note, now time.Time) map[string]any {
	return map[string]any{
		"event_type":   n.EventType,
		"title":        n.Title,
		"message":      n.Message,
		"session_name": n.SessionName,
		"session_id":   n.SessionID,
		"priority":     n.Priority,
		"timestamp":    float64(now.UnixNano()) / 1e9,
		"tags":         n.Tags,
		"extra":        n.Extra,
	}
}
