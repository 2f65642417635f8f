package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/positrack/positrack/internal/types"
)

// DefaultCooldown mutes repeat alerts per (partition, severity).
const DefaultCooldown = 30 * time.Minute

// Alert is one state-transition notification.
type Alert struct {
	Partition string             `json:"partition"`
	Status    types.HealthStatus `json:"status"`
	Previous  types.HealthStatus `json:"previous"`
	Recovered bool               `json:"recovered"`
	SizeMB    float64            `json:"size_mb"`
	Rows      int64              `json:"rows"`
	Tier      types.Tier         `json:"tier"`
	At        time.Time          `json:"at"`
}

// Subject renders the one-line headline shared by every channel.
func (a Alert) Subject() string {
	verb := "entered"
	if a.Recovered {
		verb = "recovered to"
	}
	return fmt.Sprintf("partition %s %s %s (%s, %s rows)",
		a.Partition, verb, a.Status,
		humanize.IBytes(uint64(a.SizeMB*1024*1024)),
		humanize.Comma(a.Rows))
}

// Channel delivers alerts. Implementations must be safe for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Alerter turns monitor snapshots into edge-triggered alerts. An alert
// fires on entry to a higher severity and on recovery to HEALTHY; repeats
// of the same (partition, severity) are muted for the cooldown.
type Alerter struct {
	log      *slog.Logger
	channels []Channel
	now      func() time.Time

	mu        sync.Mutex
	cooldown  time.Duration
	state     map[string]types.HealthStatus
	lastFired map[string]time.Time
}

// AlerterConfig carries the alerter tunables.
type AlerterConfig struct {
	Cooldown time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewAlerter builds an Alerter over the given channels.
func NewAlerter(channels []Channel, cfg AlerterConfig) *Alerter {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Alerter{
		log:       cfg.Logger,
		channels:  channels,
		now:       cfg.Now,
		cooldown:  cfg.Cooldown,
		state:     make(map[string]types.HealthStatus),
		lastFired: make(map[string]time.Time),
	}
}

// SetCooldown swaps the mute window. Called by the config watcher.
func (a *Alerter) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	a.cooldown = d
	a.mu.Unlock()
}

// Observe walks a snapshot, fires the transitions it finds, and records the
// new state. Partitions missing from the snapshot (dropped) are forgotten.
func (a *Alerter) Observe(ctx context.Context, snap *Snapshot) {
	now := a.now()
	var fires []Alert

	a.mu.Lock()
	seen := make(map[string]struct{}, len(snap.Partitions))
	for _, ph := range snap.Partitions {
		name := ph.Info.Name
		seen[name] = struct{}{}

		prev, known := a.state[name]
		if !known {
			prev = types.HealthOK
		}
		a.state[name] = ph.Status

		escalated := ph.Status.Rank() > prev.Rank()
		recovered := known && ph.Status == types.HealthOK && prev.Rank() > 0
		if !escalated && !recovered {
			continue
		}
		key := name + "|" + string(ph.Status)
		if last, ok := a.lastFired[key]; ok && now.Sub(last) < a.cooldown {
			continue
		}
		a.lastFired[key] = now
		fires = append(fires, Alert{
			Partition: name,
			Status:    ph.Status,
			Previous:  prev,
			Recovered: recovered,
			SizeMB:    ph.Info.SizeMB(),
			Rows:      ph.Info.Rows,
			Tier:      ph.Tier,
			At:        now,
		})
	}
	for name := range a.state {
		if _, ok := seen[name]; !ok {
			delete(a.state, name)
		}
	}
	a.mu.Unlock()

	for _, alert := range fires {
		a.dispatch(ctx, alert)
	}
}

// dispatch attempts every channel; a failing channel is logged and the rest
// still run.
func (a *Alerter) dispatch(ctx context.Context, alert Alert) {
	for _, ch := range a.channels {
		if err := ch.Send(ctx, alert); err != nil {
			a.log.Error("alert channel failed",
				"channel", ch.Name(),
				"partition", alert.Partition,
				"status", alert.Status,
				"error", err)
		}
	}
}

// LogChannel writes alerts to the daemon log.
type LogChannel struct {
	Log *slog.Logger
}

func (c LogChannel) Name() string { return "log" }

func (c LogChannel) Send(_ context.Context, a Alert) error {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		"partition", a.Partition,
		"previous", a.Previous,
		"size_mb", fmt.Sprintf("%.1f", a.SizeMB),
		"rows", a.Rows,
		"tier", a.Tier,
	}
	switch {
	case a.Recovered:
		log.Info("partition recovered", attrs...)
	case a.Status == types.HealthCritical:
		log.Error("partition critical", attrs...)
	default:
		log.Warn("partition warning", attrs...)
	}
	return nil
}

// WebhookChannel POSTs the alert as JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

// NewWebhookChannel builds a webhook channel with a 30 second client.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	payload := struct {
		Type string `json:"type"`
		Alert
	}{Type: "partition_alert", Alert: a}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Positrack-Event", "partition_alert")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SMTPSettings mirrors the alerts.smtp config section.
type SMTPSettings struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

// SMTPChannel mails alerts through a plain SMTP relay.
type SMTPChannel struct {
	Settings SMTPSettings
	// send is swapped in tests; defaults to smtp.SendMail.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPChannel builds the mail channel.
func NewSMTPChannel(settings SMTPSettings) *SMTPChannel {
	return &SMTPChannel{Settings: settings, send: smtp.SendMail}
}

func (c *SMTPChannel) Name() string { return "smtp" }

func (c *SMTPChannel) Send(_ context.Context, a Alert) error {
	s := c.Settings
	if s.Host == "" || s.From == "" || len(s.To) == 0 {
		return fmt.Errorf("smtp channel not configured")
	}

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.To, ", "))
	fmt.Fprintf(&msg, "Subject: [positrack] %s\r\n", a.Subject())
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "Partition: %s\r\n", a.Partition)
	fmt.Fprintf(&msg, "Status:    %s (was %s)\r\n", a.Status, a.Previous)
	fmt.Fprintf(&msg, "Size:      %s\r\n", humanize.IBytes(uint64(a.SizeMB*1024*1024)))
	fmt.Fprintf(&msg, "Rows:      %s\r\n", humanize.Comma(a.Rows))
	fmt.Fprintf(&msg, "Tier:      %s\r\n", a.Tier)
	fmt.Fprintf(&msg, "At:        %s\r\n", a.At.Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	if err := c.send(addr, auth, s.From, s.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	return nil
}
