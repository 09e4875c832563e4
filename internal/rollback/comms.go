package rollback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/segmentio/kafka-go"

	"github.com/mediaops/mediaops/pkg/errors"
)

// CommType classifies a communication entry.
type CommType string

const (
	CommUpdate     CommType = "update"
	CommAlert      CommType = "alert"
	CommCompletion CommType = "completion"
)

// Communication is one append-only notification record.
type Communication struct {
	ID        string    `json:"id"`
	Type      CommType  `json:"type"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	Channels  []string  `json:"channels"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel delivers a communication to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, c Communication) error
}

// CommsLog is the append-only communications record with channel fan-out.
// Entries are never mutated or removed; delivery failures are logged but do
// not drop the entry.
type CommsLog struct {
	mu       sync.RWMutex
	entries  []Communication
	channels map[string]Channel
	logger   *slog.Logger
}

func NewCommsLog(channels ...Channel) *CommsLog {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &CommsLog{
		channels: byName,
		logger:   slog.Default().With("component", "comms"),
	}
}

// Record appends the communication and fans it out to its listed channels.
// Unknown channel names are skipped with a log line.
func (l *CommsLog) Record(ctx context.Context, c Communication) Communication {
	if c.ID == "" {
		c.ID = xid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.Type == "" {
		c.Type = CommUpdate
	}
	if c.Priority == "" {
		c.Priority = "normal"
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{"console"}
	}

	l.mu.Lock()
	l.entries = append(l.entries, c)
	l.mu.Unlock()

	for _, name := range c.Channels {
		ch, ok := l.channels[name]
		if !ok {
			l.logger.Warn("unknown communication channel", "channel", name, "id", c.ID)
			continue
		}
		if err := ch.Deliver(ctx, c); err != nil {
			l.logger.Error("communication delivery failed",
				"channel", name, "id", c.ID, "error", err)
		}
	}
	return c
}

// List returns entries most-recent-first with pagination metadata.
func (l *CommsLog) List(limit, offset int) (items []Communication, total int, hasMore bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total = len(l.entries)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	start := total - 1 - offset
	items = make([]Communication, 0, limit)
	for i := start; i >= 0 && len(items) < limit; i-- {
		items = append(items, l.entries[i])
	}
	hasMore = offset+len(items) < total
	return items, total, hasMore
}

// ConsoleChannel writes communications to the structured log.
type ConsoleChannel struct {
	logger *slog.Logger
}

func NewConsoleChannel() *ConsoleChannel {
	return &ConsoleChannel{logger: slog.Default().With("component", "comms")}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Deliver(_ context.Context, m Communication) error {
	c.logger.Info(m.Message,
		"comm_id", m.ID, "type", m.Type, "priority", m.Priority, "sender", m.Sender)
	return nil
}

// WebhookChannel POSTs communications as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, m Communication) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to encode communication").
			WithCause(err).WithComponent("comms")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.New(errors.ErrCodeInvalidArgument, "invalid webhook url").
			WithCause(err).WithComponent("comms")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.New(errors.ErrCodeNetworkError, "webhook delivery failed").
			WithCause(err).WithComponent("comms").WithContext("url", c.url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New(errors.ErrCodeNetworkError,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode)).
			WithComponent("comms").WithContext("url", c.url)
	}
	return nil
}

// KafkaChannel publishes communications to a topic for downstream audit
// consumers.
type KafkaChannel struct {
	writer *kafka.Writer
}

func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	return &KafkaChannel{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Deliver(ctx context.Context, m Communication) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to encode communication").
			WithCause(err).WithComponent("comms")
	}
	err = c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.ID),
		Value: body,
		Time:  m.Timestamp,
	})
	if err != nil {
		return errors.New(errors.ErrCodeNetworkError, "kafka publish failed").
			WithCause(err).WithComponent("comms")
	}
	return nil
}

func (c *KafkaChannel) Close() error { return c.writer.Close() }

// EmailChannel sends communications over SMTP.
type EmailChannel struct {
	addr string
	from string
	to   []string
	send func(addr, from string, to []string, msg []byte) error
}

func NewEmailChannel(smtpAddr, from string, to []string) *EmailChannel {
	return &EmailChannel{
		addr: smtpAddr,
		from: from,
		to:   to,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(_ context.Context, m Communication) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] operations notification\r\n", strings.ToUpper(string(m.Type)))
	fmt.Fprintf(&b, "Date: %s\r\n", m.Timestamp.Format(time.RFC1123Z))
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\npriority: %s\r\nsender: %s\r\nid: %s\r\n",
		m.Message, m.Priority, m.Sender, m.ID)

	if err := c.send(c.addr, c.from, c.to, []byte(b.String())); err != nil {
		return errors.New(errors.ErrCodeNetworkError, "smtp delivery failed").
			WithCause(err).WithComponent("comms").WithContext("smtp_addr", c.addr)
	}
	return nil
}
