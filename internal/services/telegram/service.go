// Package telegram sends automation events to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends one message via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Debug().
		Str("chat_id", cfg.ChatID).
		Str("topic", msg.Topic).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      formatMessage(msg),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Debug().Msg("Telegram notification sent")

	return result, nil
}

// Notify reports whether an event is worth a chat message: every failure,
// plus completed backups and restart lifecycle changes.
func Notify(evt events.Event) bool {
	if evt.Failed() {
		return true
	}
	switch evt.Topic {
	case events.TopicBackup, events.TopicRestart:
		return true
	default:
		return false
	}
}

// MessageFromEvent converts a bus event into a notification.
func MessageFromEvent(server string, evt events.Event) models.TelegramMessage {
	msg := models.TelegramMessage{
		Success: !evt.Failed(),
		Server:  server,
		Topic:   string(evt.Topic),
		Time:    evt.Time,
		Text:    evt.Message,
	}
	if evt.Err != nil {
		msg.ErrorMessage = evt.Err.Error()
	}
	if v, ok := evt.Fields["archive"].(string); ok {
		msg.ArchivePath = v
	}
	if v, ok := evt.Fields["bytes"].(int64); ok {
		msg.ArchiveBytes = v
	}
	if v, ok := evt.Fields["removed"].(int); ok {
		msg.Removed = v
	}
	return msg
}

// Watch forwards matching events from sub until ctx is done or the
// subscription closes. Send failures are logged and never stop the watch.
func (s *Impl) Watch(ctx context.Context, cfg models.TelegramConfig, server string, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if !Notify(evt) {
				continue
			}
			result, err := s.SendNotification(ctx, cfg, MessageFromEvent(server, evt))
			if err == nil && result.Error != nil {
				err = result.Error
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("topic", string(evt.Topic)).Msg("telegram notification failed")
			}
		}
	}
}

func title(msg models.TelegramMessage) string {
	topic := msg.Topic
	if topic == "" {
		topic = "event"
	}
	topic = strings.ToUpper(topic[:1]) + topic[1:]
	if msg.Success {
		return "✅ <b>" + escapeHTML(topic) + "</b>"
	}
	return "❌ <b>" + escapeHTML(topic) + " Failed</b>"
}

func formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	b.WriteString(title(msg))
	b.WriteString("\n\n")

	if msg.Server != "" {
		b.WriteString(fmt.Sprintf("🖥 <b>Server:</b> %s\n", escapeHTML(msg.Server)))
	}
	if !msg.Time.IsZero() {
		b.WriteString(fmt.Sprintf("⏰ <b>Time:</b> %s\n", msg.Time.Format("2006-01-02 15:04:05")))
	}
	if msg.Text != "" {
		b.WriteString(fmt.Sprintf("📝 %s\n", escapeHTML(msg.Text)))
	}

	if msg.ArchivePath != "" {
		b.WriteString("\n<b>📦 Archive:</b>\n")
		b.WriteString(fmt.Sprintf("  • File: <code>%s</code>\n", escapeHTML(msg.ArchivePath)))
		b.WriteString(fmt.Sprintf("  • Size: %s\n", humanize.Bytes(uint64(max(msg.ArchiveBytes, 0)))))
		if msg.Removed > 0 {
			b.WriteString(fmt.Sprintf("  • Old archives removed: %d\n", msg.Removed))
		}
	}

	if !msg.Success {
		b.WriteString("\n<b>⚠️ Error:</b>\n")
		b.WriteString(fmt.Sprintf("<code>%s</code>\n", escapeHTML(msg.ErrorMessage)))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
