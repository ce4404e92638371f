// Package alert forwards operator-facing pipeline events to a Telegram chat.
package alert

import (
	"fmt"
	"strings"
	"sync"

	"colldialer/internal/config"
	"colldialer/internal/domain"
	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/logging"
	"colldialer/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier sends alerts to the operator chat. Without a sender every alert is
// only logged.
type Notifier struct {
	sender domain.TelegramSender
	chatID int64
	logger zerolog.Logger

	mu    sync.Mutex
	quiet map[string]bool
}

func NewNotifier(sender domain.TelegramSender, chatID int64, logger *zerolog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		chatID: chatID,
		logger: logging.Component(logger, "alert"),
		quiet:  map[string]bool{},
	}
}

// FromConfig builds a notifier backed by the Telegram Bot API, or a log-only
// notifier when no token or chat is configured.
func FromConfig(cfg config.AlertsConfig, logger *zerolog.Logger) (*Notifier, error) {
	if cfg.TelegramToken == "" || cfg.ChatID == 0 {
		return NewNotifier(nil, 0, logger), nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, errs.Wrap(err, "telegram bot")
	}
	return NewNotifier(bot, cfg.ChatID, logger), nil
}

// Quiet suppresses job-failure alerts for handlers that raise their own alert
// when they run out of attempts.
func (n *Notifier) Quiet(handlers ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, h := range handlers {
		n.quiet[h] = true
	}
}

func (n *Notifier) isQuiet(handler string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quiet[handler]
}

// Subscribe routes bus events to the chat.
func (n *Notifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventPageUploadFailed, n.onAlert(true))
	bus.Subscribe(events.EventDispatchFinished, n.onDispatchFinished)
	bus.Subscribe(events.EventDiscrepancyFound, n.onAlert(false))
	bus.Subscribe(events.EventCoordinatorFailure, n.onAlert(false))
	bus.Subscribe(events.EventJobFailed, n.onJobFailed)
}

// onAlert sends every payload, or only those of mandatory buckets.
func (n *Notifier) onAlert(mandatoryOnly bool) events.EventHandler {
	return func(ev *events.Event) error {
		var p events.AlertPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if mandatoryOnly && !p.Mandatory {
			n.logger.Info().Str("event", ev.Type).Str("bucket", p.Bucket).Str("day", p.Day).Msg(p.Message)
			return nil
		}
		return n.Send(FormatAlert(ev.Type, p))
	}
}

func (n *Notifier) onDispatchFinished(ev *events.Event) error {
	var p events.AlertPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Status != models.TaskStatusFailure || !p.Mandatory {
		n.logger.Info().Str("bucket", p.Bucket).Str("day", p.Day).Str("status", p.Status).
			Int("pages", p.Counts.Pages).Int("failed", p.Counts.Failed).Msg("dispatch finished")
		return nil
	}
	return n.Send(FormatAlert(ev.Type, p))
}

func (n *Notifier) onJobFailed(ev *events.Event) error {
	var p events.JobFailedPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Kind != string(errs.KindStructural) && n.isQuiet(p.Handler) {
		return nil
	}
	return n.Send(fmt.Sprintf("[JOB FAILED] %s (%s, attempt %d)\njob %s\n%s", p.Handler, p.Kind, p.Attempt, p.JobID, p.Error))
}

// Send delivers text to the operator chat.
func (n *Notifier) Send(text string) error {
	if n.sender == nil {
		n.logger.Warn().Msg(text)
		return nil
	}
	if _, err := n.sender.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		n.logger.Error().Err(err).Str("text", text).Msg("failed to send alert")
		return errs.Wrap(err, "send alert")
	}
	return nil
}

// FormatAlert renders an alert payload as a chat message.
func FormatAlert(eventType string, p events.AlertPayload) string {
	var b strings.Builder
	title := strings.ToUpper(strings.ReplaceAll(eventType, "_", " "))
	fmt.Fprintf(&b, "[%s]", title)
	if p.Bucket != "" {
		fmt.Fprintf(&b, " %s", p.Bucket)
	}
	if p.Day != "" {
		fmt.Fprintf(&b, " %s", p.Day)
	}
	if p.Status != "" {
		fmt.Fprintf(&b, " (%s)", p.Status)
	}
	if p.Message != "" {
		fmt.Fprintf(&b, "\n%s", p.Message)
	}
	c := p.Counts
	var parts []string
	for _, kv := range []struct {
		name string
		v    int
	}{
		{"rows", c.Rows}, {"excluded", c.Excluded}, {"pages", c.Pages},
		{"failed", c.Failed}, {"vendor", c.Vendor}, {"local", c.Local},
	} {
		if kv.v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", kv.name, kv.v))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(&b, "\n%s", strings.Join(parts, " "))
	}
	return b.String()
}
