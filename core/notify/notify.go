package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"saker-scm/config"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

// Notifier delivers case events to the configured channels. Callers treat it
// as fire-and-forget: a returned error is logged and recorded, never used to
// roll back the state change that triggered it.
type Notifier interface {
	NotifyEscalation(ctx context.Context, c *store.Case, level int) error
	NotifyAssignment(ctx context.Context, c *store.Case, assignee string) error
}

// Service fans one event out to every enabled channel and records each
// attempt in the deliveries table.
type Service struct {
	cfg        config.NotifyConfig
	telegram   TelegramSender
	email      EmailSender
	deliveries store.NotificationsStore
	logger     *utils.Logger
}

func NewService(cfg config.NotifyConfig, telegram TelegramSender, email EmailSender, deliveries store.NotificationsStore, logger *utils.Logger) *Service {
	return &Service{cfg: cfg, telegram: telegram, email: email, deliveries: deliveries, logger: logger}
}

func (s *Service) NotifyEscalation(ctx context.Context, c *store.Case, level int) error {
	if c == nil {
		return nil
	}
	subject := fmt.Sprintf("[%s] escalated to level %d", c.RegNo, level)
	text := strings.Join([]string{
		fmt.Sprintf("Case escalated to level %d", level),
		fmt.Sprintf("%s: %s", c.RegNo, strings.TrimSpace(c.Title)),
		fmt.Sprintf("Priority: %s", c.Priority),
		fmt.Sprintf("Due: %s", formatNotifyTime(c.DueAt)),
	}, "\n")
	return s.dispatch(ctx, c.ID, "escalation", subject, text)
}

func (s *Service) NotifyAssignment(ctx context.Context, c *store.Case, assignee string) error {
	if c == nil {
		return nil
	}
	subject := fmt.Sprintf("[%s] assigned to %s", c.RegNo, assignee)
	text := strings.Join([]string{
		fmt.Sprintf("Case assigned to %s", assignee),
		fmt.Sprintf("%s: %s", c.RegNo, strings.TrimSpace(c.Title)),
		fmt.Sprintf("Priority: %s", c.Priority),
		fmt.Sprintf("Due: %s", formatNotifyTime(c.DueAt)),
	}, "\n")
	return s.dispatch(ctx, c.ID, "assignment", subject, text)
}

// dispatch tries every enabled channel. The error return is non-nil only
// when every attempted channel failed; no enabled channels is a no-op.
func (s *Service) dispatch(ctx context.Context, caseID int64, eventType, subject, text string) error {
	attempted := 0
	sent := 0
	var firstErr error
	if s.telegramEnabled() {
		attempted++
		err := s.telegram.Send(ctx, TelegramMessage{
			Token:  s.cfg.TelegramToken,
			ChatID: s.cfg.TelegramChatID,
			Text:   text,
		})
		s.recordDelivery(ctx, caseID, "telegram", s.cfg.TelegramChatID, eventType, text, err)
		if err != nil {
			if s.logger != nil {
				s.logger.Errorf("notify telegram %s case=%d: %v", eventType, caseID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		} else {
			sent++
		}
	}
	if s.emailEnabled() {
		attempted++
		err := s.email.Send(ctx, EmailMessage{
			To:      s.cfg.EmailTo,
			Subject: subject,
			Body:    text,
		})
		s.recordDelivery(ctx, caseID, "email", strings.Join(s.cfg.EmailTo, ", "), eventType, text, err)
		if err != nil {
			if s.logger != nil {
				s.logger.Errorf("notify email %s case=%d: %v", eventType, caseID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		} else {
			sent++
		}
	}
	if attempted > 0 && sent == 0 {
		return firstErr
	}
	return nil
}

func (s *Service) telegramEnabled() bool {
	return s.telegram != nil && s.cfg.TelegramEnabled &&
		strings.TrimSpace(s.cfg.TelegramToken) != "" && strings.TrimSpace(s.cfg.TelegramChatID) != ""
}

func (s *Service) emailEnabled() bool {
	return s.email != nil && s.cfg.EmailEnabled && len(s.cfg.EmailTo) > 0
}

func (s *Service) recordDelivery(ctx context.Context, caseID int64, channel, recipient, eventType, body string, sendErr error) {
	if s.deliveries == nil {
		return
	}
	status := "sent"
	errText := ""
	if sendErr != nil {
		status = "failed"
		errText = sendErr.Error()
	}
	id := caseID
	item := &store.NotificationDelivery{
		CaseID:      &id,
		Channel:     channel,
		Recipient:   recipient,
		EventType:   eventType,
		Status:      status,
		Error:       errText,
		BodyPreview: previewMessage(body),
	}
	if _, err := s.deliveries.RecordDelivery(ctx, item); err != nil && s.logger != nil {
		s.logger.Errorf("notify delivery log: %v", err)
	}
}

func formatNotifyTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func previewMessage(text string) string {
	raw := strings.TrimSpace(text)
	if len(raw) <= 240 {
		return raw
	}
	return raw[:240]
}
