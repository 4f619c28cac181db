package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type TelegramMessage struct {
	Token  string
	ChatID string
	Text   string
	Silent bool
}

type TelegramSender interface {
	Send(ctx context.Context, msg TelegramMessage) error
}

type HTTPTelegramSender struct {
	client  *http.Client
	baseURL string
}

func NewHTTPTelegramSender() *HTTPTelegramSender {
	return NewHTTPTelegramSenderWithBaseURL("https://api.telegram.org")
}

// NewHTTPTelegramSenderWithBaseURL exists so tests can point the sender at a
// local server.
func NewHTTPTelegramSenderWithBaseURL(baseURL string) *HTTPTelegramSender {
	return &HTTPTelegramSender{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
	}
}

func (s *HTTPTelegramSender) Send(ctx context.Context, msg TelegramMessage) error {
	if strings.TrimSpace(msg.Token) == "" || strings.TrimSpace(msg.ChatID) == "" {
		return errors.New("telegram token or chat id missing")
	}
	body := map[string]any{
		"chat_id":              msg.ChatID,
		"text":                 msg.Text,
		"disable_notification": msg.Silent,
	}
	raw, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.baseURL, "/"), msg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("telegram api status %d", resp.StatusCode)
}
