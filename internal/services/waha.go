package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const wahaSession = "default"

// WahaService sends WhatsApp messages through a self-hosted WAHA instance
type WahaService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	pause   func(ctx context.Context, d time.Duration) error
}

func NewWahaService(baseURL, apiKey string, timeout time.Duration) *WahaService {
	if baseURL == "" {
		baseURL = "http://waha:3000"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WahaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		pause:   sleepContext,
	}
}

func (s *WahaService) makeRequest(ctx context.Context, method, endpoint string, payload interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (s *WahaService) chatAction(ctx context.Context, endpoint, chatID string) error {
	return s.makeRequest(ctx, http.MethodPost, endpoint, map[string]string{
		"chatId":  chatID,
		"session": wahaSession,
	})
}

// NormalizeChatID turns a Kenyan phone number into a WhatsApp chat id. Group ids pass through.
func NormalizeChatID(chatID string) string {
	chatID = strings.TrimSpace(chatID)

	if strings.HasSuffix(chatID, "@g.us") {
		return chatID
	}

	chatID = strings.TrimSuffix(chatID, "@c.us")
	chatID = nonDigits.ReplaceAllString(chatID, "")

	switch {
	case strings.HasPrefix(chatID, "0"):
		chatID = "254" + strings.TrimPrefix(chatID, "0")
	case len(chatID) == 9 && (strings.HasPrefix(chatID, "7") || strings.HasPrefix(chatID, "1")):
		chatID = "254" + chatID
	}

	return chatID + "@c.us"
}

// SendMessage mimics a human sender: seen, typing, stop typing, then the text.
func (s *WahaService) SendMessage(ctx context.Context, chatID, text string) error {
	chatID = NormalizeChatID(chatID)

	steps := []struct {
		endpoint string
		wait     time.Duration
		what     string
	}{
		{"/api/sendSeen", 100 * time.Millisecond, "send seen"},
		{"/api/startTyping", 150 * time.Millisecond, "start typing"},
		{"/api/stopTyping", 50 * time.Millisecond, "stop typing"},
	}
	for _, step := range steps {
		if err := s.chatAction(ctx, step.endpoint, chatID); err != nil {
			return fmt.Errorf("failed to %s: %w", step.what, err)
		}
		if err := s.pause(ctx, step.wait); err != nil {
			return err
		}
	}

	if err := s.makeRequest(ctx, http.MethodPost, "/api/sendText", map[string]string{
		"chatId":  chatID,
		"text":    text,
		"session": wahaSession,
	}); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	return nil
}
