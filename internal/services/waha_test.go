package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizeChatID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "phone number without country code",
			input:    "0712345678",
			expected: "254712345678@c.us",
		},
		{
			name:     "phone number with country code",
			input:    "254712345678",
			expected: "254712345678@c.us",
		},
		{
			name:     "formatted international number",
			input:    "+254 712 345 678",
			expected: "254712345678@c.us",
		},
		{
			name:     "subscriber number only",
			input:    "712345678",
			expected: "254712345678@c.us",
		},
		{
			name:     "group id",
			input:    "120363407813232111@g.us",
			expected: "120363407813232111@g.us",
		},
		{
			name:     "phone number without country code, with suffix",
			input:    "0712345678@c.us",
			expected: "254712345678@c.us",
		},
		{
			name:     "phone number with country code, with suffix",
			input:    "254712345678@c.us",
			expected: "254712345678@c.us",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeChatID(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeChatID(%q) = %q; want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestWahaService_SendMessage(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var text map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "waha-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/sendText" {
			_ = json.NewDecoder(r.Body).Decode(&text)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	svc := NewWahaService(server.URL, "waha-key", time.Second)
	svc.pause = func(ctx context.Context, d time.Duration) error { return nil }

	if err := svc.SendMessage(context.Background(), "0712345678", "Asante!"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	want := "/api/sendSeen,/api/startTyping,/api/stopTyping,/api/sendText"
	if got := strings.Join(paths, ","); got != want {
		t.Fatalf("request sequence = %s; want %s", got, want)
	}
	if text["chatId"] != "254712345678@c.us" || text["text"] != "Asante!" || text["session"] != "default" {
		t.Fatalf("unexpected sendText payload %+v", text)
	}
}

func TestWahaService_SendMessageFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not started", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	svc := NewWahaService(server.URL, "", time.Second)
	svc.pause = func(ctx context.Context, d time.Duration) error { return nil }

	err := svc.SendMessage(context.Background(), "0712345678", "hi")
	if err == nil || !strings.Contains(err.Error(), "send seen") || !strings.Contains(err.Error(), "422") {
		t.Fatalf("expected send seen failure with status, got %v", err)
	}
}

func TestEmailService(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		svc := NewEmailService(EmailConfig{Host: "smtp.example.org"})
		if svc.Configured() {
			t.Fatal("expected service to be unconfigured")
		}
		if err := svc.SendEmail([]string{"a@example.org"}, "s", "b"); err == nil {
			t.Fatal("expected error without credentials")
		}
	})

	t.Run("builds message", func(t *testing.T) {
		svc := NewEmailService(EmailConfig{Host: "smtp.example.org", Port: "587", User: "mailer@example.org", Password: "pw"})

		var gotAddr, gotFrom string
		var gotMsg []byte
		svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotMsg = addr, from, msg
			return nil
		}

		if err := svc.SendEmail([]string{"donor@example.org"}, "Thank you", "We received your gift."); err != nil {
			t.Fatalf("SendEmail returned error: %v", err)
		}
		if gotAddr != "smtp.example.org:587" || gotFrom != "mailer@example.org" {
			t.Fatalf("unexpected addr/from %q %q", gotAddr, gotFrom)
		}
		msg := string(gotMsg)
		for _, want := range []string{"To: donor@example.org\r\n", "Subject: Thank you\r\n", "charset=\"utf-8\"", "We received your gift."} {
			if !strings.Contains(msg, want) {
				t.Errorf("message missing %q:\n%s", want, msg)
			}
		}
	})
}
