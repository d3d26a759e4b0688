package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gopkg.in/gomail.v2"

	"eventchat/server/chat/domain"
)

const (
	DefaultNotifyCooldown = 10 * time.Minute
	previewRunes          = 140
)

// ContactNotifier reaches a recipient who has no live connection.
type ContactNotifier interface {
	NotifyOffline(ctx context.Context, recipient, sender domain.DisplayInfo, msg domain.Message) error
}

var offlineMessageTemplate = template.Must(template.New("offline_message").Parse(
	`<p>Hi {{.RecipientName}},</p>
<p><strong>{{.SenderName}}</strong> sent you a message:</p>
<blockquote>{{.Preview}}</blockquote>
<p>Open the app to reply.</p>`))

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailNotifier emails offline recipients, at most once per sender within the cooldown.
type MailNotifier struct {
	dialer   mailDialer
	from     string
	cooldown time.Duration
	now      Clock

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewMailNotifier(host string, port int, username, password, from string, cooldown time.Duration) *MailNotifier {
	return newMailNotifier(gomail.NewDialer(host, port, username, password), from, cooldown, nil)
}

func newMailNotifier(dialer mailDialer, from string, cooldown time.Duration, now Clock) *MailNotifier {
	if cooldown <= 0 {
		cooldown = DefaultNotifyCooldown
	}
	if now == nil {
		now = systemClock
	}
	return &MailNotifier{dialer: dialer, from: from, cooldown: cooldown, now: now, sent: map[string]time.Time{}}
}

func (n *MailNotifier) NotifyOffline(_ context.Context, recipient, sender domain.DisplayInfo, msg domain.Message) error {
	if strings.TrimSpace(recipient.Email) == "" {
		return nil
	}
	if !n.claim(recipient.ID + "|" + sender.ID) {
		return nil
	}
	m, err := n.buildMessage(recipient, sender, msg)
	if err != nil {
		return err
	}
	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send offline notification: %w", err)
	}
	return nil
}

func (n *MailNotifier) claim(key string) bool {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.sent[key]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.sent[key] = now
	return true
}

func (n *MailNotifier) buildMessage(recipient, sender domain.DisplayInfo, msg domain.Message) (*gomail.Message, error) {
	senderName := sender.Name
	if senderName == "" {
		senderName = msg.SenderID
	}
	recipientName := recipient.Name
	if recipientName == "" {
		recipientName = "there"
	}
	var body bytes.Buffer
	err := offlineMessageTemplate.Execute(&body, map[string]string{
		"RecipientName": recipientName,
		"SenderName":    senderName,
		"Preview":       preview(msg.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("render offline notification: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", recipient.Email)
	m.SetHeader("Subject", fmt.Sprintf("New message from %s", senderName))
	m.SetBody("text/html", body.String())
	return m, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}
