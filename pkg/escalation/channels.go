package escalation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v57/github"

	"github.com/devloop/devloop/pkg/engine"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body when a secret is
// configured.
const SignatureHeader = "X-Devloop-Signature-256"

// CLIChannel writes alerts to a terminal or log stream.
type CLIChannel struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewCLIChannel creates a channel that writes to out.
func NewCLIChannel(out io.Writer) *CLIChannel {
	return &CLIChannel{out: out, now: time.Now}
}

func (c *CLIChannel) Name() string { return "cli" }

func (c *CLIChannel) Send(ctx context.Context, alert engine.Alert) (*engine.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rule := strings.Repeat("=", 72)
	if _, err := fmt.Fprintf(c.out, "%s\n%s\n%s\n%s\n", rule, alert.Title, strings.TrimRight(alert.Body, "\n"), rule); err != nil {
		return nil, fmt.Errorf("failed to write alert: %w", err)
	}
	return &engine.DeliveryResult{Channel: c.Name(), Delivered: true, Attempts: 1, At: c.now().UTC()}, nil
}

// WebhookConfig configures a WebhookChannel.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url" validate:"required,url"`
	Secret  string            `yaml:"secret"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// WebhookChannel POSTs alerts as JSON. Any 2xx response confirms delivery.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
	now    func() time.Time
}

// NewWebhookChannel creates a webhook channel. A nil client uses one with the
// configured timeout (10s by default).
func NewWebhookChannel(cfg WebhookConfig, client *http.Client) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, engine.NewValidationError("webhook URL is required", nil)
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookChannel{cfg: cfg, client: client, now: time.Now}, nil
}

func (w *WebhookChannel) Name() string { return w.cfg.Name }

type webhookBody struct {
	Event string       `json:"event"`
	Alert engine.Alert `json:"alert"`
}

func (w *WebhookChannel) Send(ctx context.Context, alert engine.Alert) (*engine.DeliveryResult, error) {
	event := "escalation"
	if alert.Digest {
		event = "escalation_digest"
	} else if alert.EscalationID == "" {
		event = "operator_alert"
	}

	body, err := json.Marshal(webhookBody{Event: event, Alert: alert})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "devloop-escalation")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return &engine.DeliveryResult{Channel: w.Name(), Delivered: true, Attempts: 1, At: w.now().UTC()}, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. The format is the one
// GitHub uses for X-Hub-Signature-256, so receivers can verify it with any
// GitHub webhook library.
func VerifySignature(secret string, body []byte, signature string) bool {
	return gogithub.ValidateSignature(signature, body, []byte(secret)) == nil
}

// SMTPSendFunc matches smtp.SendMail.
type SMTPSendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig configures an EmailChannel.
type EmailConfig struct {
	Host     string   `yaml:"host" validate:"required"`
	Port     int      `yaml:"port" validate:"gte=0,lte=65535"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from" validate:"required,email"`
	To       []string `yaml:"to" validate:"required,min=1,dive,email"`
}

// EmailChannel sends alerts through an SMTP relay.
type EmailChannel struct {
	cfg  EmailConfig
	send SMTPSendFunc
	now  func() time.Time
}

// NewEmailChannel creates an email channel. A nil send uses smtp.SendMail.
func NewEmailChannel(cfg EmailConfig, send SMTPSendFunc) (*EmailChannel, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, engine.NewValidationError("email channel requires host, from and at least one recipient", nil)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &EmailChannel{cfg: cfg, send: send, now: time.Now}, nil
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, alert engine.Alert) (*engine.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, e.message(alert)); err != nil {
		return nil, fmt.Errorf("smtp send failed: %w", err)
	}
	return &engine.DeliveryResult{Channel: e.Name(), Delivered: true, Attempts: 1, At: e.now().UTC()}, nil
}

func (e *EmailChannel) message(alert engine.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(alert.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	if alert.EscalationID != "" {
		fmt.Fprintf(&b, "X-Devloop-Escalation: %s\r\n", alert.EscalationID)
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(alert.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
