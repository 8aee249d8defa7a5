package mail

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

var _ Transport = (*Brevo)(nil)

const defaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoConfig configures the Brevo transactional email API.
type BrevoConfig struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

type Brevo struct {
	cfg  BrevoConfig
	http *http.Client
}

func NewBrevo(cfg BrevoConfig) *Brevo {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultBrevoEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Brevo{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (b *Brevo) Name() string { return "brevo" }

type brevoAddress struct {
	Email string `json:"email"`
}

type brevoEmail struct {
	To          []brevoAddress `json:"to"`
	Sender      brevoAddress   `json:"sender"`
	Subject     string         `json:"subject"`
	TextContent string         `json:"textContent"`
}

type brevoResponse struct {
	MessageID  string   `json:"messageId"`
	MessageIDs []string `json:"messageIds"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
}

func (b *Brevo) Send(ctx context.Context, env Envelope) Result {
	if err := env.validate(); err != nil {
		return Failed(err)
	}
	if b.cfg.APIKey == "" {
		return Failed(fmt.Errorf("brevo not configured"))
	}
	payload := brevoEmail{
		Sender:      brevoAddress{Email: env.From},
		Subject:     env.Subject,
		TextContent: env.Body,
	}
	for _, to := range env.To {
		payload.To = append(payload.To, brevoAddress{Email: to})
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return Failed(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return Failed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.cfg.APIKey)

	resp, err := b.http.Do(req)
	if err != nil {
		return Failed(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body brevoResponse
	_ = json.Unmarshal(raw, &body)
	if resp.StatusCode >= 300 {
		detail := strings.TrimSpace(body.Message)
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return Failed(fmt.Errorf("brevo send failed: %s: %s", resp.Status, detail))
	}
	switch {
	case body.MessageID != "":
		return Delivered(body.MessageID)
	case len(body.MessageIDs) > 0:
		return Delivered(strings.Join(body.MessageIDs, ","))
	default:
		return Delivered(resp.Status)
	}
}
