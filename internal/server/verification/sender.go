package verification

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/netx"
)

// Message is one code delivery.
type Message struct {
	To          string `json:"to"`
	DisplayName string `json:"display_name,omitempty"`
	Code        string `json:"code"`
}

// Sender delivers codes over one channel.
type Sender interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
}

var sendMail = smtp.SendMail

type SMTPConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPSender mails codes through a submission server with PLAIN auth.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Name() string { return "email" }

func (s *SMTPSender) Enabled() bool {
	return s.cfg.Enabled && s.cfg.Host != "" && s.cfg.From != ""
}

func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	name := msg.DisplayName
	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf("Hi %s,\n\nYour verification code is %s.\n\nIf you did not request it, you can ignore this email.", name, msg.Code)

	raw := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + msg.To,
		"Subject: Your verification code",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	return sendMail(addr, auth, s.cfg.From, []string{msg.To}, []byte(raw))
}

type APIConfig struct {
	Enabled  bool
	Endpoint string
	Key      string
}

// APISender posts codes to a third-party delivery API as JSON.
type APISender struct {
	cfg    APIConfig
	client *http.Client
}

// NewAPISender builds an API sender; a nil client uses netx defaults.
func NewAPISender(cfg APIConfig, client *http.Client) *APISender {
	return &APISender{cfg: cfg, client: client}
}

func (s *APISender) Name() string { return "api" }

func (s *APISender) Enabled() bool {
	return s.cfg.Enabled && s.cfg.Endpoint != ""
}

func (s *APISender) Send(ctx context.Context, msg Message) error {
	return netx.PostJSON(ctx, s.client, s.cfg.Endpoint, s.cfg.Key, msg)
}
