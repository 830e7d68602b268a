package errsink

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MailConfig configures MailReporter.
type MailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from" validate:"omitempty,email"`
	To       []string `mapstructure:"to" validate:"dive,email"`
	// MaxPerMinute caps outgoing report mail; excess reports are only logged.
	MaxPerMinute int `mapstructure:"max_per_minute" validate:"gte=0"`
}

// MailReporter emails reports to operators and always logs them as well.
type MailReporter struct {
	cfg     MailConfig
	limiter *rate.Limiter
	send    func(ctx context.Context, subject, body string) error
	log     *LogReporter
	logger  *zap.Logger
}

// NewMailReporter creates a MailReporter delivering over SMTP.
func NewMailReporter(cfg MailConfig, logger *zap.Logger) *MailReporter {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 10
	}
	r := &MailReporter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)), cfg.MaxPerMinute),
		log:     NewLogReporter(logger),
		logger:  logger,
	}
	r.send = r.deliver
	return r
}

// HandleError logs the report and mails it unless the mail budget is spent.
// Delivery runs in the background so callers are never blocked on SMTP.
func (r *MailReporter) HandleError(ctx context.Context, message, detail string, fields map[string]string) {
	r.log.HandleError(ctx, message, detail, fields)
	if len(r.cfg.To) == 0 || !r.limiter.Allow() {
		return
	}
	subject := "[profilesync] " + message
	body := format(message, detail, fields)
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.send(sendCtx, subject, body); err != nil {
			r.logger.Warn("error report mail failed", zap.Error(err))
		}
	}()
}

func (r *MailReporter) deliver(ctx context.Context, subject, body string) error {
	msg := []byte(strings.Join([]string{
		"From: " + r.cfg.From,
		"To: " + strings.Join(r.cfg.To, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n"))

	addr := net.JoinHostPort(r.cfg.Host, fmt.Sprint(r.cfg.Port))
	var auth smtp.Auth
	if r.cfg.Username != "" {
		auth = smtp.PlainAuth("", r.cfg.Username, r.cfg.Password, r.cfg.Host)
	}
	if r.cfg.Port != 465 {
		return smtp.SendMail(addr, auth, r.cfg.From, r.cfg.To, msg)
	}

	// Port 465 speaks TLS from the first byte.
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: r.cfg.Host, MinVersion: tls.VersionTLS12}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, r.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(r.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, to := range r.cfg.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", to, err)
		}
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}
