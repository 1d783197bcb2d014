// Package email delivers messages over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"syscall"
	"time"

	"notihub/internal/dispatch"
	"notihub/internal/models"
	"notihub/internal/task/engine"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
	DialTimeout time.Duration
	Policy      dispatch.Policy
}

// Mailer hands one raw message to a mail server.
type Mailer interface {
	SendMail(ctx context.Context, from string, to []string, msg []byte) error
}

// Stage names the SMTP step an error came from.
type Stage string

const (
	StageConnect Stage = "connect"
	StageAuth    Stage = "auth"
	StageSender  Stage = "sender"
	StageRcpt    Stage = "recipient"
	StageData    Stage = "data"
)

type SMTPError struct {
	Stage Stage
	Err   error
}

func (e *SMTPError) Error() string { return fmt.Sprintf("smtp %s: %v", e.Stage, e.Err) }
func (e *SMTPError) Unwrap() error { return e.Err }

type Sender struct {
	cfg    Config
	mailer Mailer
}

// New builds the EMAIL sender. A nil mailer dials cfg.Host with net/smtp.
func New(cfg Config, mailer Mailer) (*Sender, error) {
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "notihub"
	}
	if cfg.Policy.Retry.MaxAttempts == 0 {
		cfg.Policy = dispatch.DefaultPolicy(models.ProviderEmail)
	}
	if mailer == nil {
		if strings.TrimSpace(cfg.Host) == "" {
			return nil, errors.New("email: smtp host is required")
		}
		mailer = &smtpMailer{cfg: cfg}
	}
	return &Sender{cfg: cfg, mailer: mailer}, nil
}

func (s *Sender) Provider() models.Provider { return models.ProviderEmail }
func (s *Sender) Policy() dispatch.Policy   { return s.cfg.Policy }

func (s *Sender) Send(ctx context.Context, env dispatch.Envelope) (string, error) {
	to := strings.TrimSpace(env.ContactData)
	if to == "" {
		return "", engine.NoRetry(errors.New("empty recipient address"))
	}
	msg, err := Compose(s.cfg.From, to, s.cfg.Subject, env.Message)
	if err != nil {
		return "", engine.NoRetry(err)
	}
	if err := s.mailer.SendMail(ctx, s.cfg.From, []string{to}, msg); err != nil {
		return "", err
	}
	return "accepted by " + s.cfg.Host, nil
}

// Classify retries connection-level failures and 4xx replies. 5xx replies
// (authentication, rejected recipient, syntax) are permanent.
func (s *Sender) Classify(err error) engine.ErrorClass { return Classify(err) }

func Classify(err error) engine.ErrorClass {
	if err == nil || engine.IsNoRetry(err) {
		return engine.Permanent
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		if tp.Code >= 400 && tp.Code < 500 {
			return engine.Transient
		}
		return engine.Permanent
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return engine.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return engine.Transient
	}
	var se *SMTPError
	if errors.As(err, &se) && se.Stage == StageConnect {
		return engine.Transient
	}
	return engine.Permanent
}

// Compose builds a multipart/alternative message with a plain part, plus an
// HTML part when body contains markup.
func Compose(from, to, subject, body string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := textproto.MIMEHeader{}
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", mime.QEncoding.Encode("utf-8", subject))
	h.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	for _, k := range []string{"From", "To", "Subject", "Date", "MIME-Version", "Content-Type"} {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, h.Get(k))
	}
	buf.WriteString("\r\n")

	parts := []string{"text/plain"}
	if dispatch.DetectContentType(body) == dispatch.ContentHTML {
		parts = append(parts, "text/html")
	}
	for _, ct := range parts {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct + "; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(body)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type smtpMailer struct {
	cfg Config
}

func (m *smtpMailer) SendMail(ctx context.Context, from string, to []string, msg []byte) error {
	port := m.cfg.Port
	if port == 0 {
		port = 587
		if m.cfg.ImplicitTLS {
			port = 465
		}
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
	timeout := m.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &SMTPError{Stage: StageConnect, Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	tlsCfg := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	if m.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return &SMTPError{Stage: StageConnect, Err: err}
	}
	defer c.Close()

	if !m.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return &SMTPError{Stage: StageConnect, Err: err}
			}
		}
	}
	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return &SMTPError{Stage: StageAuth, Err: err}
		}
	}
	if err := c.Mail(from); err != nil {
		return &SMTPError{Stage: StageSender, Err: err}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return &SMTPError{Stage: StageRcpt, Err: err}
		}
	}
	w, err := c.Data()
	if err != nil {
		return &SMTPError{Stage: StageData, Err: err}
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return &SMTPError{Stage: StageData, Err: err}
	}
	if err := w.Close(); err != nil {
		return &SMTPError{Stage: StageData, Err: err}
	}
	return c.Quit()
}
