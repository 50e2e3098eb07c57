package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"deploy-deadman/internal/domain"
)

// SMTPSender envia correos via SMTP.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
	useTLS   bool
	appURL   string
}

func NewSMTPSender(host string, port int, username, password, from, fromName string, useTLS bool, appURL string) (*SMTPSender, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("smtp from is required")
	}
	if port == 0 {
		port = 587
	}
	if strings.TrimSpace(appURL) == "" {
		appURL = "http://localhost:8080"
	}
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		fromName: fromName,
		useTLS:   useTLS,
		appURL:   strings.TrimRight(appURL, "/"),
	}, nil
}

// SendCheckinReminder envia el correo de check-in con el enlace de un solo uso.
func (s *SMTPSender) SendCheckinReminder(_ context.Context, toEmail string, checkinToken string) error {
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("to email is required")
	}

	checkinURL := fmt.Sprintf("%s/deadman/checkin/%s", s.appURL, checkinToken)
	subject := "Check-in required"
	body := fmt.Sprintf(
		"This is your scheduled check-in.\n\nConfirm you are active by opening this link:\n%s\n\nIf you do not check in before your inactivity period ends, your stored messages will be sent.\n",
		checkinURL,
	)
	msg := buildMessage(s.from, s.fromName, toEmail, subject, body)
	return s.deliver(toEmail, msg)
}

// SendTriggerMessages despacha cada mensaje de beneficiario por separado.
// Devuelve el conjunto de fallos; un destinatario caido no frena al resto.
func (s *SMTPSender) SendTriggerMessages(_ context.Context, userEmail string, messages []domain.BeneficiaryMessage) error {
	var errs []error
	for _, m := range messages {
		to := strings.TrimSpace(m.Recipient)
		if to == "" {
			errs = append(errs, fmt.Errorf("message %s: empty recipient", m.ID))
			continue
		}
		subject := m.Subject
		if strings.TrimSpace(subject) == "" {
			subject = "Important message from " + userEmail
		}
		msg := buildMessage(s.from, s.fromName, to, subject, m.Body)
		if err := s.deliver(to, msg); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SMTPSender) deliver(toEmail, msg string) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	if s.useTLS {
		conn, err := tls.Dial("tcp", addr, &tls.Config{
			ServerName: s.host,
		})
		if err != nil {
			return err
		}
		defer conn.Close()

		client, err := smtp.NewClient(conn, s.host)
		if err != nil {
			return err
		}
		defer client.Quit()

		if auth != nil {
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
		if err := client.Mail(s.from); err != nil {
			return err
		}
		if err := client.Rcpt(toEmail); err != nil {
			return err
		}
		writer, err := client.Data()
		if err != nil {
			return err
		}
		if _, err := writer.Write([]byte(msg)); err != nil {
			_ = writer.Close()
			return err
		}
		return writer.Close()
	}

	return smtp.SendMail(addr, auth, s.from, []string{toEmail}, []byte(msg))
}

func buildMessage(from, fromName, to, subject, body string) string {
	fromHeader := from
	if strings.TrimSpace(fromName) != "" {
		fromHeader = fmt.Sprintf("%s <%s>", fromName, from)
	}

	headers := []string{
		fmt.Sprintf("From: %s", fromHeader),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}

	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body
}
