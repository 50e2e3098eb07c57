package email

import (
	"context"
	"errors"

	"deploy-deadman/internal/domain"
)

// Sender define la interfaz de envio de correos del switch: el recordatorio
// periodico de check-in y el despacho final a los beneficiarios.
type Sender interface {
	SendCheckinReminder(ctx context.Context, toEmail string, checkinToken string) error
	SendTriggerMessages(ctx context.Context, userEmail string, messages []domain.BeneficiaryMessage) error
}

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) SendCheckinReminder(_ context.Context, _ string, _ string) error {
	return s.err()
}

func (s *disabledSender) SendTriggerMessages(_ context.Context, _ string, _ []domain.BeneficiaryMessage) error {
	return s.err()
}

func (s *disabledSender) err() error {
	if s.reason == "" {
		return errors.New("email sender disabled")
	}
	return errors.New(s.reason)
}
