package domain

import "time"

// BeneficiaryMessage es el correo que se despacha al disparar el switch.
type BeneficiaryMessage struct {
	ID        string    `json:"id"`
	UserKey   string    `json:"-"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
