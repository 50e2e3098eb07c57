package domain

import "time"

// SwitchState es el estado del ciclo de vida de un deadman switch.
type SwitchState string

const (
	SwitchIdle      SwitchState = "idle"
	SwitchArmed     SwitchState = "armed"
	SwitchTriggered SwitchState = "triggered"
)

// DeliveryStatus registra el resultado del despacho de mensajes al disparar.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Schedule define la cadencia de check-in y la ventana de inactividad.
// Invariante: InactivityPeriod > CheckinInterval.
type Schedule struct {
	CheckinInterval  time.Duration `json:"checkin_interval"`
	InactivityPeriod time.Duration `json:"inactivity_period"`
}

// SwitchSnapshot es la representacion persistida de una sesion, suficiente
// para reconstruir sus timers tras un reinicio. Los tiempos son absolutos.
type SwitchSnapshot struct {
	UserKey        string         `json:"user_key"`
	State          SwitchState    `json:"state"`
	Schedule       Schedule       `json:"schedule"`
	LastActivity   time.Time      `json:"last_activity"`
	NextReminderAt time.Time      `json:"next_reminder_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	TriggeredAt    *time.Time     `json:"triggered_at,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SwitchStatus es la vista de solo lectura que consumen los endpoints de estado.
type SwitchStatus struct {
	Active         bool           `json:"active"`
	State          SwitchState    `json:"state"`
	LastActivity   time.Time      `json:"last_activity"`
	NextReminderAt time.Time      `json:"next_reminder_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	TriggeredAt    *time.Time     `json:"triggered_at,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
	Recovered      bool           `json:"recovered,omitempty"`
	MessageCount   int            `json:"message_count"`
}
