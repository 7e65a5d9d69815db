package dto

import "time"

// AuthResponse is returned when a service token is issued.
type AuthResponse struct {
	Service   string    `json:"service"`
	Scopes    []string  `json:"scopes"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
