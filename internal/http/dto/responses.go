package dto

import "time"

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"` // ledger rejection code
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ChallengeResponse struct {
	Address   string    `json:"address"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AuthResponse struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type NetworkResponse struct {
	Passphrase string `json:"passphrase"`
	NetworkID  string `json:"network_id"`
	Asset      string `json:"asset"`
	FeeReserve string `json:"fee_reserve"`
}
