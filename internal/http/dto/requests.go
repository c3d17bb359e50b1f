package dto

type ChallengeRequest struct {
	Address string `json:"address"`
}

type TokenRequest struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"` // hex ed25519 over the challenge
}
