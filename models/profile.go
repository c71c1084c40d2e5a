package models

// Profile is the locally persisted identity of the device owner.
type Profile struct {
	Username   string  `json:"username"`
	Pubkey     string  `json:"pubkey"`
	CreatedAt  int64   `json:"createdAt"`
	Reputation float64 `json:"reputation"`
}
