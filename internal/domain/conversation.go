// Package domain contains core domain types for the AI chat client and its dev backend.
package domain

import (
	"time"
)

// Conversation is a server-side chat thread that messages belong to.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account holds the credit balance for a credential on the dev backend.
type Account struct {
	UserID           string    `json:"user_id"`
	CreditsRemaining int       `json:"credits_remaining"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasCredits returns true if the account can pay for a reply of the given cost.
func (a *Account) HasCredits(cost int) bool {
	return a.CreditsRemaining >= cost
}
