package nats

import (
	"time"

	"github.com/brojonat/agrosettle/service/settlement"
)

// SettlementEvent represents a completed settlement published to NATS.
// This is published to the subject "settlements.{mode}" in JetStream.
type SettlementEvent struct {
	// Payment identifiers
	TransactionHash string `json:"transaction_hash"`
	Mode            string `json:"mode"`

	// Parties
	InvestorID    string  `json:"investor_id"`
	WalletAddress string  `json:"wallet_address"`
	FarmID        *string `json:"farm_id,omitempty"`

	// Value
	Amount        int64 `json:"amount"`
	TokenQuantity int64 `json:"token_quantity"`

	// Distribution outcome
	RecipientsSupported int   `json:"recipients_supported"`
	MintsSucceeded      int   `json:"mints_succeeded"`
	MintsFailed         int   `json:"mints_failed"`
	Remainder           int64 `json:"remainder"`

	// Ledger references
	InvestmentID string `json:"investment_id"`
	BlockNumber  int64  `json:"block_number"`

	// Timing information
	SettledAt   time.Time `json:"settled_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject the event is published on.
func (e *SettlementEvent) Subject() string {
	return SubjectForMode(e.Mode)
}

// SubjectForMode returns the subject for one mode, or the wildcard for all
// modes when mode is empty.
func SubjectForMode(mode string) string {
	if mode == "" {
		return StreamSubjects
	}
	return SubjectPrefix + mode
}

// FromResult converts a settlement result into an event for publishing.
func FromResult(r *settlement.Result) *SettlementEvent {
	succeeded, failed := settlement.Partition(r.MintBreakdown)
	event := &SettlementEvent{
		TransactionHash:     r.TransactionHash,
		RecipientsSupported: r.RecipientsSupported,
		MintsSucceeded:      len(succeeded),
		MintsFailed:         len(failed),
		Remainder:           r.Remainder,
		PublishedAt:         time.Now().UTC(),
	}

	if inv := r.Investment; inv != nil {
		event.Mode = inv.Mode
		event.InvestorID = inv.InvestorID
		event.WalletAddress = inv.InvestorWallet
		event.FarmID = inv.FarmID
		event.Amount = inv.Amount
		event.TokenQuantity = inv.TokenQuantity
		event.InvestmentID = inv.ID
		event.BlockNumber = inv.BlockNumber
		event.SettledAt = inv.CreatedAt
		if event.TransactionHash == "" {
			event.TransactionHash = inv.TransactionHash
		}
	}

	return event
}
