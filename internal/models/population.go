package models

import "time"

// Account carries the contact data of a customer account. Name and VA are PII tokens.
type Account struct {
	ID        int64    `json:"id"`
	NameToken string   `json:"name_token"`
	VAToken   string   `json:"va_token"`
	Phones    []string `json:"phones"`
}

// AccountPayment is one installment of an account.
type AccountPayment struct {
	ID          int64   `json:"id"`
	AccountID   int64   `json:"account_id"`
	DueDate     string  `json:"due_date"`
	DueAmount   int64   `json:"due_amount"`
	Outstanding int64   `json:"outstanding"`
	PaidAt      *string `json:"paid_at,omitempty"`
}

// Candidate is an account-payment selected by the base population query.
type Candidate struct {
	AccountPaymentID int64  `json:"account_payment_id"`
	AccountID        int64  `json:"account_id"`
	DueDate          string `json:"due_date"`
	DPD              int    `json:"dpd"`
	DueAmount        int64  `json:"due_amount"`
	Outstanding      int64  `json:"outstanding"`
}

// ContactAttempt is one historical call outcome for a phone number.
type ContactAttempt struct {
	AccountID   int64     `json:"account_id"`
	PhoneNumber string    `json:"phone_number"`
	CallDate    string    `json:"call_date"`
	Effective   bool      `json:"effective"`
	CreatedAt   time.Time `json:"created_at"`
}

// RankingSignals are per-account inputs of the priority sort.
type RankingSignals struct {
	RecentContacts int  `json:"recent_contacts"`
	BrokenPromise  bool `json:"broken_promise"`
}
