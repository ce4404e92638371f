package models

import "time"

// PayloadRow is the dialer payload of one account-payment inside a bucket.
type PayloadRow struct {
	ID               int64     `json:"id"`
	BucketName       string    `json:"bucket_name"`
	Day              string    `json:"day"`
	AccountPaymentID int64     `json:"account_payment_id"`
	AccountID        int64     `json:"account_id"`
	Phones           []string  `json:"phones"`
	CustomerName     string    `json:"customer_name"`
	MaskedVA         string    `json:"masked_va"`
	DueDate          string    `json:"due_date"`
	DueAmount        int64     `json:"due_amount"`
	Outstanding      int64     `json:"outstanding"`
	DPD              int       `json:"dpd"`
	SortOrder        int       `json:"sort_order"`
	Track            string    `json:"track"`
	CreatedAt        time.Time `json:"created_at"`
}

// PrimaryPhone returns the first phone of the row.
func (r PayloadRow) PrimaryPhone() string {
	if len(r.Phones) == 0 {
		return ""
	}
	return r.Phones[0]
}
