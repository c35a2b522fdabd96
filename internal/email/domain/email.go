package domain

import "time"

// Email is a fetched message as seen by the processing pipeline
type Email struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name"`
	To         []string  `json:"to"`
	Preview    string    `json:"preview"`
	Body       string    `json:"body"`
	IsHTML     bool      `json:"is_html"`
	ReceivedAt time.Time `json:"received_at"`
	IsRead     bool      `json:"is_read"`
	IsStarred  bool      `json:"is_starred"`
	MailboxID  string    `json:"mailbox_id"`
}
