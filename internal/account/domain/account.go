package domain

import "time"

// Provider identifies how emails of an account are fetched
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// MailAccount is a connected mailbox. Rows are written by the account
// management layer; this service only reads them and refreshes OAuth tokens.
type MailAccount struct {
	ID       string   `json:"id" gorm:"primaryKey"`
	UserID   string   `json:"user_id" gorm:"index;not null"`
	Provider Provider `json:"provider" gorm:"not null"`
	Email    string   `json:"email"`

	// Gmail OAuth tokens
	AccessToken  string     `json:"-" gorm:"type:text"`
	RefreshToken string     `json:"-" gorm:"type:text"`
	TokenExpiry  *time.Time `json:"-"`

	// IMAP connection
	ImapHost     string `json:"imap_host,omitempty"`
	ImapPort     int    `json:"imap_port,omitempty"`
	ImapUsername string `json:"imap_username,omitempty"`
	ImapPassword string `json:"-" gorm:"type:text"`
	ImapTLS      bool   `json:"imap_tls" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (MailAccount) TableName() string {
	return "mail_accounts"
}
