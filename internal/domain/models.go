// Package domain defines the persistence models for the consultation
// marketplace: users and astrologers with their wallets, chat requests,
// chat sessions with their billing ledger, transactions, messages and
// notifications. These types are mapped with GORM and form the core data
// layer of the application.
//
// All monetary amounts are integer minor units (e.g. paise). Rates are per
// minute.
package domain

import (
	"time"
)

// Roles tag every participant reference.
const (
	RoleUser       = "user"
	RoleAstrologer = "astrologer"
)

// Astrologer availability values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Chat request lifecycle: pending -> accepted | rejected | expired.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
	RequestExpired  = "expired"
)

// Chat session lifecycle: active -> ended (terminal).
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Reasons recorded on ended sessions.
const (
	EndReasonUser                = "ended_by_user"
	EndReasonAstrologer          = "ended_by_astrologer"
	EndReasonInsufficientBalance = "insufficient_balance"
)

// Consultation kinds. The same values tag transactions, with TxWalletRecharge
// as the extra kind for wallet credits.
const (
	ConsultChat  = "chat"
	ConsultVoice = "voice"
	ConsultVideo = "video"

	TxWalletRecharge = "walletRecharge"
)

// Transaction status values.
const (
	TxPending = "pending"
	TxSuccess = "success"
	TxFailed  = "failed"
)

// User is a consulting customer. Balance is the available wallet balance;
// LockedBalance holds funds debited by the billing clock but not yet settled
// to an astrologer. Version increments on every wallet mutation.
type User struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	Name          string    `json:"name"           gorm:"type:varchar(128);not null"`
	Mobile        string    `json:"mobile"         gorm:"type:varchar(32);index"`
	PushToken     string    `json:"-"              gorm:"type:varchar(255)"`
	Balance       int64     `json:"balance"        gorm:"not null;default:0;check:balance >= 0"`
	LockedBalance int64     `json:"locked_balance" gorm:"not null;default:0;check:locked_balance >= 0"`
	Version       int64     `json:"-"              gorm:"not null;default:0"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Astrologer is a consultation provider with per-minute pricing and a live
// availability status. IsBusy is true exactly while the astrologer has an
// active chat session.
type Astrologer struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	Name          string    `json:"name"           gorm:"type:varchar(128);not null"`
	ChatRate      int64     `json:"chat_rate"      gorm:"not null;default:0;check:chat_rate >= 0"`
	VoiceRate     int64     `json:"voice_rate"     gorm:"not null;default:0"`
	VideoRate     int64     `json:"video_rate"     gorm:"not null;default:0"`
	Status        string    `json:"status"         gorm:"type:varchar(16);not null;default:'offline';index;check:status IN ('online','offline')"`
	IsBusy        bool      `json:"is_busy"        gorm:"not null;default:false"`
	IsBlocked     bool      `json:"is_blocked"     gorm:"not null;default:false"`
	Balance       int64     `json:"balance"        gorm:"not null;default:0"`
	LockedBalance int64     `json:"locked_balance" gorm:"not null;default:0"`
	PushToken     string    `json:"-"              gorm:"type:varchar(255)"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Astrologer.
func (Astrologer) TableName() string { return "astrologers" }

// RateFor returns the per-minute price for a consultation kind. Unknown
// kinds fall back to the chat rate.
func (a Astrologer) RateFor(kind string) int64 {
	switch kind {
	case ConsultVoice:
		return a.VoiceRate
	case ConsultVideo:
		return a.VideoRate
	default:
		return a.ChatRate
	}
}

// ChatRequest is a user's solicitation to start a paid consultation with a
// specific astrologer. Requests are never deleted.
type ChatRequest struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string     `json:"user_id"       gorm:"type:char(36);not null;index:idx_req_pair,priority:1"`
	AstrologerID string     `json:"astrologer_id" gorm:"type:char(36);not null;index:idx_req_pair,priority:2"`
	Type         string     `json:"type"          gorm:"type:varchar(16);not null;default:'chat'"`
	Status       string     `json:"status"        gorm:"type:varchar(16);not null;default:'pending';index;check:status IN ('pending','accepted','rejected','expired')"`
	CreatedAt    time.Time  `json:"created_at"    gorm:"index"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}

// TableName returns the database table name for ChatRequest.
func (ChatRequest) TableName() string { return "chat_requests" }

// ChatSession is the live, billable period between request acceptance and
// termination. Rate is snapshotted at open so later price changes do not
// affect a running session.
//
// Fields:
//   - ChatRequestID: unique; a request opens at most one session.
//   - LastTickAt: time of the most recent billing tick (resume anchor).
//   - TickCount / BilledAmount: running totals of the BillingTick ledger.
type ChatSession struct {
	ID            string     `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID        string     `json:"user_id"         gorm:"type:char(36);not null;index"`
	AstrologerID  string     `json:"astrologer_id"   gorm:"type:char(36);not null;index:idx_sess_astro_status,priority:1"`
	ChatRequestID string     `json:"chat_request_id" gorm:"type:char(36);not null;uniqueIndex"`
	Type          string     `json:"type"            gorm:"type:varchar(16);not null;default:'chat'"`
	Rate          int64      `json:"rate"            gorm:"not null"`
	Status        string     `json:"status"          gorm:"type:varchar(16);not null;default:'active';index:idx_sess_astro_status,priority:2;check:status IN ('active','ended')"`
	EndReason     string     `json:"end_reason,omitempty" gorm:"type:varchar(32)"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastTickAt    time.Time  `json:"last_tick_at"`
	TickCount     int        `json:"tick_count"      gorm:"not null;default:0"`
	BilledAmount  int64      `json:"billed_amount"   gorm:"not null;default:0"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// Active reports whether the session is still billable.
func (s ChatSession) Active() bool { return s.Status == SessionActive }

// HasParticipant reports whether id is the session's user or astrologer.
func (s ChatSession) HasParticipant(id string) bool {
	return id != "" && (id == s.UserID || id == s.AstrologerID)
}

// Counterpart returns the other participant's id and role.
func (s ChatSession) Counterpart(id string) (string, string) {
	if id == s.UserID {
		return s.AstrologerID, RoleAstrologer
	}
	return s.UserID, RoleUser
}

// BillingTick is one charged interval of a session. Seq is 1-based and unique
// per session; the opening debit is Seq 1.
type BillingTick struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:char(36);not null;uniqueIndex:ux_tick_session_seq,priority:1"`
	Seq       int       `json:"seq"        gorm:"not null;uniqueIndex:ux_tick_session_seq,priority:2"`
	Amount    int64     `json:"amount"     gorm:"not null;check:amount > 0"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for BillingTick.
func (BillingTick) TableName() string { return "billing_ticks" }

// Transaction records a settled consultation or a wallet recharge. It is
// immutable after creation except for IsSettled, which an external
// settlement process owns.
type Transaction struct {
	ID            string    `json:"id"                       gorm:"type:char(36);primaryKey"`
	UserID        string    `json:"user_id"                  gorm:"type:char(36);not null;index"`
	AstrologerID  string    `json:"astrologer_id,omitempty"  gorm:"type:char(36);index"`
	SessionID     *string   `json:"session_id,omitempty"     gorm:"type:char(36);uniqueIndex"`
	Amount        int64     `json:"amount"                   gorm:"not null"`
	Type          string    `json:"type"                     gorm:"type:varchar(32);not null"`
	Description   string    `json:"description"              gorm:"type:varchar(255)"`
	Duration      string    `json:"duration,omitempty"       gorm:"type:varchar(64)"`
	Status        string    `json:"status"                   gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','success','failed')"`
	InvoiceNumber string    `json:"invoice_number,omitempty" gorm:"type:varchar(64)"`
	IsSettled     bool      `json:"is_settled"               gorm:"not null;default:false"`
	CreatedAt     time.Time `json:"created_at"               gorm:"index"`
}

// TableName returns the database table name for Transaction.
func (Transaction) TableName() string { return "transactions" }

// Message is a chat line exchanged inside a session. Messages are never
// hard-deleted; deletion flips one of the soft-delete flags.
type Message struct {
	ID                  string    `json:"id"                    gorm:"type:char(36);primaryKey"`
	SessionID           string    `json:"session_id"            gorm:"type:char(36);not null;index:idx_session_msgs,priority:1"`
	SenderID            string    `json:"sender_id"             gorm:"type:char(36);not null;index:idx_msg_pair,priority:1"`
	SenderRole          string    `json:"sender_role"           gorm:"type:varchar(16);not null;check:sender_role IN ('user','astrologer')"`
	RecipientID         string    `json:"recipient_id"          gorm:"type:char(36);not null;index:idx_msg_pair,priority:2"`
	RecipientRole       string    `json:"recipient_role"        gorm:"type:varchar(16);not null;check:recipient_role IN ('user','astrologer')"`
	Body                string    `json:"body"                  gorm:"type:text;not null"`
	IsRead              bool      `json:"is_read"               gorm:"not null;default:false"`
	Edited              bool      `json:"edited"                gorm:"not null;default:false"`
	DeletedForSender    bool      `json:"deleted_for_sender"    gorm:"not null;default:false"`
	DeletedForRecipient bool      `json:"deleted_for_recipient" gorm:"not null;default:false"`
	DeletedForEveryone  bool      `json:"deleted_for_everyone"  gorm:"not null;default:false"`
	CreatedAt           time.Time `json:"created_at"            gorm:"index:idx_session_msgs,priority:2"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// VisibleTo reports whether viewerID should still see the message.
func (m Message) VisibleTo(viewerID string) bool {
	switch {
	case m.DeletedForEveryone:
		return false
	case viewerID == m.SenderID:
		return !m.DeletedForSender
	case viewerID == m.RecipientID:
		return !m.DeletedForRecipient
	}
	return false
}

// Notification kinds.
const (
	NotifyChatRequest      = "chat_request"
	NotifyChatAccepted     = "chat_accepted"
	NotifyChatRejected     = "chat_rejected"
	NotifyChatEnded        = "chat_ended"
	NotifyNewMessage       = "new_message"
	NotifyAstrologerStatus = "astrologer_status"
	NotifyWallet           = "wallet"
)

// Notification is the persisted copy of a push notification.
type Notification struct {
	ID            string         `json:"id"             gorm:"type:char(36);primaryKey"`
	RecipientID   string         `json:"recipient_id"   gorm:"type:char(36);not null;index:idx_notif_recipient,priority:1"`
	RecipientRole string         `json:"recipient_role" gorm:"type:varchar(16);not null"`
	SenderID      string         `json:"sender_id,omitempty"   gorm:"type:char(36)"`
	SenderRole    string         `json:"sender_role,omitempty" gorm:"type:varchar(16)"`
	Kind          string         `json:"kind"           gorm:"type:varchar(32);not null"`
	Title         string         `json:"title"          gorm:"type:varchar(255);not null"`
	Body          string         `json:"body"           gorm:"type:text"`
	SessionID     string         `json:"session_id,omitempty" gorm:"type:char(36)"`
	Data          map[string]any `json:"data,omitempty" gorm:"type:text;serializer:json"`
	Status        string         `json:"status"         gorm:"type:varchar(16);not null;default:'unread'"`
	CreatedAt     time.Time      `json:"created_at"     gorm:"index:idx_notif_recipient,priority:2"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }
