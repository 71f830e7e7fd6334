package services

import (
	"time"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// Inbound websocket events.
const (
	EventJoin               = "join"
	EventSendChatRequest    = "sendChatRequest"
	EventRespondChatRequest = "respondChatRequest"
	EventSendMessage        = "sendMessage"
	EventEndChatSession     = "endChatSession"
	EventEditMessage        = "editMessage"
	EventDeleteMessage      = "deleteMessage"
	EventMarkMessagesAsRead = "markMessagesAsRead"
	EventTyping             = "typing"
	EventStopTyping         = "stopTyping"
)

// Outbound websocket events.
const (
	EventJoinSuccess          = "joinSuccess"
	EventChatRequestReceived  = "chatRequestReceived"
	EventChatRequestSent      = "chatRequestSent"
	EventChatRequestAccepted  = "chatRequestAccepted"
	EventChatRequestRejected  = "chatRequestRejected"
	EventChatRequestExpired   = "chatRequestExpired"
	EventChatRequestResponded = "chatRequestResponded"
	EventChatSessionStarted   = "chatSessionStarted"
	EventChatSessionEnded     = "chatSessionEnded"
	EventNewMessage           = "newMessage"
	EventMessageSent          = "messageSent"
	EventMessageUpdated       = "messageUpdated"
	EventMessageEdited        = "messageEdited"
	EventMessageDeleted       = "messageDeleted"
	EventMessagesRead         = "messagesRead"
	EventMessagesMarkedAsRead = "messagesMarkedAsRead"
	EventUserTyping           = "userTyping"
	EventUserStoppedTyping    = "userStoppedTyping"
	EventWalletUpdate         = "walletUpdate"
	EventAstrologerStatus     = "astrologerStatus"
	EventUserStatus           = "userStatus"
	EventError                = "error"
)

// Request actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// JoinSuccess acknowledges a join.
type JoinSuccess struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// StatusChange is broadcast on astrologerStatus and userStatus.
type StatusChange struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Status string `json:"status"`
	IsBusy bool   `json:"isBusy"`
}

// RequestView describes a chat request to either party.
type RequestView struct {
	RequestID    string    `json:"requestId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName,omitempty"`
	AstrologerID string    `json:"astrologerId"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RequestResponded acknowledges the astrologer's response.
type RequestResponded struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

// SessionView describes a started session.
type SessionView struct {
	SessionID    string    `json:"sessionId"`
	RequestID    string    `json:"requestId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName,omitempty"`
	AstrologerID string    `json:"astrologerId"`
	Type         string    `json:"type"`
	Rate         int64     `json:"rate"`
	MaxMinutes   int64     `json:"maxMinutes"`
	StartedAt    time.Time `json:"startedAt"`
}

// SessionEnded describes a terminated session.
type SessionEnded struct {
	SessionID     string    `json:"sessionId"`
	Reason        string    `json:"reason"`
	EndedBy       string    `json:"endedBy,omitempty"`
	Minutes       int64     `json:"minutes"`
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transactionId"`
	EndedAt       time.Time `json:"endedAt"`
}

// WalletView is the walletUpdate payload.
type WalletView struct {
	UserID        string `json:"userId"`
	Balance       int64  `json:"balance"`
	LockedBalance int64  `json:"lockedBalance"`
}

// MessageView is the wire form of a chat message.
type MessageView struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	SenderID      string    `json:"senderId"`
	SenderRole    string    `json:"senderRole"`
	RecipientID   string    `json:"recipientId"`
	RecipientRole string    `json:"recipientRole"`
	Body          string    `json:"body"`
	IsRead        bool      `json:"isRead"`
	Edited        bool      `json:"edited"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// MessageDeleted is the messageDeleted payload.
type MessageDeleted struct {
	MessageID   string `json:"messageId"`
	SessionID   string `json:"sessionId"`
	DeletedBy   string `json:"deletedBy"`
	ForEveryone bool   `json:"forEveryone"`
}

// ReadReceipt is the messagesRead and messagesMarkedAsRead payload.
type ReadReceipt struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Count       int64  `json:"count"`
}

// TypingView is the userTyping and userStoppedTyping payload.
type TypingView struct {
	SenderID   string `json:"senderId"`
	SenderRole string `json:"senderRole"`
}

// WalletViewOf converts a user row to its walletUpdate payload.
func WalletViewOf(u *domain.User) WalletView {
	return WalletView{UserID: u.ID, Balance: u.Balance, LockedBalance: u.LockedBalance}
}

// MessageViewOf converts a stored message to its wire form.
func MessageViewOf(m *domain.Message) MessageView {
	return MessageView{
		ID:            m.ID,
		SessionID:     m.SessionID,
		SenderID:      m.SenderID,
		SenderRole:    m.SenderRole,
		RecipientID:   m.RecipientID,
		RecipientRole: m.RecipientRole,
		Body:          m.Body,
		IsRead:        m.IsRead,
		Edited:        m.Edited,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func astrologerStatus(a *domain.Astrologer) StatusChange {
	return StatusChange{ID: a.ID, Role: domain.RoleAstrologer, Status: a.Status, IsBusy: a.IsBusy}
}
