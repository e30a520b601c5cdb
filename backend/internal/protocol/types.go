package protocol

import "time"

// Permission is the caller's access level inside a session.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// SyncStatus is the client's belief about whether its local document view
// matches the server's authoritative version.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncSyncing  SyncStatus = "syncing"
	SyncConflict SyncStatus = "conflict"
	SyncOffline  SyncStatus = "offline"
)

// Quality is a coarse transport health indicator, independent of sync status.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

type ChatKind string

const (
	ChatText   ChatKind = "text"
	ChatCode   ChatKind = "code"
	ChatSystem ChatKind = "system"
)

// Position is a line/column cursor position in the shared document.
type Position struct {
	LineNumber int `json:"lineNumber"`
	Column     int `json:"column"`
}

// SelectionRange is a start/end span in the shared document.
type SelectionRange struct {
	StartLineNumber int `json:"startLineNumber"`
	StartColumn     int `json:"startColumn"`
	EndLineNumber   int `json:"endLineNumber"`
	EndColumn       int `json:"endColumn"`
}

// Session identifies one collaboration instance scoped to a single document.
type Session struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	FileID       string     `json:"fileId"`
	CreatedBy    string     `json:"createdBy"`
	Participants []string   `json:"participants"`
	IsActive     bool       `json:"isActive"`
	Permissions  Permission `json:"permissions"`
}

// Peer is one remote participant's live state. Every entry except the local
// user's own is a mirror of server-relayed state and never locally
// authoritative.
type Peer struct {
	UserID          string          `json:"userId"`
	Name            string          `json:"name"`
	Color           string          `json:"color"`
	Cursor          *Position       `json:"cursor,omitempty"`
	Selection       *SelectionRange `json:"selection,omitempty"`
	IsTyping        bool            `json:"isTyping"`
	LastActive      time.Time       `json:"lastActive"`
	ConnectionState string          `json:"connectionState"`
}

// CodeOperation is one atomic edit stamped with the document version it was
// produced against.
type CodeOperation struct {
	ID        string        `json:"id"`
	Type      OperationType `json:"type"`
	Position  Position      `json:"position"`
	Text      string        `json:"text,omitempty"`
	Length    int           `json:"length,omitempty"`
	Version   uint64        `json:"version"`
	UserID    string        `json:"userId"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChatMessage is append-only; there is no edit or delete.
type ChatMessage struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         ChatKind  `json:"type"`
	CodeLanguage string    `json:"codeLanguage,omitempty"`
}
