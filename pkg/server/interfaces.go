package server

import "time"

// AuditLog defines the append-only audit trail written by the server.
// It is never consulted for routing decisions. *database.DB implements it;
// tests substitute an in-memory recorder.
type AuditLog interface {
	// Active user log
	AddActiveUser(loggedAt time.Time, username, address string, udpPort int) (int64, error)
	RemoveActiveUser(username string) (int64, error)

	// Message streams
	AppendDirectMessage(ts time.Time, sender, recipient, content string) (int64, error)
	CreateGroupLog(name string, members []string, ts time.Time) error
	AppendGroupMessage(group string, ts time.Time, sender, content string) (int64, error)

	// Clear deletes every record (graceful shutdown)
	Clear() error
	Close() error
}

// Presence reports whether a username currently has an authenticated session
type Presence interface {
	IsOnline(username string) bool
}
