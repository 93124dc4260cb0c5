package state

import "github.com/user/rollcall/internal/types"

// Durable store key layout.
const (
	KeySessions         = "sessions"
	KeyPendingBackups   = "pendingBackups"
	KeyRecoveryPrompted = "recoveryPrompted"
	KeyLastBackupTime   = "lastBackupTime"
	KeyAutoBackup       = "autoBackupEnabled"
)

// ActiveSessionKey is the checkpoint key for the in-progress session of a type.
func ActiveSessionKey(t types.SessionType) string {
	return types.NewStoreKey("activeSession", string(t))
}

// TempIndexKey records where the active session sits in the sessions list.
func TempIndexKey(t types.SessionType) string {
	return types.NewStoreKey("tempSessionIndex", string(t))
}
