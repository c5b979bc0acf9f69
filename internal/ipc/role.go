package ipc

// Role is the peer-identity based permission level assigned to one
// connection for its lifetime, determined once at accept time from the
// socket's SO_PEERCRED credentials.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleShell    Role = "shell"
	RoleObserver Role = "observer"
)

// DetermineRole implements spec §4.7's role table: the service's own uid
// or root is Admin; a configured observer uid is Observer (only while
// observer support is enabled); everyone else is Shell.
func DetermineRole(peerUID int, serviceUID int, observerEnabled bool, observerUIDs map[int]bool) Role {
	if peerUID == serviceUID || peerUID == 0 {
		return RoleAdmin
	}
	if observerEnabled && observerUIDs[peerUID] {
		return RoleObserver
	}
	return RoleShell
}

// Allowed reports whether role may issue cmd, per §4.7's role table.
// SetVolume's "above configured cap" restriction is a value-level
// constraint applied separately in the server's dispatch, not a
// command-level deny.
func Allowed(role Role, cmd CommandTag) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleShell:
		return cmd != CmdReloadConfig && cmd != CmdExtendCurrent
	case RoleObserver:
		switch cmd {
		case CmdGetState, CmdListEntries, CmdSubscribeEvents, CmdGetHealth, CmdGetVolume:
			return true
		default:
			return false
		}
	default:
		return false
	}
}
