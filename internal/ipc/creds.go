package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads the connecting process's uid/gid/pid off a Unix
// domain socket via SO_PEERCRED. This is the only reliable way to learn
// who is on the other end of a local socket — there is no higher-level
// stdlib API for it.
func peerCredentials(conn net.Conn) (uid, gid, pid int, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, 0, fmt.Errorf("ipc: connection is not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("ipc: syscall conn: %w", err)
	}

	var ucred *unix.Ucred
	var ctrlErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, 0, 0, fmt.Errorf("ipc: control: %w", err)
	}
	if ctrlErr != nil {
		return 0, 0, 0, fmt.Errorf("ipc: getsockopt peercred: %w", ctrlErr)
	}
	return int(ucred.Uid), int(ucred.Gid), int(ucred.Pid), nil
}
