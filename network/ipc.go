package network

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// IPC path templates. Each replica exposes its own set of unix-datagram
// endpoints under the runtime directory.
const (
	ipcMain        = "sm_ipc_main_%d"
	ipcItrc        = "sm_ipc_itrc_%d"
	ipcInject      = "sm_ipc_inject_%d"
	ipcPrimeClient = "prime_client_ipc_%d"
	ipcPrimeReplica = "prime_replica_ipc_%d"
)

// IPCDir is overridable for tests; defaults to the system temp dir.
var IPCDir = os.TempDir()

// MainIPCPath is the SCADA main endpoint of a replica.
func MainIPCPath(id uint32) string { return filepath.Join(IPCDir, fmt.Sprintf(ipcMain, id)) }

// ItrcIPCPath is the ITRC master endpoint of a replica.
func ItrcIPCPath(id uint32) string { return filepath.Join(IPCDir, fmt.Sprintf(ipcItrc, id)) }

// InjectIPCPath is the state-transfer signal endpoint of a replica.
func InjectIPCPath(id uint32) string { return filepath.Join(IPCDir, fmt.Sprintf(ipcInject, id)) }

// PrimeClientIPCPath is where updates are injected into Prime.
func PrimeClientIPCPath(id uint32) string {
	return filepath.Join(IPCDir, fmt.Sprintf(ipcPrimeClient, id))
}

// PrimeReplicaIPCPath is where Prime emits ordered events.
func PrimeReplicaIPCPath(id uint32) string {
	return filepath.Join(IPCDir, fmt.Sprintf(ipcPrimeReplica, id))
}

// ListenIPC binds a unix-datagram endpoint, replacing any stale socket.
func ListenIPC(path string) (*net.UnixConn, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve ipc path")
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	return conn, errors.Wrapf(err, "could not bind ipc socket %s", path)
}

// DialIPC opens a send-only connection to a unix-datagram endpoint.
func DialIPC(path string) (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve ipc path")
	}
	conn, err := net.DialUnix("unixgram", nil, addr)
	return conn, errors.Wrapf(err, "could not dial ipc socket %s", path)
}
