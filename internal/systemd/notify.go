package systemd

import (
	"net"
	"os"
)

// Notify sends state to the service manager over $NOTIFY_SOCKET. It
// returns false without error when the process was not started with a
// notification socket.
func Notify(state string) (bool, error) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return false, nil
	}

	// Abstract namespace sockets are announced with a leading '@'.
	if socket[0] == '@' {
		socket = "\x00" + socket[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}

// Ready tells the service manager startup has finished.
func Ready() (bool, error) {
	return Notify("READY=1")
}

// Status publishes a free-form status line.
func Status(status string) (bool, error) {
	return Notify("STATUS=" + status)
}
