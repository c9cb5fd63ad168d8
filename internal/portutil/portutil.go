package portutil

import (
	"fmt"
	"net"
)

// FreePort asks the OS for a free TCP port and returns it.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// FreeAddr returns a loopback host:port string with an OS-assigned free
// port, suitable as a listen address in tests.
func FreeAddr() (string, error) {
	port, err := FreePort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}
