package main

import (
	"net"
	"os"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

// sdNotify sends state to the systemd notify socket when running as a
// Type=notify unit.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return xerrors.Wrapf(err, "send %s", state)
	}
	return nil
}
