//go:build unix

package secchan

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func (t *netTransport) readNow(p []byte) (int, error) {
	var n int
	var opErr error
	err := t.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch {
	case opErr == unix.EAGAIN || opErr == unix.EINTR:
		return 0, nil
	case opErr != nil:
		return 0, os.NewSyscallError("read", opErr)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (t *netTransport) writeNow(p []byte) (int, error) {
	var n int
	var opErr error
	err := t.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr == unix.EAGAIN || opErr == unix.EINTR {
		return 0, nil
	}
	if opErr != nil {
		return 0, os.NewSyscallError("write", opErr)
	}
	return max(n, 0), nil
}
