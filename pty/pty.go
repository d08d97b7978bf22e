// Package pty allocates pseudo-terminal pairs. Each guest's debug
// console is backed by one: the hypervisor keeps the master side and
// a user attaches a terminal program to the slave device.
package pty

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pty is the master side of a pseudo-terminal pair. It satisfies
// io.ReadWriter: writes surface on the slave device, reads return
// what a client wrote there.
type Pty struct {
	master *os.File
	slave  string
}

// Open allocates a new pseudo-terminal and unlocks its slave side.
func Open() (*Pty, error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var n uint32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.TIOCGPTN, uintptr(unsafe.Pointer(&n))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("TIOCGPTN: %w", errno)
	}

	var unlock int32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.TIOCSPTLCK, uintptr(unsafe.Pointer(&unlock))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("TIOCSPTLCK: %w", errno)
	}

	return &Pty{
		master: os.NewFile(uintptr(fd), "/dev/ptmx"),
		slave:  fmt.Sprintf("/dev/pts/%d", n),
	}, nil
}

// SlaveName returns the path of the slave device to attach to.
func (p *Pty) SlaveName() string {
	return p.slave
}

func (p *Pty) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

func (p *Pty) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Close releases the master side; the slave device disappears with
// it.
func (p *Pty) Close() error {
	return p.master.Close()
}
