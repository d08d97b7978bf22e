// Package fileport implements the guest-to-host file protocol spoken
// on port 0x278: a stateful stream of OPEN/CLOSE/READ/WRITE commands
// through which guests operate on host files. One engine exists per
// guest; a process-wide mutex serializes file traffic across guests,
// held from the opcode that starts an operation until the operation
// finishes.
package fileport

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Port is the guest I/O port the protocol is spoken on.
const Port = 0x278

// Command opcodes, sent by the guest as 32-bit OUTs.
const (
	opFinish = 0
	opOpen   = 1
	opClose  = 2
	opRead   = 3
	opWrite  = 4
)

// EOFByte is handed to the guest on a byte read past end of file or
// on a read with no selected file.
const EOFByte = 0xFF

// maxNameLen bounds the guest-supplied filename buffer.
const maxNameLen = 256

type state int

const (
	idle state = iota
	inOpen
	inClose
	inRead
	inWrite
)

// entry is one open file in a guest's table. The guest-visible
// descriptor is the host descriptor number; -1 marks a failed open.
type entry struct {
	file     *os.File
	fd       int
	flags    uint32
	mode     uint32
	flagsSet bool
	opened   bool
	name     []byte
}

// hostName returns the filename the guest sent, up to its null
// terminator.
func (e *entry) hostName() string {
	for i, b := range e.name {
		if b == 0 {
			return string(e.name[:i])
		}
	}

	return string(e.name)
}

// Engine decodes one guest's file-port stream. It is driven only by
// that guest's run-loop thread; the shared mutex exists to exclude
// the other guests' engines, not concurrent calls on this one.
type Engine struct {
	id      int
	mu      *sync.Mutex
	state   state
	current *entry
	entries []*entry
	log     *logrus.Entry
}

// New returns an engine for guest id sharing the process-wide file
// mutex mu.
func New(id int, mu *sync.Mutex) *Engine {
	return &Engine{
		id:  id,
		mu:  mu,
		log: logrus.WithFields(logrus.Fields{"component": "fileport", "guest": id}),
	}
}

// Out handles an OUT exit on the file port. Access width selects the
// meaning: 32-bit writes carry opcodes, descriptors, flags and mode;
// 8-bit writes carry filename and payload bytes.
func (e *Engine) Out(port uint64, bytes []byte) error {
	switch len(bytes) {
	case 4:
		e.outWord(binary.LittleEndian.Uint32(bytes))
	case 1:
		e.outByte(bytes[0])
	}

	return nil
}

// In handles an IN exit on the file port: the result of the pending
// operation is written into the guest's payload slot.
func (e *Engine) In(port uint64, bytes []byte) error {
	switch len(bytes) {
	case 4:
		e.inWord(bytes)
	case 1:
		e.inByte(bytes)
	}

	return nil
}

func (e *Engine) outWord(v uint32) {
	switch e.state {
	case idle:
		switch v {
		case opOpen:
			e.mu.Lock()
			ent := &entry{fd: -1}
			e.entries = append(e.entries, ent)
			e.current = ent
			e.state = inOpen
		case opClose:
			e.mu.Lock()
			e.current = nil
			e.state = inClose
		case opRead:
			e.mu.Lock()
			e.current = nil
			e.state = inRead
		case opWrite:
			e.mu.Lock()
			e.current = nil
			e.state = inWrite
		}

	case inOpen:
		ent := e.current
		if ent == nil {
			return
		}

		switch {
		case !ent.flagsSet:
			ent.flags = v
			ent.flagsSet = true
		case !ent.opened:
			ent.mode = v
			e.hostOpen(ent)
			ent.opened = true
		case v == opFinish:
			e.finish()
		}

	case inClose, inRead, inWrite:
		// FINISH shadows descriptor 0 here; only IDLE treats 0 as
		// data. Host descriptors never come out as 0, so nothing is
		// lost.
		if v == opFinish {
			e.finish()

			return
		}

		e.current = e.lookup(int(int32(v)))
	}
}

func (e *Engine) outByte(b byte) {
	switch e.state {
	case inOpen:
		if e.current != nil && len(e.current.name) < maxNameLen {
			// The terminating null is stored with the name.
			e.current.name = append(e.current.name, b)
		}

	case inWrite:
		if e.current == nil || e.current.file == nil {
			// No selected file: the byte is dropped.
			return
		}

		if _, err := e.current.file.Write([]byte{b}); err != nil {
			e.log.WithError(err).Warn("write byte")
		}
	}
}

func (e *Engine) inWord(bytes []byte) {
	switch e.state {
	case inOpen:
		fd := -1
		if e.current != nil {
			fd = e.current.fd
		}

		binary.LittleEndian.PutUint32(bytes, uint32(int32(fd)))
		e.finish()

	case inClose:
		status := int32(-1)

		if e.current != nil {
			if e.current.file != nil {
				if err := e.current.file.Close(); err == nil {
					status = 0
				}
			}

			e.remove(e.current)
			e.current = nil
		}

		binary.LittleEndian.PutUint32(bytes, uint32(status))
	}
}

func (e *Engine) inByte(bytes []byte) {
	if e.state != inRead {
		return
	}

	bytes[0] = EOFByte

	if e.current == nil || e.current.file == nil {
		return
	}

	var one [1]byte
	if n, _ := e.current.file.Read(one[:]); n == 1 {
		bytes[0] = one[0]
	}
}

// hostOpen resolves the guest's filename against the host filesystem
// once flags and mode have both arrived.
//
// Writes are isolated per guest at file granularity: a write-capable
// open materializes an empty private copy named vm_<id>_<name> and
// uses it, while a read-only open falls through to the shared
// original when no private copy exists yet.
func (e *Engine) hostOpen(ent *entry) {
	name := ent.hostName()
	private := fmt.Sprintf("vm_%d_%s", e.id, name)
	flags := int(ent.flags)
	mode := os.FileMode(ent.mode & 0o777)

	var (
		f   *os.File
		err error
	)

	switch {
	case exists(private):
		f, err = os.OpenFile(private, flags, mode)
	case ent.flags&(unix.O_RDWR|unix.O_WRONLY|unix.O_TRUNC|unix.O_APPEND) != 0:
		if cerr := touch(private); cerr != nil {
			err = cerr

			break
		}

		f, err = os.OpenFile(private, flags, mode)
	default:
		f, err = os.OpenFile(name, flags, mode)
	}

	if err != nil {
		// Surfaced to the guest as fd -1, never fatal to us.
		e.log.WithError(err).Warnf("open %q", name)
		ent.fd = -1

		return
	}

	ent.file = f
	ent.fd = int(f.Fd())
}

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// touch creates an empty file with mode 0777, the materialization
// step for a guest's private copy.
func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o777)
	if err != nil {
		return errors.Wrapf(err, "materialize %q", path)
	}

	return f.Close()
}

func (e *Engine) lookup(fd int) *entry {
	for _, ent := range e.entries {
		if ent.fd == fd {
			return ent
		}
	}

	return nil
}

func (e *Engine) remove(ent *entry) {
	for i := range e.entries {
		if e.entries[i] == ent {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)

			return
		}
	}
}

// finish returns the engine to IDLE and releases the shared mutex.
// Every path out of a file-port operation funnels through here, so
// the mutex cannot leak.
func (e *Engine) finish() {
	if e.state == idle {
		return
	}

	e.state = idle
	e.current = nil
	e.mu.Unlock()
}

// Shutdown closes out a terminated guest: any operation in flight
// releases the shared mutex and all remaining table entries are
// closed host-side, so a dead guest cannot wedge the others' file
// traffic.
func (e *Engine) Shutdown() {
	e.finish()

	for _, ent := range e.entries {
		if ent.file != nil {
			if err := ent.file.Close(); err != nil {
				e.log.WithError(err).Warnf("close fd %d", ent.fd)
			}
		}
	}

	e.entries = nil
}
