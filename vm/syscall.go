package vm

import (
	"bufio"
	"errors"
	"os"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// PrintDebugString is the one syscall id this package gives a concrete
// home to: read (addr, len) off args, print the bytes at that address as
// a string. Host programs are free to define any other id -- the VM
// never interprets the id or the return code itself.
const PrintDebugString uint32 = 0x00

// Status codes returned by DebugHost for PrintDebugString.
const (
	DebugStatusOK          uint32 = 0
	DebugStatusBadAddress  uint32 = 1
	DebugStatusInvalidUTF8 uint32 = 2
)

// ReadString copies len bytes starting at addr out of the interpreter's
// memory and validates them as UTF-8. This is the "read_str" helper a
// syscall handler uses to turn a (pointer, length) pair into a string.
func (in *Interpreter) ReadString(addr, length uint32) (string, error) {
	if int(addr)+int(length) > len(in.memory) {
		return "", errOutOfBounds(addr)
	}
	b := in.memory[addr : addr+length]
	if !utf8.Valid(b) {
		return "", &InterpreterError{Kind: ErrInvalidStringData, Cause: errors.New("invalid utf-8")}
	}
	return string(b), nil
}

// DebugHost is a reference SyscallHandler implementing exactly
// PrintDebugString: it writes the decoded string to an output writer and
// logs it at Info, adapted from the console IO device's "write n bytes
// from address" command down to a single synchronous call (no
// goroutines, no response bus -- the dispatch loop never suspends).
type DebugHost struct {
	out *bufio.Writer
	log *logrus.Logger
}

// NewDebugHost returns a DebugHost writing to stdout.
func NewDebugHost(log *logrus.Logger) *DebugHost {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DebugHost{out: bufio.NewWriter(os.Stdout), log: log}
}

// OnSyscall implements SyscallHandler.
func (h *DebugHost) OnSyscall(in *Interpreter, id uint32, args []uint32) uint32 {
	switch id {
	case PrintDebugString:
		if len(args) < 2 {
			return DebugStatusBadAddress
		}
		addr, length := args[0], args[1]
		s, err := in.ReadString(addr, length)
		if err != nil {
			var ierr *InterpreterError
			if as, ok := err.(*InterpreterError); ok {
				ierr = as
			}
			if ierr != nil && ierr.Kind == ErrInvalidStringData {
				return DebugStatusInvalidUTF8
			}
			return DebugStatusBadAddress
		}
		h.out.WriteString(s)
		h.out.Flush()
		h.log.WithField("syscall", "print_debug_string").Info(s)
		return DebugStatusOK
	default:
		h.log.WithField("syscall_id", id).Warn("malu: unhandled syscall id")
		return DebugStatusBadAddress
	}
}
