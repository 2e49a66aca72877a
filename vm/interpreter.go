package vm

import (
	"encoding/binary"
	"math"

	"github.com/sirupsen/logrus"
)

// Frame is one call-stack entry: a fixed bank of locals plus the address
// execution resumes at on return. The bottom frame's ReturnAddr is the
// sentinel 0, which return treats as "stop the program".
type Frame struct {
	Locals     [64]uint32
	ReturnAddr uint32
}

// SyscallHandler is the single host capability a running program can
// reach for: it receives the interpreter (so it can read/write memory),
// the syscall id, and a snapshot of the pending call arguments, and
// returns a status code that gets pushed back onto the value stack.
type SyscallHandler interface {
	OnSyscall(in *Interpreter, id uint32, args []uint32) uint32
}

// Interpreter is the whole of the VM's mutable state plus the dispatch
// loop over it (component C6).
type Interpreter struct {
	valueStack  []uint32
	returnStack []Frame
	memory      []byte
	pc          uint32
	globals     [64]uint32
	args        []uint32
	running     bool
	assertFail  bool

	bytecodeLen uint32 // length of memory[0:bytecodeLen], for disassembly/observability

	log *logrus.Logger
}

// InterpreterOption customizes a newly constructed Interpreter.
type InterpreterOption func(*Interpreter)

// WithLogger overrides the interpreter's logger (default: logrus's
// standard logger, matching the CLI's global configuration).
func WithLogger(log *logrus.Logger) InterpreterOption {
	return func(in *Interpreter) { in.log = log }
}

// NewInterpreter loads a module image and returns a ready-to-run
// interpreter, per the initialization rules in the module format spec.
func NewInterpreter(bytecode []byte, opts ...InterpreterOption) (*Interpreter, error) {
	in := &Interpreter{
		valueStack:  make([]uint32, 0, 16384),
		returnStack: make([]Frame, 0, 20),
		args:        make([]uint32, 0, MaxArgs),
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(in)
	}
	if err := in.resetAll(bytecode); err != nil {
		return nil, err
	}
	return in, nil
}

// resetAll validates the header and (re)initializes all interpreter
// state from bytecode -- used both by NewInterpreter and by the public
// Reset entry point.
func (in *Interpreter) resetAll(bytecode []byte) error {
	if len(bytecode) < CodeStart || string(bytecode[0:4]) != magicBytes {
		return &InterpreterError{Kind: ErrInvalidBytecodeHeader}
	}

	image := bytecode[DataStart:]
	mem := make([]byte, len(image)+MinHeapSize)
	copy(mem, image)

	in.memory = mem
	in.bytecodeLen = uint32(len(image))
	in.valueStack = in.valueStack[:0]
	in.returnStack = append(in.returnStack[:0], Frame{ReturnAddr: 0})
	in.args = in.args[:0]
	in.globals = [64]uint32{}
	in.running = false
	in.assertFail = false
	in.pc = binary.LittleEndian.Uint32(in.memory[CodeStartAddrPos-DataStart : CodeStartAddrPos-DataStart+4])

	in.log.WithField("entry_pc", in.pc).Debug("malu: interpreter reset")
	return nil
}

// Reset re-initializes the interpreter against a (possibly different)
// module image, matching reset_all's contract: clear stacks, args and
// flags, zero-fill memory, re-copy the image, push the bottom frame, and
// reload entry_pc_addr fresh from that image rather than caching it.
func (in *Interpreter) Reset(bytecode []byte) error {
	return in.resetAll(bytecode)
}

// LoadModule is a convenience constructor taking an already-assembled
// Module instead of a raw byte slice.
func LoadModule(m *Module, opts ...InterpreterOption) (*Interpreter, error) {
	return NewInterpreter(m.Bytes, opts...)
}

// PC returns the current program counter, for debuggers/disassemblers.
func (in *Interpreter) PC() uint32 { return in.pc }

// ValueStack returns the live value stack. Callers must not retain a
// mutable reference across further execution steps.
func (in *Interpreter) ValueStack() []uint32 { return in.valueStack }

// Globals returns the 64-entry global register file.
func (in *Interpreter) Globals() [64]uint32 { return in.globals }

// AssertionFailed reports whether a dbg_assert has ever failed since the
// last reset.
func (in *Interpreter) AssertionFailed() bool { return in.assertFail }

// Running reports whether the dispatch loop would still continue.
func (in *Interpreter) Running() bool { return in.running }

// InitialBytecode exposes memory[0:bytecodeLen] for disassembly views.
func (in *Interpreter) InitialBytecode() []byte {
	return in.memory[:in.bytecodeLen]
}

func (in *Interpreter) frame() *Frame {
	return &in.returnStack[len(in.returnStack)-1]
}

func (in *Interpreter) push(v uint32) {
	in.valueStack = append(in.valueStack, v)
}

func (in *Interpreter) pop() (uint32, error) {
	n := len(in.valueStack)
	if n == 0 {
		return 0, &InterpreterError{Kind: ErrUnexpectedValStackEmpty}
	}
	v := in.valueStack[n-1]
	in.valueStack = in.valueStack[:n-1]
	return v, nil
}

func (in *Interpreter) readImmU8(off uint32) (uint8, error) {
	addr := in.pc + off
	if int(addr) >= len(in.memory) {
		return 0, errOutOfBounds(addr)
	}
	return in.memory[addr], nil
}

func (in *Interpreter) readImmU32(off uint32) (uint32, error) {
	addr := in.pc + off
	if int(addr)+4 > len(in.memory) {
		return 0, errOutOfBounds(addr)
	}
	return binary.LittleEndian.Uint32(in.memory[addr : addr+4]), nil
}

func (in *Interpreter) loadN(base, off, n uint32) (uint32, error) {
	addr := base + off
	if int(addr)+int(n) > len(in.memory) {
		return 0, errOutOfBounds(addr)
	}
	var v uint32
	for i := uint32(0); i < n; i++ {
		v |= uint32(in.memory[addr+i]) << (8 * i)
	}
	return v, nil
}

func (in *Interpreter) storeN(base, off, value, n uint32) error {
	addr := base + off
	if int(addr)+int(n) > len(in.memory) {
		return errOutOfBounds(addr)
	}
	for i := uint32(0); i < n; i++ {
		in.memory[addr+i] = byte(value >> (8 * i))
	}
	return nil
}

// Run sets running = true and repeats ExecNextOp until it's false or a
// fatal error is returned, then hands back the final value stack. This
// is the whole of the dispatch loop's public contract; single-stepping
// callers (the CLI's debug REPL) drive ExecNextOp directly instead.
func (in *Interpreter) Run(handler SyscallHandler) ([]uint32, error) {
	in.running = true
	for in.running {
		if err := in.ExecNextOp(handler); err != nil {
			in.log.WithError(err).WithField("pc", in.pc).Error("malu: dispatch loop aborted")
			return in.valueStack, err
		}
	}
	return in.valueStack, nil
}

// ExecNextOp reads the opcode at pc, dispatches it, and advances pc
// per the per-opcode rules. It is exported as the single-step entry
// point a debugger drives between its own scheduling ticks.
func (in *Interpreter) ExecNextOp(handler SyscallHandler) error {
	if int(in.pc) >= len(in.memory) {
		return errOutOfBounds(in.pc)
	}
	op := Opcode(in.memory[in.pc])

	in.log.WithFields(logrus.Fields{
		"pc": in.pc, "op": op, "depth": len(in.valueStack),
	}).Trace("malu: step")

	switch op {
	case OpNop:
		in.pc++

	case OpEnd:
		in.running = false

	case OpUnreachable:
		return &InterpreterError{Kind: ErrReachedUnreachable}

	case OpDrop:
		if _, err := in.pop(); err != nil {
			return err
		}
		in.pc++

	case OpConst:
		imm, err := in.readImmU32(1)
		if err != nil {
			return err
		}
		in.push(imm)
		in.pc += 5

	case OpJmp:
		addr, err := in.pop()
		if err != nil {
			return err
		}
		if int(addr) >= len(in.memory) {
			return &InterpreterError{Kind: ErrInvalidJumpAddr, Addr: addr}
		}
		in.pc = addr

	case OpJmpIf:
		addr, err := in.pop()
		if err != nil {
			return err
		}
		cond, err := in.pop()
		if err != nil {
			return err
		}
		if cond != 0 {
			if int(addr) >= len(in.memory) {
				return &InterpreterError{Kind: ErrInvalidJumpAddr, Addr: addr}
			}
			in.pc = addr
		} else {
			in.pc++
		}

	case OpBranch:
		off, err := in.pop()
		if err != nil {
			return err
		}
		target := in.pc + off
		if int(target) >= len(in.memory) {
			return &InterpreterError{Kind: ErrInvalidJumpAddr, Addr: target}
		}
		in.pc = target

	case OpBranchIf:
		off, err := in.pop()
		if err != nil {
			return err
		}
		cond, err := in.pop()
		if err != nil {
			return err
		}
		if cond != 0 {
			target := in.pc + off
			if int(target) >= len(in.memory) {
				return &InterpreterError{Kind: ErrInvalidJumpAddr, Addr: target}
			}
			in.pc = target
		} else {
			in.pc++
		}

	case OpLocalGet:
		id, err := in.readImmU8(1)
		if err != nil {
			return err
		}
		if int(id) >= len(in.frame().Locals) {
			return &InterpreterError{Kind: ErrInvalidLocalId, ID: id}
		}
		in.push(in.frame().Locals[id])
		in.pc += 2

	case OpLocalSet:
		id, err := in.readImmU8(1)
		if err != nil {
			return err
		}
		if int(id) >= len(in.frame().Locals) {
			return &InterpreterError{Kind: ErrInvalidLocalId, ID: id}
		}
		v, err := in.pop()
		if err != nil {
			return err
		}
		in.frame().Locals[id] = v
		in.pc += 2

	case OpLocalTee:
		id, err := in.readImmU8(1)
		if err != nil {
			return err
		}
		if int(id) >= len(in.frame().Locals) {
			return &InterpreterError{Kind: ErrInvalidLocalId, ID: id}
		}
		if len(in.valueStack) == 0 {
			return &InterpreterError{Kind: ErrUnexpectedValStackEmpty}
		}
		in.frame().Locals[id] = in.valueStack[len(in.valueStack)-1]
		in.pc += 2

	case OpGlobalGet:
		id, err := in.readImmU8(1)
		if err != nil {
			return err
		}
		if int(id) >= len(in.globals) {
			return &InterpreterError{Kind: ErrInvalidGlobalId, ID: id}
		}
		in.push(in.globals[id])
		in.pc += 2

	case OpGlobalSet:
		id, err := in.readImmU8(1)
		if err != nil {
			return err
		}
		if int(id) >= len(in.globals) {
			return &InterpreterError{Kind: ErrInvalidGlobalId, ID: id}
		}
		v, err := in.pop()
		if err != nil {
			return err
		}
		in.globals[id] = v
		in.pc += 2

	case OpGlobalTee:
		id, err := in.readImmU8(1)
		if err != nil {
			return err
		}
		if int(id) >= len(in.globals) {
			return &InterpreterError{Kind: ErrInvalidGlobalId, ID: id}
		}
		if len(in.valueStack) == 0 {
			return &InterpreterError{Kind: ErrUnexpectedValStackEmpty}
		}
		in.globals[id] = in.valueStack[len(in.valueStack)-1]
		in.pc += 2

	case OpEq, OpAdd, OpSub, OpDivS, OpDivU, OpMul, OpGt, OpLt, OpGe, OpLe,
		OpShiftR, OpShiftL, OpAnd, OpOr, OpXor:
		b, err := in.pop()
		if err != nil {
			return err
		}
		a, err := in.pop()
		if err != nil {
			return err
		}
		result, err := evalBinOp(op, a, b)
		if err != nil {
			return err
		}
		in.push(result)
		in.pc++

	case OpEqz:
		a, err := in.pop()
		if err != nil {
			return err
		}
		in.push(boolU32(a == 0))
		in.pc++

	case OpNeg:
		a, err := in.pop()
		if err != nil {
			return err
		}
		in.push(uint32(-int32(a)))
		in.pc++

	case OpStore8, OpStore16, OpStore32:
		off, err := in.readImmU32(1)
		if err != nil {
			return err
		}
		value, err := in.pop()
		if err != nil {
			return err
		}
		base, err := in.pop()
		if err != nil {
			return err
		}
		if err := in.storeN(base, off, value, storeWidth(op)); err != nil {
			return err
		}
		in.pc += 5

	case OpLoad8U, OpLoad8S, OpLoad16S, OpLoad16U, OpLoad32S, OpLoad32U:
		off, err := in.readImmU32(1)
		if err != nil {
			return err
		}
		base, err := in.pop()
		if err != nil {
			return err
		}
		width, signed := loadWidth(op)
		raw, err := in.loadN(base, off, width)
		if err != nil {
			return err
		}
		in.push(extend(raw, width, signed))
		in.pc += 5

	case OpExtend8to32S, OpExtend16to32S, OpExtend8to32U, OpExtend16to32U:
		a, err := in.pop()
		if err != nil {
			return err
		}
		width, signed := extendWidth(op)
		in.push(extend(maskLow(a, width), width, signed))
		in.pc++

	case OpPushArg:
		v, err := in.pop()
		if err != nil {
			return err
		}
		if len(in.args) >= MaxArgs {
			return &InterpreterError{Kind: ErrArgStackFull}
		}
		in.args = append(in.args, v)
		in.pc++

	case OpCall:
		addr, err := in.pop()
		if err != nil {
			return err
		}
		var f Frame
		f.ReturnAddr = in.pc + 1
		copy(f.Locals[:], in.args)
		in.args = in.args[:0]
		in.returnStack = append(in.returnStack, f)
		in.pc = addr

	case OpReturn:
		if len(in.returnStack) == 0 {
			return &InterpreterError{Kind: ErrUnexpectedEmptyFrameStack}
		}
		f := in.returnStack[len(in.returnStack)-1]
		in.returnStack = in.returnStack[:len(in.returnStack)-1]
		if f.ReturnAddr == 0 {
			in.running = false
		} else {
			in.pc = f.ReturnAddr
		}

	case OpDbgAssert:
		cond, err := in.pop()
		if err != nil {
			return err
		}
		if cond != 0 {
			in.pc++
		} else {
			in.assertFail = true
			in.running = false
			in.log.WithField("pc", in.pc).Warn("malu: dbg_assert failed")
		}

	case OpSyscall:
		id, err := in.pop()
		if err != nil {
			return err
		}
		snapshot := append([]uint32(nil), in.args...)
		in.args = in.args[:0]
		if handler == nil {
			return &InterpreterError{Kind: ErrIllegalInstruction}
		}
		ret := handler.OnSyscall(in, id, snapshot)
		in.push(ret)
		in.pc++

	default:
		return &InterpreterError{Kind: ErrIllegalInstruction}
	}

	return nil
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func evalBinOp(op Opcode, a, b uint32) (uint32, error) {
	switch op {
	case OpEq:
		return boolU32(a == b), nil
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDivU:
		if b == 0 {
			return 0, &InterpreterError{Kind: ErrDivisionByZero}
		}
		return a / b, nil
	case OpDivS:
		if b == 0 {
			return 0, &InterpreterError{Kind: ErrDivisionByZero}
		}
		if int32(a) == math.MinInt32 && int32(b) == -1 {
			return 0, &InterpreterError{Kind: ErrDivisionByZero}
		}
		return uint32(int32(a) / int32(b)), nil
	case OpGt:
		return boolU32(a > b), nil
	case OpLt:
		return boolU32(a < b), nil
	case OpGe:
		return boolU32(a >= b), nil
	case OpLe:
		return boolU32(a <= b), nil
	case OpShiftR:
		return a >> (b & 31), nil
	case OpShiftL:
		return a << (b & 31), nil
	case OpAnd:
		return a & b, nil
	case OpOr:
		return a | b, nil
	case OpXor:
		return a ^ b, nil
	default:
		return 0, &InterpreterError{Kind: ErrIllegalInstruction}
	}
}

func storeWidth(op Opcode) uint32 {
	switch op {
	case OpStore8:
		return 1
	case OpStore16:
		return 2
	default:
		return 4
	}
}

func loadWidth(op Opcode) (width uint32, signed bool) {
	switch op {
	case OpLoad8U:
		return 1, false
	case OpLoad8S:
		return 1, true
	case OpLoad16U:
		return 2, false
	case OpLoad16S:
		return 2, true
	case OpLoad32U:
		return 4, false
	default: // OpLoad32S
		return 4, true
	}
}

func extendWidth(op Opcode) (width uint32, signed bool) {
	switch op {
	case OpExtend8to32S:
		return 1, true
	case OpExtend8to32U:
		return 1, false
	case OpExtend16to32S:
		return 2, true
	default: // OpExtend16to32U
		return 2, false
	}
}

func maskLow(v, width uint32) uint32 {
	if width >= 4 {
		return v
	}
	return v & (1<<(8*width) - 1)
}

func extend(raw, width uint32, signed bool) uint32 {
	if width >= 4 {
		return raw
	}
	if !signed {
		return raw
	}
	shift := 32 - 8*width
	return uint32(int32(raw<<shift) >> shift)
}
