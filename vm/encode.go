package vm

import "encoding/binary"

// Module header layout (component C4). All integers little-endian.
const (
	magicBytes = "malu"

	// DataStart is the offset at which the in-memory image begins once the
	// magic is stripped on load.
	DataStart = 0x04
	// CodeStartAddrPos is where entry_pc_addr lives in the header.
	CodeStartAddrPos = 0x08
	// CodeStart is the byte offset of the code section relative to
	// DataStart -- also the base every AbsLabelRef is computed against,
	// since entry_pc_addr and friends are addresses into the in-memory
	// image (which begins at DataStart), not into the raw file.
	CodeStart = 0x0C

	// headerSize is the full on-disk header size (magic + the three u32
	// fields), i.e. the raw file offset where the code section starts.
	headerSize = DataStart + CodeStart

	// MinHeapSize is appended past the code section when an Interpreter is
	// initialized from a Module.
	MinHeapSize = 65536
	// MaxArgs bounds the pending call-argument buffer.
	MaxArgs = 12
)

// Module is the assembled, ready-to-load output of Assemble: a fully
// encoded byte image plus the metadata an interpreter or disassembler
// needs without re-parsing it.
type Module struct {
	Bytes            []byte
	CodeSizeBytes    uint32
	EntryPCAddr      uint32
	InstructionCount uint32
	Labels           []LabelEntry
}

// encodeModule lays out the header and code section per spec: magic,
// code_size_bytes, entry_pc_addr, instruction_count, then the code bytes
// themselves (component C4).
func encodeModule(ops []RawOp, codeSizeBytes, instructionCount, entryPCAddr uint32, labels []LabelEntry) *Module {
	buf := make([]byte, headerSize+codeSizeBytes)
	copy(buf[0:4], magicBytes)
	binary.LittleEndian.PutUint32(buf[4:8], codeSizeBytes)
	binary.LittleEndian.PutUint32(buf[8:12], entryPCAddr)
	binary.LittleEndian.PutUint32(buf[12:16], instructionCount)

	off := headerSize
	for _, op := range ops {
		buf[off] = byte(op.Opcode)
		off++
		switch op.Opcode.Operand() {
		case OperandRegister:
			buf[off] = op.Arg.Register
			off++
		case OperandNumber:
			binary.LittleEndian.PutUint32(buf[off:off+4], op.Arg.Number)
			off += 4
		}
	}

	return &Module{
		Bytes:            buf,
		CodeSizeBytes:    codeSizeBytes,
		EntryPCAddr:      entryPCAddr,
		InstructionCount: instructionCount,
		Labels:           labels,
	}
}
