package vm

import "testing"

func TestAssembleHeaderIsWellFormed(t *testing.T) {
	m, err := Assemble(`
		:__ENTRY__:
		  #1; #1; add;
		  end;
	`)
	assert(t, err == nil, "unexpected assemble error: %v", err)
	assert(t, string(m.Bytes[0:4]) == magicBytes, "bad magic: %q", m.Bytes[0:4])
	assert(t, m.CodeSizeBytes == uint32(len(m.Bytes))-headerSize, "code size mismatch")
	assert(t, m.InstructionCount == 4, "expected 4 instructions (const, const, add, end), got %d", m.InstructionCount)
	assert(t, m.EntryPCAddr == CodeStart, "entry with no offset should sit at CODE_START")
}

func TestAbsLabelRefResolvesToCodeStartPlusPosition(t *testing.T) {
	m, err := Assemble(`
		:__ENTRY__:
		  #@target;
		  jmp;
		:target:
		  end;
	`)
	assert(t, err == nil, "unexpected assemble error: %v", err)
	decoded := Decode(m.Bytes[headerSize:])
	assert(t, len(decoded) == 3, "expected 3 decoded ops, got %d", len(decoded))
	assert(t, decoded[0].Opcode == OpConst, "@target should lower to const")
	// :target: sits right before the `end` op.
	wantAddr := CodeStart + decoded[2].Offset
	assert(t, decoded[0].Arg.Number == wantAddr, "abs label ref = 0x%x, want 0x%x", decoded[0].Arg.Number, wantAddr)
}

func TestOffLabelRefIsSignedDisplacement(t *testing.T) {
	m, err := Assemble(`
		:top:
		  nop;
		  #.top;
		  end;
	`)
	assert(t, err == nil, "unexpected assemble error: %v", err)
	decoded := Decode(m.Bytes[headerSize:])
	// nop (1 byte) then const .top (5 bytes): atOffset snapshot is 1+5=6,
	// top label sits at position 0, so displacement is 6.
	assert(t, decoded[1].Arg.Number == 6, "off label ref = %d, want 6", decoded[1].Arg.Number)
}

func TestLabelsSurfaceInInsertionOrder(t *testing.T) {
	m, err := Assemble(`
		:zzz:
		  nop;
		:aaa:
		  nop;
		:__ENTRY__:
		  end;
	`)
	assert(t, err == nil, "unexpected assemble error: %v", err)
	assert(t, len(m.Labels) == 3, "expected 3 labels, got %d", len(m.Labels))
	assert(t, m.Labels[0].Name == "zzz", "expected zzz first (insertion order), got %s", m.Labels[0].Name)
	assert(t, m.Labels[1].Name == "aaa", "expected aaa second (insertion order), got %s", m.Labels[1].Name)
}

func TestConstShorthand(t *testing.T) {
	m, err := Assemble(`
		:__ENTRY__:
		  #42;
		  end;
	`)
	assert(t, err == nil, "unexpected assemble error: %v", err)
	decoded := Decode(m.Bytes[headerSize:])
	assert(t, decoded[0].Opcode == OpConst, "shorthand should lower to const")
	assert(t, decoded[0].Arg.Number == 42, "expected 42, got %d", decoded[0].Arg.Number)
}

func TestRegisterOutOfRangeIsRejected(t *testing.T) {
	_, err := Assemble(`
		:__ENTRY__:
		  local_get 256;
		  end;
	`)
	var aerr *AssembleError
	if as, ok := err.(*AssembleError); ok {
		aerr = as
	}
	assert(t, aerr != nil && aerr.Kind == ErrUnexpectedRegisterId, "expected unexpected register id, got %v", err)
}

func TestMissingDelimiterIsRejected(t *testing.T) {
	_, err := Assemble(`:__ENTRY__: end`)
	var aerr *AssembleError
	if as, ok := err.(*AssembleError); ok {
		aerr = as
	}
	assert(t, aerr != nil && aerr.Kind == ErrMissingDelimiter, "expected missing delimiter, got %v", err)
}

func TestUnknownMnemonicIsRejected(t *testing.T) {
	_, err := Assemble(`:__ENTRY__: frobnicate;`)
	var aerr *AssembleError
	if as, ok := err.(*AssembleError); ok {
		aerr = as
	}
	assert(t, aerr != nil && aerr.Kind == ErrUnknownOperation, "expected unknown operation, got %v", err)
}

func TestHexWithEmbeddedSign(t *testing.T) {
	n, err := parseImmediate("0x-7D0")
	assert(t, err == nil, "unexpected parse error: %v", err)
	assert(t, n == -2000, "expected -2000, got %d", n)
}

func TestSingleCharIsAlwaysDecimal(t *testing.T) {
	n, err := parseImmediate("5")
	assert(t, err == nil, "unexpected parse error: %v", err)
	assert(t, n == 5, "expected 5, got %d", n)
}
