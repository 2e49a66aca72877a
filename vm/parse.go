package vm

import (
	"strconv"
	"strings"
)

const entryLabelName = "__ENTRY__"

// ArgKind is the shape of an instruction operand before label resolution.
type ArgKind int

const (
	ArgAbsLabelRef ArgKind = iota
	ArgOffLabelRef
	ArgNumber
	ArgRegister
)

// Arg is a parsed-but-not-yet-resolved operand: either a label reference, a
// plain immediate, or (in register position) a register id.
type Arg struct {
	Kind     ArgKind
	Label    string
	Number   int32
	Register uint8
}

type elemKind int

const (
	elemLabel elemKind = iota
	elemOp
)

// element is one parsed statement, still holding unresolved label refs.
// atOffset snapshots op_size_bytes as it stood once this element's own
// bytes were accounted for -- this is what an OffLabelRef on this element
// resolves against.
type element struct {
	kind     elemKind
	line     int
	opcode   Opcode
	arg      *Arg
	atOffset uint32
	label    string
}

// Parser performs the single-pass scan of source text (component C2) and
// the label bookkeeping (component C3). Use Assemble for the normal
// assemble-a-whole-program entry point.
type Parser struct {
	rest string
	line int

	opCount     uint32
	opSizeBytes uint32

	labels     map[string]uint32
	labelOrder []string

	elems []element
}

// NewParser returns a parser positioned at the start of source.
func NewParser(source string) *Parser {
	return &Parser{
		rest:   source,
		line:   1,
		labels: make(map[string]uint32),
	}
}

func (p *Parser) errf(kind AssembleErrorKind) *AssembleError {
	return &AssembleError{Kind: kind, Line: p.line}
}

// skipWhitespace advances past spaces, tabs, CR and LF, counting lines.
func (p *Parser) skipWhitespace() {
	for len(p.rest) > 0 {
		c := p.rest[0]
		switch c {
		case '\n':
			p.line++
			p.rest = p.rest[1:]
		case '\r', ' ', '\t':
			p.rest = p.rest[1:]
		default:
			return
		}
	}
}

// sliceUntil returns everything up to (not including) the next occurrence
// of delim, advancing the cursor past it. ErrMissingDelimiter if delim
// never appears.
func (p *Parser) sliceUntil(delim byte) (string, error) {
	idx := strings.IndexByte(p.rest, delim)
	if idx < 0 {
		return "", p.errf(ErrMissingDelimiter)
	}
	word := p.rest[:idx]
	p.rest = p.rest[idx+1:]
	return word, nil
}

func (p *Parser) countNewlines(s string) {
	p.line += strings.Count(s, "\n")
}

// parseArg interprets one bare argument token: a label reference (@name,
// .name) or an integer literal (0x.., 0b.., decimal, optionally signed).
func (p *Parser) parseArg(tok string) (*Arg, error) {
	if tok == "" {
		return nil, p.errf(ErrMissingArgument)
	}
	switch tok[0] {
	case '@':
		if len(tok) < 2 {
			return nil, p.errf(ErrMissingArgument)
		}
		return &Arg{Kind: ArgAbsLabelRef, Label: tok[1:]}, nil
	case '.':
		if len(tok) < 2 {
			return nil, p.errf(ErrMissingArgument)
		}
		return &Arg{Kind: ArgOffLabelRef, Label: tok[1:]}, nil
	default:
		n, err := parseImmediate(tok)
		if err != nil {
			return nil, &AssembleError{Kind: ErrUnableToParseInt, Line: p.line, Cause: err}
		}
		return &Arg{Kind: ArgNumber, Number: n}, nil
	}
}

// parseImmediate accepts 0xHEX (optionally signed right after the prefix,
// e.g. 0x-7D0), 0bBIN, or decimal with an optional leading +/-. A
// single-character token is always decimal, regardless of what it looks
// like.
func parseImmediate(tok string) (int32, error) {
	if len(tok) == 1 {
		v, err := strconv.ParseInt(tok, 10, 32)
		return int32(v), err
	}
	switch tok[:2] {
	case "0x":
		v, err := strconv.ParseInt(tok[2:], 16, 32)
		return int32(v), err
	case "0b":
		v, err := strconv.ParseInt(tok[2:], 2, 32)
		return int32(v), err
	default:
		v, err := strconv.ParseInt(tok, 10, 32)
		return int32(v), err
	}
}

// parseRegisterArg parses a token that must resolve to a register id
// (0..=255): label refs are rejected as an unexpected immediate-arg size,
// out-of-range numbers are rejected as an invalid register id.
func (p *Parser) parseRegisterArg(tok string) (*Arg, error) {
	arg, err := p.parseArg(tok)
	if err != nil {
		return nil, err
	}
	if arg.Kind != ArgNumber {
		return nil, p.errf(ErrUnexpectedImmArgSize)
	}
	if arg.Number < 0 || arg.Number > 255 {
		return nil, &AssembleError{Kind: ErrUnexpectedRegisterId, Line: p.line, Value: arg.Number}
	}
	return &Arg{Kind: ArgRegister, Register: uint8(arg.Number)}, nil
}

// pushOp appends an op/const element, updating the running byte and
// instruction counters.
func (p *Parser) pushOp(opcode Opcode, arg *Arg) {
	p.opSizeBytes += opcode.SizeBytes()
	p.elems = append(p.elems, element{
		kind:     elemOp,
		line:     p.line,
		opcode:   opcode,
		arg:      arg,
		atOffset: p.opSizeBytes,
	})
	p.opCount++
}

func (p *Parser) pushLabel(name string) error {
	if _, exists := p.labels[name]; exists {
		return &AssembleError{Kind: ErrLabelAlreadyExists, Line: p.line, Name: name}
	}
	p.labels[name] = p.opSizeBytes
	p.labelOrder = append(p.labelOrder, name)
	p.elems = append(p.elems, element{kind: elemLabel, line: p.line, label: name})
	return nil
}

// parseElems runs the full single-cursor scan, producing the element
// stream and the label table. This is the whole of C2's front-end pass.
func (p *Parser) parseElems() error {
	for {
		p.skipWhitespace()
		if len(p.rest) == 0 {
			return nil
		}

		switch p.rest[0] {
		case ':':
			p.rest = p.rest[1:]
			word, err := p.sliceUntil(':')
			if err != nil {
				return err
			}
			p.countNewlines(word)
			if err := p.pushLabel(strings.TrimSpace(word)); err != nil {
				return err
			}

		case '#':
			p.rest = p.rest[1:]
			stmt, err := p.sliceUntil(';')
			if err != nil {
				return err
			}
			p.countNewlines(stmt)
			tok := strings.TrimSpace(stmt)
			arg, err := p.parseArg(tok)
			if err != nil {
				return err
			}
			p.pushOp(OpConst, arg)

		default:
			if err := p.parseInstruction(); err != nil {
				return err
			}
		}
	}
}

// parseInstruction handles "MNEMONIC [ARG] ;".
func (p *Parser) parseInstruction() error {
	stmt, err := p.sliceUntil(';')
	if err != nil {
		return err
	}
	p.countNewlines(stmt)

	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return p.errf(ErrUnknownOperation)
	}
	name := fields[0]
	rest := fields[1:]

	opcode, ok := lookupMnemonic(name)
	if !ok {
		return p.errf(ErrUnknownOperation)
	}

	var arg *Arg
	switch opcode.Operand() {
	case OperandRegister:
		if len(rest) == 0 {
			return p.errf(ErrMissingArgument)
		}
		arg, err = p.parseRegisterArg(rest[0])
		if err != nil {
			return err
		}
		rest = rest[1:]
	case OperandNumber:
		if len(rest) == 0 {
			return p.errf(ErrMissingArgument)
		}
		arg, err = p.parseArg(rest[0])
		if err != nil {
			return err
		}
		rest = rest[1:]
	}

	if len(rest) > 0 {
		return p.errf(ErrTooManyArguments)
	}

	p.pushOp(opcode, arg)
	return nil
}

// RawArg is a resolved instruction operand: either a register id or a
// numeric value (labels already turned into addresses/displacements).
type RawArg struct {
	IsRegister bool
	Register   uint8
	Number     uint32
}

// RawOp is an Op after label resolution, ready to encode.
type RawOp struct {
	Opcode Opcode
	Arg    RawArg
}

// LabelEntry is one resolved label, exposed for disassembly/debugging.
type LabelEntry struct {
	Name     string
	Position uint32
}

// resolve walks the element stream once all labels are known, turning each
// Arg into a RawOp ready for the encoder (C4).
func (p *Parser) resolve() ([]RawOp, error) {
	ops := make([]RawOp, 0, p.opCount)
	for _, e := range p.elems {
		if e.kind == elemLabel {
			continue
		}
		raw := RawOp{Opcode: e.opcode}
		if e.arg != nil {
			ra, err := p.resolveArg(e.arg, e.atOffset, e.line)
			if err != nil {
				return nil, err
			}
			raw.Arg = ra
		}
		ops = append(ops, raw)
	}
	return ops, nil
}

func (p *Parser) resolveArg(arg *Arg, atOffset uint32, line int) (RawArg, error) {
	switch arg.Kind {
	case ArgRegister:
		return RawArg{IsRegister: true, Register: arg.Register}, nil
	case ArgNumber:
		return RawArg{Number: uint32(arg.Number)}, nil
	case ArgAbsLabelRef:
		pos, ok := p.labels[arg.Label]
		if !ok {
			return RawArg{}, &AssembleError{Kind: ErrUnknownLabel, Line: line, Name: arg.Label}
		}
		return RawArg{Number: CodeStart + pos}, nil
	case ArgOffLabelRef:
		pos, ok := p.labels[arg.Label]
		if !ok {
			return RawArg{}, &AssembleError{Kind: ErrUnknownLabel, Line: line, Name: arg.Label}
		}
		return RawArg{Number: uint32(int32(atOffset) - int32(pos))}, nil
	default:
		return RawArg{}, &AssembleError{Kind: ErrUnexpectedImmArgSize, Line: line}
	}
}

// Assemble runs the whole pipeline (C2 parse -> C3 resolve -> C4 encode)
// over one source string and returns a ready-to-load module.
func Assemble(source string) (*Module, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &AssembleError{Kind: ErrEmptySource, Line: 0}
	}

	p := NewParser(source)
	if err := p.parseElems(); err != nil {
		return nil, err
	}
	ops, err := p.resolve()
	if err != nil {
		return nil, err
	}

	// Labels are emitted in insertion order, not sorted by address: two
	// assembles of identical source must be byte-identical, and source
	// order is the only order that's stable across edits that move code
	// around.
	labels := make([]LabelEntry, 0, len(p.labelOrder))
	for _, name := range p.labelOrder {
		labels = append(labels, LabelEntry{Name: name, Position: p.labels[name]})
	}

	entryOffset, hasEntry := p.labels[entryLabelName]
	if !hasEntry {
		entryOffset = 0
	}

	return encodeModule(ops, p.opSizeBytes, p.opCount, CodeStart+entryOffset, labels), nil
}
