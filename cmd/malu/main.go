package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"maluvm/vm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "asm":
		err = runAsm(os.Args[2:])
	case "run":
		err = runRun(os.Args[2:])
	case "disasm":
		err = runDisasm(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: malu asm [flags] <source.masm> | malu <run|disasm> [flags] <file.malu|source.masm>")
}

func configureLogging(level string) {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.WarnLevel
	}
	logrus.SetLevel(lv)
}

func runAsm(args []string) error {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	out := fs.String("o", "", "output file (default: stdout)")
	logLevel := fs.String("log-level", "warn", "log level (trace/debug/info/warn/error)")
	fs.Parse(args)
	configureLogging(*logLevel)

	if fs.NArg() != 1 {
		return fmt.Errorf("asm: expected exactly one source file")
	}

	src, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	m, err := vm.Assemble(string(src))
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = os.Stdout.Write(m.Bytes)
		return err
	}
	return os.WriteFile(*out, m.Bytes, 0o644)
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	step := fs.Bool("step", false, "enter single-step debug mode")
	logLevel := fs.String("log-level", "warn", "log level (trace/debug/info/warn/error)")
	fs.Parse(args)
	configureLogging(*logLevel)

	if fs.NArg() != 1 {
		return fmt.Errorf("run: expected exactly one file")
	}

	bytecode, err := loadAsBytecode(fs.Arg(0))
	if err != nil {
		return err
	}

	in, err := vm.NewInterpreter(bytecode)
	if err != nil {
		return err
	}
	host := vm.NewDebugHost(logrus.StandardLogger())

	if *step {
		return debugRepl(in, host)
	}

	_, err = in.Run(host)
	if err != nil {
		return err
	}
	if in.AssertionFailed() {
		fmt.Fprintln(os.Stderr, "dbg_assert failed")
	}
	return nil
}

func runDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	logLevel := fs.String("log-level", "warn", "log level (trace/debug/info/warn/error)")
	fs.Parse(args)
	configureLogging(*logLevel)

	if fs.NArg() != 1 {
		return fmt.Errorf("disasm: expected exactly one file")
	}

	bytecode, err := loadAsBytecode(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(bytecode) < vm.DataStart+vm.CodeStart {
		return fmt.Errorf("disasm: truncated module header")
	}

	decoded := vm.Decode(bytecode[vm.DataStart+vm.CodeStart:])
	for _, d := range decoded {
		fmt.Println(d.Format())
	}
	return nil
}

// loadAsBytecode accepts either an already-assembled .malu binary (magic
// "malu" at offset 0) or a textual .masm source file, assembling it on
// the fly -- this mirrors the teacher's single entry point taking either
// compiled or source files interchangeably.
func loadAsBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".malu") {
		return raw, nil
	}
	m, err := vm.Assemble(string(raw))
	if err != nil {
		return nil, err
	}
	return m.Bytes, nil
}

// debugRepl is a single-step REPL modeled on the teacher's
// RunProgramDebugMode/ExecProgramDebugMode: it drives ExecNextOp one
// instruction at a time, optionally breaking at addresses the user
// requests.
func debugRepl(in *vm.Interpreter, host vm.SyscallHandler) error {
	fmt.Println("commands: n/next, r/run, b/break <addr>, program")
	printState(in)

	reader := bufio.NewReader(os.Stdin)
	waitForInput := true
	breakAddrs := make(map[uint32]struct{})
	lastBreak := uint32(0xFFFFFFFF)

	for {
		line := ""
		if waitForInput {
			fmt.Print("\n-> ")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		} else {
			pc := in.PC()
			if _, ok := breakAddrs[pc]; ok && lastBreak != pc {
				fmt.Println("breakpoint")
				printState(in)
				waitForInput = true
				lastBreak = pc
				continue
			}
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			lastBreak = 0xFFFFFFFF
			if err := in.ExecNextOp(host); err != nil {
				fmt.Println(err)
				return nil
			}
			if waitForInput {
				printState(in)
			}
			if !in.Running() {
				fmt.Println("program finished")
				return nil
			}
		case line == "r" || line == "run":
			waitForInput = false
		case strings.HasPrefix(line, "b"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				fmt.Println("usage: break <addr>")
				continue
			}
			addr, err := strconv.ParseUint(fields[1], 0, 32)
			if err != nil {
				fmt.Println("unknown address:", err)
				continue
			}
			a := uint32(addr)
			if _, ok := breakAddrs[a]; ok {
				delete(breakAddrs, a)
			} else {
				breakAddrs[a] = struct{}{}
			}
		case line == "program":
			for _, d := range vm.Decode(in.InitialBytecode()[vm.CodeStart:]) {
				fmt.Println(d.Format())
			}
		}
	}
}

func printState(in *vm.Interpreter) {
	fmt.Printf("pc=0x%04x  stack=%v\n", in.PC(), in.ValueStack())
}
