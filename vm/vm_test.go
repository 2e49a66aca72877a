package vm

import (
	"fmt"
	"math"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

func assembleAndRun(t *testing.T, source string) (*Interpreter, error) {
	t.Helper()
	m, err := Assemble(source)
	assert(t, err == nil, "failed to assemble: %v", err)

	in, err := LoadModule(m)
	assert(t, err == nil, "failed to load module: %v", err)

	_, runErr := in.Run(nil)
	return in, runErr
}

func top(in *Interpreter) uint32 {
	vs := in.ValueStack()
	return vs[len(vs)-1]
}

func TestHelloWorldAddNumbers(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #1; #1; add;
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 2, "expected 2, got %d", top(in))
}

func TestGlobalsAndLocals(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #41;
		  global_set 0;
		  global_get 0;
		  local_set 0;
		  local_get 0;
		  #1;
		  add;
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 42, "expected 42, got %d", top(in))
}

func TestLoadStore(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #0x100;
		  #0xAB;
		  store_8 0;
		  #0x100;
		  load_8_u 0;
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 0xAB, "expected 0xAB, got 0x%x", top(in))
}

func TestCallFunctionWithParams(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #3; #4;
		  push_arg; push_arg;
		  #@add_two;
		  call;
		  end;
		:add_two:
		  local_get 0;
		  local_get 1;
		  add;
		  return;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 7, "expected 7, got %d", top(in))
}

func TestSimpleIfElse(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #1;
		  #@else_branch;
		  jmp_if;
		  #111;
		  #@done;
		  jmp;
		:else_branch:
		  #222;
		:done:
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 222, "expected 222, got %d", top(in))
}

func TestSimpleLoop(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #0;
		  global_set 0;
		:loop:
		  global_get 0;
		  #1;
		  add;
		  global_tee 0;
		  #10;
		  lt;
		  #@loop;
		  jmp_if;
		  global_get 0;
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 10, "expected 10, got %d", top(in))
}

func TestRecursion(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #5;
		  push_arg;
		  #@factorial;
		  call;
		  end;
		:factorial:
		  local_get 0;
		  #1;
		  le;
		  #@base_case;
		  jmp_if;
		  local_get 0;
		  local_get 0;
		  #1;
		  sub;
		  push_arg;
		  #@factorial;
		  call;
		  mul;
		  return;
		:base_case:
		  #1;
		  return;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 120, "expected 120, got %d", top(in))
}

func TestAssertions(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #1;
		  dbg_assert;
		  #99;
		  #0;
		  dbg_assert;
		  #1;
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, in.AssertionFailed(), "expected assertion_failed to be set")
	assert(t, top(in) == 99, "expected stack preserved at 99, got %d", top(in))
}

func TestLocalIdOutOfRangeIsInvalidLocalId(t *testing.T) {
	_, err := assembleAndRun(t, `
		:__ENTRY__:
		  local_get 100;
		  end;
	`)
	var ierr *InterpreterError
	as, ok := err.(*InterpreterError)
	if ok {
		ierr = as
	}
	assert(t, ierr != nil && ierr.Kind == ErrInvalidLocalId, "expected invalid local id, got %v", err)
}

func TestSignedDivisionOverflowIsFatal(t *testing.T) {
	_, err := assembleAndRun(t, fmt.Sprintf(`
		:__ENTRY__:
		  #%d;
		  #-1;
		  div_s;
		  end;
	`, int32(math.MinInt32)))
	var ierr *InterpreterError
	as, ok := err.(*InterpreterError)
	if ok {
		ierr = as
	}
	assert(t, ierr != nil && ierr.Kind == ErrDivisionByZero, "expected fatal overflow error, got %v", err)
}

func TestComparisonsAreUnsigned(t *testing.T) {
	in, err := assembleAndRun(t, `
		:__ENTRY__:
		  #0x80000000;
		  #1;
		  gt;
		  end;
	`)
	assert(t, err == nil, "unexpected run error: %v", err)
	assert(t, top(in) == 1, "0x80000000 > 1 unsigned should be true, got %d", top(in))
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	_, err := assembleAndRun(t, `
		:__ENTRY__:
		  #1; #0; div_u;
		  end;
	`)
	var ierr *InterpreterError
	as, ok := err.(*InterpreterError)
	if ok {
		ierr = as
	}
	assert(t, ierr != nil && ierr.Kind == ErrDivisionByZero, "expected division by zero, got %v", err)
}

func TestUnreachableIsFatal(t *testing.T) {
	_, err := assembleAndRun(t, `
		:__ENTRY__:
		  unreachable;
	`)
	var ierr *InterpreterError
	as, ok := err.(*InterpreterError)
	if ok {
		ierr = as
	}
	assert(t, ierr != nil && ierr.Kind == ErrReachedUnreachable, "expected unreachable error, got %v", err)
}

func TestUnknownLabelIsAssembleError(t *testing.T) {
	_, err := Assemble(`
		:__ENTRY__:
		  #@nowhere;
		  jmp;
	`)
	var aerr *AssembleError
	as, ok := err.(*AssembleError)
	if ok {
		aerr = as
	}
	assert(t, aerr != nil && aerr.Kind == ErrUnknownLabel, "expected unknown label, got %v", err)
}

func TestDuplicateLabelIsAssembleError(t *testing.T) {
	_, err := Assemble(`
		:dup:
		  nop;
		:dup:
		  end;
	`)
	var aerr *AssembleError
	as, ok := err.(*AssembleError)
	if ok {
		aerr = as
	}
	assert(t, aerr != nil && aerr.Kind == ErrLabelAlreadyExists, "expected label already exists, got %v", err)
}

func TestEmptySourceIsAssembleError(t *testing.T) {
	_, err := Assemble("   \n\t  ")
	var aerr *AssembleError
	as, ok := err.(*AssembleError)
	if ok {
		aerr = as
	}
	assert(t, aerr != nil && aerr.Kind == ErrEmptySource, "expected empty source, got %v", err)
}
