package verifier

import (
	"strings"
	"testing"

	"github.com/neuneeraj/matangi-final/pkg/ir"
)

// rawFunc assembles a function directly, bypassing the builder's
// eager checks, so malformed shapes can reach the verifier.
func rawFunc(t *testing.T, m *ir.Module, name string, ret ir.Type, params ...*ir.Param) *ir.Func {
	t.Helper()
	f, err := m.NewFunc(name, ret, params...)
	if err != nil {
		t.Fatalf("NewFunc(%s): %v", name, err)
	}
	return f
}

func wantError(t *testing.T, m *ir.Module, fn, block, reason string) {
	t.Helper()
	vm, err := Verify(m)
	if err == nil {
		t.Fatalf("Verify succeeded, want error about %q", reason)
	}
	if vm != nil {
		t.Error("Verify returned a token alongside an error")
	}
	verr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type %T, want *Error", err)
	}
	if verr.Fn != fn || verr.Block != block || !strings.Contains(verr.Reason, reason) {
		t.Errorf("got %+v, want fn=%q block=%q reason~%q", verr, fn, block, reason)
	}
}

func TestVerifyEmptyAndUnterminated(t *testing.T) {
	m := ir.NewModule("m")
	rawFunc(t, m, "empty", ir.TypeNone)
	wantError(t, m, "empty", "", "no blocks")

	m = ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeNone)
	f.NewBlock("start")
	wantError(t, m, "f", "start", "not terminated")

	m = ir.NewModule("m")
	f = rawFunc(t, m, "f", ir.TypeNone)
	b := f.NewBlock("start")
	b.Instrs = append(b.Instrs,
		&ir.Instruction{Op: ir.OpRet},
		&ir.Instruction{Op: ir.OpRet})
	wantError(t, m, "f", "start", "terminator before end")
}

func TestVerifyBranches(t *testing.T) {
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeNone)
	b := f.NewBlock("start")
	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: "nowhere"}}})
	wantError(t, m, "f", "start", "undefined block")

	m = ir.NewModule("m")
	f = rawFunc(t, m, "f", ir.TypeNone)
	b = f.NewBlock("start")
	exit := f.NewBlock("exit")
	exit.Instrs = append(exit.Instrs, &ir.Instruction{Op: ir.OpRet})
	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpJnz,
		Args: []ir.Value{ir.Single(1), &ir.Label{Name: "exit"}, &ir.Label{Name: "exit"}}})
	wantError(t, m, "f", "start", "condition must be a word")
}

func TestVerifyReturns(t *testing.T) {
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeNone)
	b := f.NewBlock("start")
	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpRet, Args: []ir.Value{ir.Word(1)}})
	wantError(t, m, "f", "start", "void function returns a value")

	m = ir.NewModule("m")
	f = rawFunc(t, m, "f", ir.TypeW)
	b = f.NewBlock("start")
	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpRet})
	wantError(t, m, "f", "start", "returns no value")

	m = ir.NewModule("m")
	f = rawFunc(t, m, "f", ir.TypeW)
	b = f.NewBlock("start")
	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpRet, Args: []ir.Value{ir.Single(1)}})
	wantError(t, m, "f", "start", "return class")
}

func TestVerifyCalls(t *testing.T) {
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeNone)
	b := f.NewBlock("start")
	b.Instrs = append(b.Instrs,
		&ir.Instruction{Op: ir.OpCall, Args: []ir.Value{&ir.GlobalRef{Name: "missing"}}},
		&ir.Instruction{Op: ir.OpRet})
	wantError(t, m, "f", "start", "undefined function")

	m = ir.NewModule("m")
	rawFunc(t, m, "callee", ir.TypeNone, ir.NewParam("a", ir.TypeW)).
		NewBlock("start").Instrs = []*ir.Instruction{{Op: ir.OpRet}}
	f = rawFunc(t, m, "f", ir.TypeNone)
	b = f.NewBlock("start")
	b.Instrs = append(b.Instrs,
		&ir.Instruction{Op: ir.OpCall, Args: []ir.Value{&ir.GlobalRef{Name: "callee"}}},
		&ir.Instruction{Op: ir.OpRet})
	wantError(t, m, "f", "start", "want 1")

	m = ir.NewModule("m")
	rawFunc(t, m, "callee", ir.TypeNone, ir.NewParam("a", ir.TypeW)).
		NewBlock("start").Instrs = []*ir.Instruction{{Op: ir.OpRet}}
	f = rawFunc(t, m, "f", ir.TypeNone)
	b = f.NewBlock("start")
	b.Instrs = append(b.Instrs,
		&ir.Instruction{Op: ir.OpCall, Args: []ir.Value{&ir.GlobalRef{Name: "callee"}, ir.Single(1)}},
		&ir.Instruction{Op: ir.OpRet})
	wantError(t, m, "f", "start", "argument 0")
}

func TestVerifyUndefinedGlobal(t *testing.T) {
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeNone)
	b := f.NewBlock("start")
	b.Instrs = append(b.Instrs,
		&ir.Instruction{Op: ir.OpStore, Aux: ir.TypeW, Args: []ir.Value{ir.Word(1), &ir.GlobalRef{Name: "ghost", Typ: ir.TypeW}}},
		&ir.Instruction{Op: ir.OpRet})
	wantError(t, m, "f", "start", "undefined global")
}

func TestVerifyUseBeforeDef(t *testing.T) {
	// start branches over the definition of %t0 into a block that
	// reads it: the defining block does not dominate the use.
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeW, ir.NewParam("c", ir.TypeW))
	tmp := f.NewTemp(ir.TypeW)

	start := f.NewBlock("start")
	def := f.NewBlock("def")
	use := f.NewBlock("use")
	start.Instrs = append(start.Instrs, &ir.Instruction{Op: ir.OpJnz,
		Args: []ir.Value{f.ParamByName("c"), &ir.Label{Name: "def"}, &ir.Label{Name: "use"}}})
	def.Instrs = append(def.Instrs,
		&ir.Instruction{Op: ir.OpCopy, Typ: ir.TypeW, Result: tmp, Args: []ir.Value{ir.Word(1)}},
		&ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: "use"}}})
	use.Instrs = append(use.Instrs, &ir.Instruction{Op: ir.OpRet, Args: []ir.Value{tmp}})
	wantError(t, m, "f", "use", "used before definition")

	// Rerouting start unconditionally through def restores dominance.
	start.Instrs = []*ir.Instruction{{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: "def"}}}}
	if _, err := Verify(m); err != nil {
		t.Errorf("Verify after rerouting: %v", err)
	}
}

func TestVerifyMultipleDefsInLoop(t *testing.T) {
	// A temporary rebound on the back edge is legal as long as some
	// definition dominates every use.
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeW, ir.NewParam("n", ir.TypeW))
	iv := f.NewTemp(ir.TypeW)
	cond := f.NewTemp(ir.TypeW)

	start := f.NewBlock("start")
	loop := f.NewBlock("loop")
	exit := f.NewBlock("exit")
	start.Instrs = append(start.Instrs,
		&ir.Instruction{Op: ir.OpCopy, Typ: ir.TypeW, Result: iv, Args: []ir.Value{ir.Word(0)}},
		&ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: "loop"}}})
	loop.Instrs = append(loop.Instrs,
		&ir.Instruction{Op: ir.OpAdd, Typ: ir.TypeW, Result: iv, Args: []ir.Value{iv, ir.Word(1)}},
		&ir.Instruction{Op: ir.OpCSLt, Typ: ir.TypeW, Aux: ir.TypeW, Result: cond, Args: []ir.Value{iv, f.ParamByName("n")}},
		&ir.Instruction{Op: ir.OpJnz, Args: []ir.Value{cond, &ir.Label{Name: "loop"}, &ir.Label{Name: "exit"}}})
	exit.Instrs = append(exit.Instrs, &ir.Instruction{Op: ir.OpRet, Args: []ir.Value{iv}})

	if _, err := Verify(m); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyUnreachableBlockExempt(t *testing.T) {
	// A structurally sound but unreachable block may use undefined
	// temporaries; simplifycfg will drop it anyway.
	m := ir.NewModule("m")
	f := rawFunc(t, m, "f", ir.TypeNone)
	start := f.NewBlock("start")
	start.Instrs = append(start.Instrs, &ir.Instruction{Op: ir.OpRet})
	dead := f.NewBlock("dead")
	dead.Instrs = append(dead.Instrs,
		&ir.Instruction{Op: ir.OpStore, Aux: ir.TypeW, Args: []ir.Value{f.NewTemp(ir.TypeW), f.NewTemp(ir.TypePtr)}},
		&ir.Instruction{Op: ir.OpRet})
	if _, err := Verify(m); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifiedModuleToken(t *testing.T) {
	m := ir.NewModule("ok")
	f := rawFunc(t, m, "f", ir.TypeW)
	b := f.NewBlock("start")
	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpRet, Args: []ir.Value{ir.Word(1)}})
	vm, err := Verify(m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if vm.Module() != m {
		t.Error("token does not wrap the verified module")
	}
}
