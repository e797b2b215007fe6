// Package verifier checks structural well-formedness of a module
// before it may be optimized or lowered. The capability token
// VerifiedModule is the only way to reach the optimizer and the JIT
// engine, so an unverified module can never be handed to either.
package verifier

import (
	"fmt"

	"github.com/neuneeraj/matangi-final/pkg/ir"
)

// Error is a structured verification failure naming the function and
// block it was found in.
type Error struct {
	Fn     string
	Block  string
	Reason string
}

func (e *Error) Error() string {
	if e.Block == "" {
		return fmt.Sprintf("verify: func %s: %s", e.Fn, e.Reason)
	}
	return fmt.Sprintf("verify: func %s, block @%s: %s", e.Fn, e.Block, e.Reason)
}

// VerifiedModule wraps a module that passed verification.
type VerifiedModule struct{ m *ir.Module }

// Module returns the underlying module. Mutating it voids the
// verification; passes that do so must re-verify.
func (vm *VerifiedModule) Module() *ir.Module { return vm.m }

// Verify checks every function of m: blocks end in exactly one
// trailing terminator, branch targets resolve within the function,
// returns and calls match declared signatures, and every temporary is
// defined on all paths before use.
func Verify(m *ir.Module) (*VerifiedModule, error) {
	if m == nil {
		return nil, &Error{Fn: "", Reason: "nil module"}
	}
	for _, f := range m.Funcs {
		if err := verifyFunc(m, f); err != nil {
			return nil, err
		}
	}
	return &VerifiedModule{m: m}, nil
}

func verifyFunc(m *ir.Module, f *ir.Func) error {
	if len(f.Blocks) == 0 {
		return &Error{Fn: f.Name, Reason: "function has no blocks"}
	}

	for _, b := range f.Blocks {
		if err := verifyBlock(m, f, b); err != nil {
			return err
		}
	}
	return verifyDefUse(f)
}

func verifyBlock(m *ir.Module, f *ir.Func, b *ir.BasicBlock) error {
	fail := func(format string, args ...any) error {
		return &Error{Fn: f.Name, Block: b.Label, Reason: fmt.Sprintf(format, args...)}
	}

	if len(b.Instrs) == 0 || !b.Instrs[len(b.Instrs)-1].Op.IsTerminator() {
		return fail("block is not terminated")
	}
	for _, inst := range b.Instrs[:len(b.Instrs)-1] {
		if inst.Op.IsTerminator() {
			return fail("terminator before end of block")
		}
	}

	for _, inst := range b.Instrs {
		switch inst.Op {
		case ir.OpJmp:
			if len(inst.Args) != 1 { return fail("jmp wants 1 operand") }
		case ir.OpJnz:
			if len(inst.Args) != 3 { return fail("jnz wants 3 operands") }
			if classOf(inst.Args[0].Type()) != ir.TypeW {
				return fail("jnz condition must be a word")
			}
		case ir.OpRet:
			switch {
			case f.Ret == ir.TypeNone && len(inst.Args) != 0:
				return fail("void function returns a value")
			case f.Ret != ir.TypeNone && len(inst.Args) != 1:
				return fail("function of class %q returns no value", f.Ret)
			case f.Ret != ir.TypeNone && classOf(inst.Args[0].Type()) != classOf(f.Ret):
				return fail("return class %q, want %q", inst.Args[0].Type(), f.Ret)
			}
		case ir.OpCall:
			if err := verifyCall(m, f, b, inst); err != nil { return err }
		}

		for _, arg := range inst.Args {
			switch v := arg.(type) {
			case *ir.Label:
				if f.BlockByLabel(v.Name) == nil {
					return fail("branch to undefined block @%s", v.Name)
				}
			case *ir.GlobalRef:
				if inst.Op != ir.OpCall && m.FindGlobal(v.Name) == nil {
					return fail("reference to undefined global $%s", v.Name)
				}
			}
		}
	}
	return nil
}

func verifyCall(m *ir.Module, f *ir.Func, b *ir.BasicBlock, inst *ir.Instruction) error {
	fail := func(format string, args ...any) error {
		return &Error{Fn: f.Name, Block: b.Label, Reason: fmt.Sprintf(format, args...)}
	}
	if len(inst.Args) == 0 { return fail("call without target") }
	ref, ok := inst.Args[0].(*ir.GlobalRef)
	if !ok { return fail("call target is not a global") }
	callee := m.FindFunc(ref.Name)
	if callee == nil { return fail("call to undefined function $%s", ref.Name) }
	if len(inst.Args)-1 != len(callee.Params) {
		return fail("call to $%s with %d arguments, want %d", ref.Name, len(inst.Args)-1, len(callee.Params))
	}
	for i, a := range inst.Args[1:] {
		if classOf(a.Type()) != classOf(callee.Params[i].Typ) {
			return fail("argument %d of $%s has class %q, want %q", i, ref.Name, a.Type(), callee.Params[i].Typ)
		}
	}
	if inst.Result != nil && classOf(inst.Typ) != classOf(callee.Ret) {
		return fail("call result class %q, want %q", inst.Typ, callee.Ret)
	}
	return nil
}

// verifyDefUse checks that every temporary use is dominated by a
// definition. Unreachable blocks are exempt; they only need to be
// structurally sound.
func verifyDefUse(f *ir.Func) error {
	preds, reachable := cfg(f)
	doms := dominators(f, preds, reachable)

	// Definition sites by identity.
	defs := make(map[*ir.Temp][]defSite)
	for _, b := range f.Blocks {
		for i, inst := range b.Instrs {
			if inst.Result != nil {
				defs[inst.Result] = append(defs[inst.Result], defSite{b, i})
			}
		}
	}

	for _, b := range f.Blocks {
		if !reachable[b] { continue }
		for i, inst := range b.Instrs {
			for _, arg := range inst.Args {
				t, ok := arg.(*ir.Temp)
				if !ok { continue }
				if !defDominates(defs[t], b, i, doms) {
					return &Error{Fn: f.Name, Block: b.Label,
						Reason: fmt.Sprintf("%s used before definition", t)}
				}
			}
		}
	}
	return nil
}

type defSite struct {
	block *ir.BasicBlock
	index int
}

func defDominates(sites []defSite, b *ir.BasicBlock, i int, doms map[*ir.BasicBlock]map[*ir.BasicBlock]bool) bool {
	for _, s := range sites {
		if s.block == b && s.index < i { return true }
		if s.block != b && doms[b][s.block] { return true }
	}
	return false
}

// cfg returns the predecessor map and the set of blocks reachable
// from the entry.
func cfg(f *ir.Func) (map[*ir.BasicBlock][]*ir.BasicBlock, map[*ir.BasicBlock]bool) {
	preds := make(map[*ir.BasicBlock][]*ir.BasicBlock)
	for _, b := range f.Blocks {
		for _, label := range b.Succs() {
			if s := f.BlockByLabel(label); s != nil {
				preds[s] = append(preds[s], b)
			}
		}
	}

	reachable := make(map[*ir.BasicBlock]bool)
	var walk func(b *ir.BasicBlock)
	walk = func(b *ir.BasicBlock) {
		if b == nil || reachable[b] { return }
		reachable[b] = true
		for _, label := range b.Succs() {
			walk(f.BlockByLabel(label))
		}
	}
	walk(f.Entry())
	return preds, reachable
}

// dominators computes the dominator sets of the reachable blocks by
// iterating doms(b) = {b} ∪ ⋂ doms(preds(b)) to a fixed point.
func dominators(f *ir.Func, preds map[*ir.BasicBlock][]*ir.BasicBlock, reachable map[*ir.BasicBlock]bool) map[*ir.BasicBlock]map[*ir.BasicBlock]bool {
	doms := make(map[*ir.BasicBlock]map[*ir.BasicBlock]bool)
	entry := f.Entry()
	for _, b := range f.Blocks {
		if !reachable[b] { continue }
		set := make(map[*ir.BasicBlock]bool)
		if b == entry {
			set[b] = true
		} else {
			for _, x := range f.Blocks {
				if reachable[x] { set[x] = true }
			}
		}
		doms[b] = set
	}

	for changed := true; changed; {
		changed = false
		for _, b := range f.Blocks {
			if !reachable[b] || b == entry { continue }
			next := make(map[*ir.BasicBlock]bool)
			first := true
			for _, p := range preds[b] {
				if !reachable[p] { continue }
				if first {
					for d := range doms[p] { next[d] = true }
					first = false
					continue
				}
				for d := range next {
					if !doms[p][d] { delete(next, d) }
				}
			}
			next[b] = true
			if len(next) != len(doms[b]) {
				doms[b] = next
				changed = true
			}
		}
	}
	return doms
}

// classOf folds the pointer class into long: the two are the same
// machine class and serialization cannot tell them apart.
func classOf(t ir.Type) ir.Type {
	if t == ir.TypePtr { return ir.TypeL }
	return t
}
