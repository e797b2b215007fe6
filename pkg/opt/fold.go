package opt

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/neuneeraj/matangi-final/pkg/ir"
)

// constMerge deduplicates globals with identical class and
// initializer. Exported globals keep their identity (the host resolves
// them by name), and a global any function stores to is mutable state
// that must not alias another, so only unwritten internal/common
// definitions merge.
func constMerge(m *ir.Module, _ *Options) bool {
	written := make(map[string]bool)
	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			for _, inst := range b.Instrs {
				if inst.Op != ir.OpStore || len(inst.Args) != 2 { continue }
				if g, ok := inst.Args[1].(*ir.GlobalRef); ok { written[g.Name] = true }
			}
		}
	}

	kept := make(map[string]string) // init key -> surviving name
	renamed := make(map[string]string)
	var out []*ir.GlobalDef
	for _, g := range m.Globals {
		if g.Linkage == ir.LinkExport || written[g.Name] {
			out = append(out, g)
			continue
		}
		key := fmt.Sprintf("%s|%s", g.Typ, g.Init)
		if prev, ok := kept[key]; ok {
			renamed[g.Name] = prev
			m.RemoveSymbol(g.Name)
			continue
		}
		kept[key] = g.Name
		out = append(out, g)
	}
	if len(renamed) == 0 { return false }
	m.Globals = out

	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			for _, inst := range b.Instrs {
				for i, a := range inst.Args {
					g, ok := a.(*ir.GlobalRef)
					if !ok { continue }
					if to, merged := renamed[g.Name]; merged {
						inst.Args[i] = &ir.GlobalRef{Name: to, Typ: g.Typ}
					}
				}
			}
		}
	}
	return true
}

// instCombine folds constant expressions, applies integer algebraic
// identities, propagates copies and drops pure instructions whose
// results are unused. Float expressions fold only when every operand
// is constant; IEEE identities are not assumed.
func instCombine(m *ir.Module, _ *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		for combineFunc(f) {
			changed = true
		}
	}
	return changed
}

func combineFunc(f *ir.Func) bool {
	changed := false
	ndefs := defCounts(f)

	// Copy propagation for single-assignment temporaries.
	resolve := make(map[*ir.Temp]ir.Value)
	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			if inst.Op == ir.OpCopy && inst.Result != nil && ndefs[inst.Result] == 1 {
				resolve[inst.Result] = inst.Args[0]
			}
		}
	}
	lookup := func(v ir.Value) ir.Value {
		for {
			t, ok := v.(*ir.Temp)
			if !ok { return v }
			r, ok := resolve[t]
			if !ok { return v }
			v = r
		}
	}
	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			for i, a := range inst.Args {
				if r := lookup(a); r != a {
					inst.Args[i] = r
					changed = true
				}
			}
		}
	}

	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			if folded := foldInstr(inst); folded { changed = true }
		}
	}

	if removeDead(f) { changed = true }
	return changed
}

func foldInstr(inst *ir.Instruction) bool {
	if inst.Result == nil { return false }

	switch inst.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv:
		if inst.Typ == ir.TypeW {
			return foldIntArith(inst)
		}
		if inst.Typ == ir.TypeS {
			return foldFloatArith(inst)
		}
	case ir.OpCEq, ir.OpCNe, ir.OpCSLt, ir.OpCSLe, ir.OpCSGt, ir.OpCSGe:
		return foldCompare(inst)
	case ir.OpExtSW:
		if c, ok := inst.Args[0].(*ir.Const); ok {
			rewriteToCopy(inst, ir.Long(int64(int32(c.Val))))
			return true
		}
	case ir.OpSWToF:
		if c, ok := inst.Args[0].(*ir.Const); ok {
			rewriteToCopy(inst, ir.Single(float32(int32(c.Val))))
			return true
		}
	}
	return false
}

func foldIntArith(inst *ir.Instruction) bool {
	x, xok := wordConst(inst.Args[0])
	y, yok := wordConst(inst.Args[1])
	switch {
	case xok && yok:
		var v int32
		switch inst.Op {
		case ir.OpAdd: v = x + y
		case ir.OpSub: v = x - y
		case ir.OpMul: v = x * y
		default:
			if y == 0 { return false }
			v = x / y
		}
		rewriteToCopy(inst, ir.Word(v))
		return true
	case yok && y == 0 && (inst.Op == ir.OpAdd || inst.Op == ir.OpSub):
		rewriteToCopy(inst, inst.Args[0])
		return true
	case xok && x == 0 && inst.Op == ir.OpAdd:
		rewriteToCopy(inst, inst.Args[1])
		return true
	case yok && y == 1 && inst.Op == ir.OpMul:
		rewriteToCopy(inst, inst.Args[0])
		return true
	case xok && x == 1 && inst.Op == ir.OpMul:
		rewriteToCopy(inst, inst.Args[1])
		return true
	case (yok && y == 0 || xok && x == 0) && inst.Op == ir.OpMul:
		rewriteToCopy(inst, ir.Word(0))
		return true
	}
	return false
}

func foldFloatArith(inst *ir.Instruction) bool {
	x, xok := inst.Args[0].(*ir.FloatConst)
	y, yok := inst.Args[1].(*ir.FloatConst)
	if !xok || !yok { return false }
	var v float32
	switch inst.Op {
	case ir.OpAdd: v = x.Val + y.Val
	case ir.OpSub: v = x.Val - y.Val
	case ir.OpMul: v = x.Val * y.Val
	default: v = x.Val / y.Val
	}
	rewriteToCopy(inst, ir.Single(v))
	return true
}

func foldCompare(inst *ir.Instruction) bool {
	if inst.Aux != ir.TypeW { return false }
	x, xok := wordConst(inst.Args[0])
	y, yok := wordConst(inst.Args[1])
	if !xok || !yok { return false }
	var hold bool
	switch inst.Op {
	case ir.OpCEq: hold = x == y
	case ir.OpCNe: hold = x != y
	case ir.OpCSLt: hold = x < y
	case ir.OpCSLe: hold = x <= y
	case ir.OpCSGt: hold = x > y
	default: hold = x >= y
	}
	v := ir.Word(0)
	if hold { v = ir.Word(1) }
	rewriteToCopy(inst, v)
	return true
}

func wordConst(v ir.Value) (int32, bool) {
	c, ok := v.(*ir.Const)
	if !ok || c.Typ != ir.TypeW { return 0, false }
	return int32(c.Val), true
}

func rewriteToCopy(inst *ir.Instruction, v ir.Value) {
	if inst.Op == ir.OpCopy && len(inst.Args) == 1 && inst.Args[0] == v { return }
	inst.Op = ir.OpCopy
	inst.Aux = ir.TypeNone
	inst.Args = []ir.Value{v}
}

// removeDead drops pure instructions whose results are never used.
func removeDead(f *ir.Func) bool {
	used := make(map[*ir.Temp]bool)
	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			for _, a := range inst.Args {
				if t, ok := a.(*ir.Temp); ok { used[t] = true }
			}
		}
	}

	changed := false
	for _, b := range f.Blocks {
		var out []*ir.Instruction
		for _, inst := range b.Instrs {
			if inst.Result != nil && !used[inst.Result] && pure(inst.Op) {
				changed = true
				continue
			}
			out = append(out, inst)
		}
		b.Instrs = out
	}
	return changed
}

func pure(op ir.Op) bool {
	switch op {
	case ir.OpStore, ir.OpCall, ir.OpJmp, ir.OpJnz, ir.OpRet:
		return false
	default:
		return true
	}
}

// valueNumber is a block-local global value numbering: pure
// computations with the same xxhash value number are collapsed into a
// copy of the first occurrence. Loads are not numbered; memory is not
// tracked across stores.
func valueNumber(m *ir.Module, _ *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		ndefs := defCounts(f)
		for _, b := range f.Blocks {
			seen := make(map[uint64]*ir.Temp)
			for _, inst := range b.Instrs {
				if inst.Result == nil || ndefs[inst.Result] != 1 { continue }
				if !numerable(inst.Op) { continue }
				key := hashExpr(inst)
				if prev, ok := seen[key]; ok && prev != inst.Result {
					rewriteToCopy(inst, prev)
					changed = true
					continue
				}
				seen[key] = inst.Result
			}
		}
	}
	return changed
}

func numerable(op ir.Op) bool {
	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpExtSW, ir.OpSWToF,
		ir.OpCEq, ir.OpCNe, ir.OpCSLt, ir.OpCSLe, ir.OpCSGt, ir.OpCSGe:
		return true
	default:
		return false
	}
}

func hashExpr(inst *ir.Instruction) uint64 {
	args := make([]string, len(inst.Args))
	for i, a := range inst.Args {
		args[i] = a.String()
	}
	if commutative(inst.Op) && len(args) == 2 && args[1] < args[0] {
		args[0], args[1] = args[1], args[0]
	}
	return xxhash.Sum64String(fmt.Sprintf("%d|%s|%s", inst.Op, inst.Typ, strings.Join(args, ",")))
}

func commutative(op ir.Op) bool {
	return op == ir.OpAdd || op == ir.OpMul || op == ir.OpCEq || op == ir.OpCNe
}
