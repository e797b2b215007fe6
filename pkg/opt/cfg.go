package opt

import "github.com/neuneeraj/matangi-final/pkg/ir"

// simplifyCFG folds constant conditional branches, deletes
// unreachable blocks and merges straight-line block pairs, iterating
// to a fixed point.
func simplifyCFG(m *ir.Module, _ *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		for simplifyFunc(f) {
			changed = true
		}
	}
	return changed
}

func simplifyFunc(f *ir.Func) bool {
	changed := false

	// jnz with a constant condition, or with equal targets, is a jmp.
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil || term.Op != ir.OpJnz { continue }
		onTrue, onFalse := term.Args[1].(*ir.Label), term.Args[2].(*ir.Label)
		if c, ok := term.Args[0].(*ir.Const); ok {
			target := onFalse
			if c.Val != 0 { target = onTrue }
			term.Op, term.Args = ir.OpJmp, []ir.Value{target}
			changed = true
			continue
		}
		if onTrue.Name == onFalse.Name {
			term.Op, term.Args = ir.OpJmp, []ir.Value{onTrue}
			changed = true
		}
	}

	// Drop blocks unreachable from the entry.
	reachable := reachableBlocks(f)
	var live []*ir.BasicBlock
	for _, b := range f.Blocks {
		if reachable[b] {
			live = append(live, b)
		} else {
			changed = true
		}
	}
	f.Blocks = live

	// Merge b into its sole successor when that successor has no
	// other predecessors.
	npreds := make(map[string]int)
	for _, b := range f.Blocks {
		for _, s := range b.Succs() {
			npreds[s]++
		}
	}
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil || term.Op != ir.OpJmp { continue }
		label := term.Args[0].(*ir.Label).Name
		succ := f.BlockByLabel(label)
		if succ == nil || succ == b || succ == f.Entry() || npreds[label] != 1 { continue }
		b.Instrs = append(b.Instrs[:len(b.Instrs)-1], succ.Instrs...)
		f.RemoveBlock(succ)
		changed = true
		break // block list changed; restart
	}
	return changed
}

func reachableBlocks(f *ir.Func) map[*ir.BasicBlock]bool {
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
	return reachable
}

// countedLoop is a recognized single-block post-test counting loop:
// a memory slot initialized to a constant in the sole predecessor,
// advanced by a constant step, re-entered while the advanced value
// stays below a constant bound.
type countedLoop struct {
	body *ir.BasicBlock
	pred *ir.BasicBlock
	exit string
	trip int
}

// loopUnroll fully expands recognized counting loops whose static
// trip count is at most Options.UnrollLimit. Loop state lives in
// memory slots, so the expanded copies stay correct without any
// register renaming across iterations.
func loopUnroll(m *ir.Module, o *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		for _, b := range append([]*ir.BasicBlock(nil), f.Blocks...) {
			if l, ok := matchCountedLoop(f, b, o.UnrollLimit); ok {
				unroll(f, l)
				changed = true
			}
		}
	}
	return changed
}

func matchCountedLoop(f *ir.Func, b *ir.BasicBlock, limit int) (*countedLoop, bool) {
	term := b.Terminator()
	if b == f.Entry() || term == nil || term.Op != ir.OpJnz { return nil, false }
	if term.Args[1].(*ir.Label).Name != b.Label { return nil, false }
	exit := term.Args[2].(*ir.Label).Name
	if exit == b.Label { return nil, false }

	defs := make(map[*ir.Temp]*ir.Instruction)
	for _, inst := range b.Instrs {
		if inst.Result != nil { defs[inst.Result] = inst }
	}

	// cond = cslt next, BOUND; next = add iv, STEP; iv = loadw slot
	cond, ok := term.Args[0].(*ir.Temp)
	if !ok { return nil, false }
	cmp := defs[cond]
	if cmp == nil || cmp.Op != ir.OpCSLt || cmp.Aux != ir.TypeW { return nil, false }
	bound, ok := wordConst(cmp.Args[1])
	if !ok { return nil, false }
	next, ok := cmp.Args[0].(*ir.Temp)
	if !ok { return nil, false }
	add := defs[next]
	if add == nil || add.Op != ir.OpAdd || add.Typ != ir.TypeW { return nil, false }
	step, ok := wordConst(add.Args[1])
	if !ok || step <= 0 { return nil, false }
	iv, ok := add.Args[0].(*ir.Temp)
	if !ok { return nil, false }
	load := defs[iv]
	if load == nil || load.Op != ir.OpLoad { return nil, false }
	slot := load.Args[0]

	// The advanced counter must be written back to the slot.
	stored := false
	for _, inst := range b.Instrs {
		if inst.Op == ir.OpStore && inst.Args[0] == next && inst.Args[1] == slot {
			stored = true
		}
	}
	if !stored { return nil, false }

	// Exactly one outside predecessor, falling through, whose last
	// write to the slot is a constant.
	var pred *ir.BasicBlock
	for _, p := range f.Blocks {
		for _, s := range p.Succs() {
			if s != b.Label || p == b { continue }
			if pred != nil { return nil, false }
			pred = p
		}
	}
	if pred == nil || pred.Terminator().Op != ir.OpJmp { return nil, false }
	init, ok := int32(0), false
	for _, inst := range pred.Instrs {
		if inst.Op == ir.OpStore && inst.Args[1] == slot {
			init, ok = wordConst(inst.Args[0])
		}
	}
	if !ok { return nil, false }

	// Temporaries defined in the body must stay in the body; the
	// copies get fresh names.
	for _, other := range f.Blocks {
		if other == b { continue }
		for _, inst := range other.Instrs {
			for _, a := range inst.Args {
				if t, isTemp := a.(*ir.Temp); isTemp && defs[t] != nil { return nil, false }
			}
		}
	}

	// Post-test trip count.
	trip := 1
	for i := init + step; i < bound; i += step {
		trip++
		if trip > limit { return nil, false }
	}
	return &countedLoop{body: b, pred: pred, exit: exit, trip: trip}, true
}

func unroll(f *ir.Func, l *countedLoop) {
	prev := l.pred
	for k := 0; k < l.trip; k++ {
		copyBlk := f.NewBlock(l.body.Label + "_u")
		rename := make(map[*ir.Temp]*ir.Temp)
		for _, inst := range l.body.Instrs[:len(l.body.Instrs)-1] {
			clone := &ir.Instruction{Op: inst.Op, Typ: inst.Typ, Aux: inst.Aux}
			if inst.Result != nil {
				clone.Result = f.NewTemp(inst.Result.Typ)
				rename[inst.Result] = clone.Result
			}
			for _, a := range inst.Args {
				if t, ok := a.(*ir.Temp); ok {
					if fresh, renamed := rename[t]; renamed {
						clone.Args = append(clone.Args, fresh)
						continue
					}
				}
				clone.Args = append(clone.Args, a)
			}
			copyBlk.Instrs = append(copyBlk.Instrs, clone)
		}
		copyBlk.Instrs = append(copyBlk.Instrs, &ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: l.exit}}})

		// Retarget the previous block's jmp into this copy.
		pterm := prev.Terminator()
		pterm.Args[0] = &ir.Label{Name: copyBlk.Label}
		prev = copyBlk
	}
	f.RemoveBlock(l.body)
}
