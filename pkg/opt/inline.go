package opt

import "github.com/neuneeraj/matangi-final/pkg/ir"

// deadArgElim removes parameters no instruction of the function ever
// reads, rewriting every call site to match. Exported functions keep
// their signature: the host invokes them by the declared ABI.
func deadArgElim(m *ir.Module, _ *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		if f.Export || len(f.Params) == 0 { continue }

		used := make(map[*ir.Param]bool)
		for _, b := range f.Blocks {
			for _, inst := range b.Instrs {
				for _, a := range inst.Args {
					if p, ok := a.(*ir.Param); ok { used[p] = true }
				}
			}
		}

		var live []*ir.Param
		var liveIdx []int
		for i, p := range f.Params {
			if used[p] {
				live = append(live, p)
				liveIdx = append(liveIdx, i)
			}
		}
		if len(live) == len(f.Params) { continue }
		f.Params = live
		changed = true

		for _, caller := range m.Funcs {
			for _, b := range caller.Blocks {
				for _, inst := range b.Instrs {
					if inst.Op != ir.OpCall { continue }
					if ref, ok := inst.Args[0].(*ir.GlobalRef); !ok || ref.Name != f.Name { continue }
					args := []ir.Value{inst.Args[0]}
					for _, i := range liveIdx {
						args = append(args, inst.Args[i+1])
					}
					inst.Args = args
				}
			}
		}
	}
	return changed
}

// tailCallElim rewrites self-recursive tail calls into branches back
// to the function body. Parameters are funneled through loop
// temporaries so each round trip rebinds them; the multiple
// assignments are legal because temporaries need not be in SSA form.
func tailCallElim(m *ir.Module, _ *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		if tceFunc(f) { changed = true }
	}
	return changed
}

func tceFunc(f *ir.Func) bool {
	sites := tailSites(f)
	if len(sites) == 0 { return false }

	// Reroute every parameter read through a loop temporary.
	loopTemps := make([]*ir.Temp, len(f.Params))
	for i, p := range f.Params {
		loopTemps[i] = f.NewTemp(p.Typ)
		replaceUses(f, p, loopTemps[i])
	}

	// Fresh entry: seed the loop temporaries from the parameters.
	oldEntry := f.Blocks[0]
	head := f.NewBlock("tce_entry")
	for i, p := range f.Params {
		head.Instrs = append(head.Instrs, &ir.Instruction{Op: ir.OpCopy, Typ: p.Typ, Result: loopTemps[i], Args: []ir.Value{p}})
	}
	head.Instrs = append(head.Instrs, &ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: oldEntry.Label}}})
	f.Blocks = f.Blocks[:len(f.Blocks)-1]
	f.Blocks = append([]*ir.BasicBlock{head}, f.Blocks...)

	// Each tail call becomes rebind-and-branch. Arguments are staged
	// into scratch temporaries first so a rebind never clobbers a
	// value another rebind still reads.
	for _, b := range sites {
		call := b.Instrs[len(b.Instrs)-2]
		b.Instrs = b.Instrs[:len(b.Instrs)-2]
		scratch := make([]*ir.Temp, len(f.Params))
		for i, arg := range call.Args[1:] {
			scratch[i] = f.NewTemp(f.Params[i].Typ)
			b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpCopy, Typ: f.Params[i].Typ, Result: scratch[i], Args: []ir.Value{arg}})
		}
		for i := range f.Params {
			b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpCopy, Typ: f.Params[i].Typ, Result: loopTemps[i], Args: []ir.Value{scratch[i]}})
		}
		b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: oldEntry.Label}}})
	}
	return true
}

// tailSites finds blocks ending in a self-call immediately returned.
func tailSites(f *ir.Func) []*ir.BasicBlock {
	if len(f.Params) == 0 { return nil }
	var sites []*ir.BasicBlock
	for _, b := range f.Blocks {
		n := len(b.Instrs)
		if n < 2 { continue }
		ret, call := b.Instrs[n-1], b.Instrs[n-2]
		if ret.Op != ir.OpRet || call.Op != ir.OpCall { continue }
		ref, ok := call.Args[0].(*ir.GlobalRef)
		if !ok || ref.Name != f.Name { continue }
		if f.Ret == ir.TypeNone {
			if len(ret.Args) != 0 { continue }
		} else {
			if len(ret.Args) != 1 || call.Result == nil || ret.Args[0] != call.Result { continue }
		}
		sites = append(sites, b)
	}
	return sites
}

// inline expands call sites whose callee is small enough per the
// caller-supplied threshold. Only calls present before the pass ran
// are considered, so one run performs one layer of inlining.
func inline(m *ir.Module, o *Options) bool {
	changed := false
	for _, f := range m.Funcs {
		snapshot := append([]*ir.BasicBlock(nil), f.Blocks...)
		for _, b := range snapshot {
			for i := 0; i < len(b.Instrs); i++ {
				inst := b.Instrs[i]
				if inst.Op != ir.OpCall { continue }
				callee := m.FindFunc(inst.Args[0].(*ir.GlobalRef).Name)
				if !inlinable(f, callee, o.InlineThreshold) { continue }
				inlineSite(f, b, i, inst, callee)
				changed = true
				break // the rest of b moved to the continuation
			}
		}
	}
	return changed
}

func inlinable(caller, callee *ir.Func, threshold int) bool {
	if callee == nil || callee == caller || len(callee.Blocks) == 0 { return false }
	if callee.NumInstrs() > threshold { return false }
	// Recursive callees keep their calls.
	for _, b := range callee.Blocks {
		for _, inst := range b.Instrs {
			if inst.Op != ir.OpCall { continue }
			if ref, ok := inst.Args[0].(*ir.GlobalRef); ok && ref.Name == callee.Name { return false }
		}
	}
	return true
}

func inlineSite(f *ir.Func, b *ir.BasicBlock, i int, call *ir.Instruction, callee *ir.Func) {
	cont := f.NewBlock(b.Label + "_cont")
	cont.Instrs = append(cont.Instrs, b.Instrs[i+1:]...)
	b.Instrs = b.Instrs[:i]

	// Bind arguments.
	binding := make(map[*ir.Param]*ir.Temp)
	for k, p := range callee.Params {
		t := f.NewTemp(p.Typ)
		b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpCopy, Typ: p.Typ, Result: t, Args: []ir.Value{call.Args[k+1]}})
		binding[p] = t
	}

	var retTmp *ir.Temp
	if call.Result != nil {
		retTmp = f.NewTemp(callee.Ret)
		cont.Instrs = append([]*ir.Instruction{{Op: ir.OpCopy, Typ: callee.Ret, Result: call.Result, Args: []ir.Value{retTmp}}}, cont.Instrs...)
	}

	// Clone the callee body with fresh temporaries and labels.
	labels := make(map[string]*ir.BasicBlock, len(callee.Blocks))
	for _, cb := range callee.Blocks {
		labels[cb.Label] = f.NewBlock(callee.Name + "_" + cb.Label)
	}
	temps := make(map[*ir.Temp]*ir.Temp)
	mapVal := func(v ir.Value) ir.Value {
		switch t := v.(type) {
		case *ir.Temp:
			if fresh, ok := temps[t]; ok { return fresh }
			fresh := f.NewTemp(t.Typ)
			temps[t] = fresh
			return fresh
		case *ir.Param:
			if bound, ok := binding[t]; ok { return bound }
			return v
		case *ir.Label:
			return &ir.Label{Name: labels[t.Name].Label}
		default:
			return v
		}
	}
	for _, cb := range callee.Blocks {
		clone := labels[cb.Label]
		for _, inst := range cb.Instrs {
			if inst.Op == ir.OpRet {
				if retTmp != nil && len(inst.Args) == 1 {
					clone.Instrs = append(clone.Instrs, &ir.Instruction{Op: ir.OpCopy, Typ: callee.Ret, Result: retTmp, Args: []ir.Value{mapVal(inst.Args[0])}})
				}
				clone.Instrs = append(clone.Instrs, &ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: cont.Label}}})
				continue
			}
			cl := &ir.Instruction{Op: inst.Op, Typ: inst.Typ, Aux: inst.Aux}
			if inst.Result != nil {
				cl.Result = mapVal(inst.Result).(*ir.Temp)
			}
			for _, a := range inst.Args {
				cl.Args = append(cl.Args, mapVal(a))
			}
			clone.Instrs = append(clone.Instrs, cl)
		}
	}

	b.Instrs = append(b.Instrs, &ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{&ir.Label{Name: labels[callee.Blocks[0].Label].Label}}})
}
