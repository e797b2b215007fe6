package ir

import (
	"fmt"
	"strconv"
)

// Op identifies an instruction. The set is the QBE subset the pipeline
// emits: stack slots, memory access, word/single arithmetic, signed
// comparison, widening conversions, calls and terminators.
type Op int

const (
	OpAlloc Op = iota
	OpLoad
	OpStore
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpCEq
	OpCNe
	OpCSLt
	OpCSLe
	OpCSGt
	OpCSGe
	OpExtSW
	OpSWToF
	OpCopy
	OpCall
	OpJmp
	OpJnz
	OpRet
)

// IsTerminator reports whether op ends a basic block.
func (op Op) IsTerminator() bool { return op == OpJmp || op == OpJnz || op == OpRet }

// IsCompare reports whether op is a comparison producing a word boolean.
func (op Op) IsCompare() bool { return op >= OpCEq && op <= OpCSGe }

// Type is a QBE scalar class. TypePtr is an address; it prints as 'l'
// but is kept distinct so the emitter can check memory operands.
type Type int

const (
	TypeNone Type = iota // void / no result
	TypeW                // 32-bit signed integer
	TypeL                // 64-bit integer
	TypeS                // 32-bit IEEE-754 float
	TypePtr              // address (64-bit)
)

func (t Type) String() string {
	switch t {
	case TypeW: return "w"
	case TypeL, TypePtr: return "l"
	case TypeS: return "s"
	default: return ""
	}
}

// SizeOfType returns the byte size of a scalar class.
func SizeOfType(t Type) int64 {
	switch t {
	case TypeW, TypeS: return 4
	case TypeL, TypePtr: return 8
	default: return 0
	}
}

// Linkage classifies a global definition's visibility and merge policy.
type Linkage int

const (
	LinkInternal Linkage = iota // module-private
	LinkExport                  // visible to the host after finalization
	LinkCommon                  // exported; identical definitions may merge
)

// Value is an instruction operand: a constant, a parameter, a
// temporary, a global address or a block label.
type Value interface {
	Type() Type
	String() string
	isValue()
}

// Const is an integer constant of word or long class.
type Const struct {
	Val int64
	Typ Type
}

// FloatConst is a single-precision float constant.
type FloatConst struct{ Val float32 }

// Param is a named function parameter.
type Param struct {
	Name string
	Typ  Type
}

// Temp is a numbered function-local temporary. Temporaries are not
// required to be in SSA form; QBE reconstructs SSA itself.
type Temp struct {
	ID  int
	Typ Type
}

// GlobalRef is the address of a module global. Its value class is
// always an address regardless of the pointee class.
type GlobalRef struct {
	Name string
	Typ  Type // pointee class
}

// Label names a basic block as a branch target.
type Label struct{ Name string }

func (c *Const) isValue()      {}
func (f *FloatConst) isValue() {}
func (p *Param) isValue()      {}
func (t *Temp) isValue()       {}
func (g *GlobalRef) isValue()  {}
func (l *Label) isValue()      {}

func (c *Const) Type() Type      { return c.Typ }
func (f *FloatConst) Type() Type { return TypeS }
func (p *Param) Type() Type      { return p.Typ }
func (t *Temp) Type() Type       { return t.Typ }
func (g *GlobalRef) Type() Type  { return TypePtr }
func (l *Label) Type() Type      { return TypeNone }

func (c *Const) String() string      { return fmt.Sprintf("%d", c.Val) }
func (f *FloatConst) String() string {
	// Shortest representation that parses back to the same 32-bit
	// value; fixed-point %f truncates magnitudes below 1e-6 to zero.
	return "s_" + strconv.FormatFloat(float64(f.Val), 'g', -1, 32)
}
func (p *Param) String() string      { return "%" + p.Name }
func (t *Temp) String() string       { return fmt.Sprintf("%%t%d", t.ID) }
func (g *GlobalRef) String() string  { return "$" + g.Name }
func (l *Label) String() string      { return "@" + l.Name }

// NewParam builds a typed parameter for a function declaration.
func NewParam(name string, typ Type) *Param { return &Param{Name: name, Typ: typ} }

// Word builds a word-class integer constant.
func Word(v int32) *Const { return &Const{Val: int64(v), Typ: TypeW} }

// Long builds a long-class integer constant.
func Long(v int64) *Const { return &Const{Val: v, Typ: TypeL} }

// Single builds a single-precision float constant.
func Single(v float32) *FloatConst { return &FloatConst{Val: v} }

// Instruction is one IR operation. Result is nil for stores, void
// calls and terminators. Aux carries the operand class for compares
// and the allocated class for stack slots.
type Instruction struct {
	Op     Op
	Typ    Type // result class
	Aux    Type
	Result *Temp
	Args   []Value
}

// BasicBlock is a straight-line instruction sequence ending in a
// single terminator.
type BasicBlock struct {
	Label  string
	Instrs []*Instruction

	fn *Func
}

// Parent returns the owning function.
func (b *BasicBlock) Parent() *Func { return b.fn }

// Terminated reports whether the block already ends in a terminator.
func (b *BasicBlock) Terminated() bool {
	return len(b.Instrs) > 0 && b.Instrs[len(b.Instrs)-1].Op.IsTerminator()
}

// Terminator returns the block's final instruction when it is a
// terminator, or nil.
func (b *BasicBlock) Terminator() *Instruction {
	if !b.Terminated() { return nil }
	return b.Instrs[len(b.Instrs)-1]
}

// Succs returns the labels of the block's branch targets.
func (b *BasicBlock) Succs() []string {
	term := b.Terminator()
	if term == nil { return nil }
	var out []string
	for _, a := range term.Args {
		if l, ok := a.(*Label); ok { out = append(out, l.Name) }
	}
	return out
}

// Module is the top-level compilation unit: a uniquely-named set of
// function and global definitions.
type Module struct {
	Name    string
	Funcs   []*Func
	Globals []*GlobalDef

	syms map[string]bool
}

// GlobalDef is a module-scoped mutable storage definition.
type GlobalDef struct {
	Name    string
	Typ     Type
	Init    Value
	Linkage Linkage
}

// Func is a named, typed callable unit owned by a Module. Blocks[0]
// is the entry block.
type Func struct {
	Name   string
	Params []*Param
	Ret    Type
	Blocks []*BasicBlock
	Export bool

	mod    *Module
	ntemp  int
	labels map[string]int
}

// NewModule creates an empty compilation unit.
func NewModule(name string) *Module {
	return &Module{Name: name, syms: make(map[string]bool)}
}

// NewFunc declares a function. Parameter and return types must be
// drawn from the supported scalar classes; a name already present in
// the module's symbol table is a duplicate-symbol build error.
func (m *Module) NewFunc(name string, ret Type, params ...*Param) (*Func, error) {
	if m.syms[name] {
		return nil, &BuildError{Kind: ErrDuplicateSymbol, Fn: name, Detail: fmt.Sprintf("symbol %q already defined in module %q", name, m.Name)}
	}
	for _, p := range params {
		if p.Typ != TypeW && p.Typ != TypeL && p.Typ != TypePtr {
			return nil, &BuildError{Kind: ErrTypeMismatch, Fn: name, Detail: fmt.Sprintf("parameter %q has unsupported class %v", p.Name, int(p.Typ))}
		}
	}
	switch ret {
	case TypeNone, TypeW, TypeL, TypeS, TypePtr:
	default:
		return nil, &BuildError{Kind: ErrTypeMismatch, Fn: name, Detail: "unsupported return class"}
	}
	f := &Func{Name: name, Params: params, Ret: ret, Export: true, mod: m, labels: make(map[string]int)}
	m.Funcs = append(m.Funcs, f)
	m.syms[name] = true
	return f, nil
}

// NewGlobal declares a module global with an initializer and linkage
// and returns its address for use as an operand.
func (m *Module) NewGlobal(name string, typ Type, init Value, linkage Linkage) (*GlobalRef, error) {
	if m.syms[name] {
		return nil, &BuildError{Kind: ErrDuplicateSymbol, Fn: name, Detail: fmt.Sprintf("symbol %q already defined in module %q", name, m.Name)}
	}
	if typ != TypeW && typ != TypeL && typ != TypeS {
		return nil, &BuildError{Kind: ErrTypeMismatch, Fn: name, Detail: "unsupported global class"}
	}
	if init != nil && init.Type() != typ {
		return nil, &BuildError{Kind: ErrTypeMismatch, Fn: name, Detail: fmt.Sprintf("initializer class %q does not match global class %q", init.Type(), typ)}
	}
	if init == nil {
		if typ == TypeS {
			init = Single(0)
		} else {
			init = &Const{Typ: typ}
		}
	}
	m.Globals = append(m.Globals, &GlobalDef{Name: name, Typ: typ, Init: init, Linkage: linkage})
	m.syms[name] = true
	return &GlobalRef{Name: name, Typ: typ}, nil
}

// FindFunc returns the function with the given name, or nil.
func (m *Module) FindFunc(name string) *Func {
	for _, f := range m.Funcs {
		if f.Name == name { return f }
	}
	return nil
}

// FindGlobal returns the global definition with the given name, or nil.
func (m *Module) FindGlobal(name string) *GlobalDef {
	for _, g := range m.Globals {
		if g.Name == name { return g }
	}
	return nil
}

// RemoveSymbol drops name from the module symbol table. Used by
// passes that delete definitions.
func (m *Module) RemoveSymbol(name string) { delete(m.syms, name) }

// Module returns the owning module.
func (f *Func) Module() *Module { return f.mod }

// Entry returns the function's entry block, or nil before the first
// block exists.
func (f *Func) Entry() *BasicBlock {
	if len(f.Blocks) == 0 { return nil }
	return f.Blocks[0]
}

// NewBlock appends a block. Labels are unique-ified within the
// function so callers may reuse a base name.
func (f *Func) NewBlock(label string) *BasicBlock {
	if label == "" { label = "b" }
	if n, taken := f.labels[label]; taken {
		f.labels[label] = n + 1
		label = fmt.Sprintf("%s_%d", label, n)
	} else {
		f.labels[label] = 1
	}
	b := &BasicBlock{Label: label, fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// BlockByLabel resolves a label within the function, or nil.
func (f *Func) BlockByLabel(label string) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Label == label { return b }
	}
	return nil
}

// RemoveBlock unlinks a block from the function. The entry block
// cannot be removed.
func (f *Func) RemoveBlock(b *BasicBlock) {
	for i, blk := range f.Blocks {
		if blk == b && i > 0 {
			f.Blocks = append(f.Blocks[:i], f.Blocks[i+1:]...)
			return
		}
	}
}

// NewTemp allocates a fresh temporary of the given class.
func (f *Func) NewTemp(typ Type) *Temp {
	t := &Temp{ID: f.ntemp, Typ: typ}
	f.ntemp++
	return t
}

// EnsureTempCount raises the temporary counter to at least n so that
// fresh temporaries never collide with ids already present. The
// parser calls this after reconstructing a function.
func (f *Func) EnsureTempCount(n int) {
	if n > f.ntemp { f.ntemp = n }
}

// ParamByName resolves a declared parameter, or nil.
func (f *Func) ParamByName(name string) *Param {
	for _, p := range f.Params {
		if p.Name == name { return p }
	}
	return nil
}

// NumInstrs returns the function's total instruction count. Inlining
// uses it as the size measure against the caller-supplied threshold.
func (f *Func) NumInstrs() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Instrs)
	}
	return n
}
