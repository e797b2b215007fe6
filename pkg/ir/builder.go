package ir

import "fmt"

// Pred is a signed comparison predicate.
type Pred int

const (
	PredEq Pred = iota
	PredNe
	PredLt
	PredLe
	PredGt
	PredGe
)

func (p Pred) op() Op {
	switch p {
	case PredEq: return OpCEq
	case PredNe: return OpCNe
	case PredLt: return OpCSLt
	case PredLe: return OpCSLe
	case PredGt: return OpCSGt
	default: return OpCSGe
	}
}

// Builder emits instructions at a cursor positioned inside one basic
// block of a function. All operand classes are checked eagerly; a
// mismatch fails at emission time rather than at verification.
type Builder struct {
	fn  *Func
	cur *BasicBlock
}

// NewBuilder returns a builder for f with no insertion point set.
func NewBuilder(f *Func) *Builder { return &Builder{fn: f} }

// Func returns the function being built.
func (b *Builder) Func() *Func { return b.fn }

// Block returns the current insertion block, or nil.
func (b *Builder) Block() *BasicBlock { return b.cur }

// SetInsertionPoint positions the cursor at the end of bb.
func (b *Builder) SetInsertionPoint(bb *BasicBlock) error {
	if bb == nil || bb.fn != b.fn {
		return b.failf(ErrForeignBlock, "insertion point does not belong to function %q", b.fn.Name)
	}
	b.cur = bb
	return nil
}

func (b *Builder) failf(kind BuildErrorKind, format string, args ...any) error {
	e := &BuildError{Kind: kind, Fn: b.fn.Name, Detail: fmt.Sprintf(format, args...)}
	if b.cur != nil { e.Block = b.cur.Label }
	return e
}

func (b *Builder) emit(inst *Instruction) error {
	if b.cur == nil {
		return b.failf(ErrNoInsertionPoint, "no insertion point set")
	}
	if b.cur.Terminated() {
		return b.failf(ErrBlockTerminated, "cannot emit after terminator")
	}
	b.cur.Instrs = append(b.cur.Instrs, inst)
	return nil
}

func (b *Builder) checkClass(what string, v Value, want Type) error {
	if v == nil {
		return b.failf(ErrTypeMismatch, "%s operand is nil", what)
	}
	if v.Type() != want {
		return b.failf(ErrTypeMismatch, "%s operand %s has class %q, want %q", what, v, v.Type(), want)
	}
	return nil
}

// Alloca reserves a function-local memory slot for one scalar of the
// given class and yields its stable address.
func (b *Builder) Alloca(typ Type) (Value, error) {
	if typ != TypeW && typ != TypeL && typ != TypeS {
		return nil, b.failf(ErrTypeMismatch, "cannot allocate slot of class %q", typ)
	}
	res := b.fn.NewTemp(TypePtr)
	err := b.emit(&Instruction{Op: OpAlloc, Typ: TypePtr, Aux: typ, Result: res, Args: []Value{Long(SizeOfType(typ))}})
	if err != nil { return nil, err }
	return res, nil
}

// Load reads a scalar of class typ from addr.
func (b *Builder) Load(typ Type, addr Value) (Value, error) {
	if typ != TypeW && typ != TypeL && typ != TypeS {
		return nil, b.failf(ErrTypeMismatch, "cannot load class %q", typ)
	}
	if err := b.checkClass("load address", addr, TypePtr); err != nil { return nil, err }
	res := b.fn.NewTemp(typ)
	if err := b.emit(&Instruction{Op: OpLoad, Typ: typ, Aux: typ, Result: res, Args: []Value{addr}}); err != nil {
		return nil, err
	}
	return res, nil
}

// Store writes val to addr.
func (b *Builder) Store(val, addr Value) error {
	if err := b.checkClass("store address", addr, TypePtr); err != nil { return err }
	if val == nil { return b.failf(ErrTypeMismatch, "store value is nil") }
	switch val.Type() {
	case TypeW, TypeL, TypeS:
	default:
		return b.failf(ErrTypeMismatch, "cannot store value of class %q", val.Type())
	}
	return b.emit(&Instruction{Op: OpStore, Typ: TypeNone, Aux: val.Type(), Args: []Value{val, addr}})
}

// elemSize is the byte width of the integer elements addressed by
// ElemAddr. The model's only array element type is the 32-bit integer.
const elemSize = 4

// ElemAddr computes the address of base[index], zero-based, with no
// bounds checking: an out-of-range index is undefined behavior at the
// native level, exactly as on the target machine.
func (b *Builder) ElemAddr(base, index Value) (Value, error) {
	if err := b.checkClass("element base", base, TypePtr); err != nil { return nil, err }
	if err := b.checkClass("element index", index, TypeW); err != nil { return nil, err }
	wide := b.fn.NewTemp(TypeL)
	if err := b.emit(&Instruction{Op: OpExtSW, Typ: TypeL, Result: wide, Args: []Value{index}}); err != nil {
		return nil, err
	}
	off := b.fn.NewTemp(TypeL)
	if err := b.emit(&Instruction{Op: OpMul, Typ: TypeL, Result: off, Args: []Value{wide, Long(elemSize)}}); err != nil {
		return nil, err
	}
	res := b.fn.NewTemp(TypePtr)
	if err := b.emit(&Instruction{Op: OpAdd, Typ: TypePtr, Result: res, Args: []Value{base, off}}); err != nil {
		return nil, err
	}
	return res, nil
}

// ElemAddrChecked is the bounds-checked variant of ElemAddr. It
// branches to outOfBounds unless 0 <= index < length and continues
// emission in a fresh in-bounds block. The primary path stays
// unchecked; callers opt into the cost explicitly.
func (b *Builder) ElemAddrChecked(base, index, length Value, outOfBounds *BasicBlock) (Value, error) {
	if outOfBounds == nil || outOfBounds.fn != b.fn {
		return nil, b.failf(ErrForeignBlock, "out-of-bounds target does not belong to function %q", b.fn.Name)
	}
	if err := b.checkClass("element length", length, TypeW); err != nil { return nil, err }
	nonNeg, err := b.ICmp(PredGe, index, Word(0))
	if err != nil { return nil, err }
	lower := b.fn.NewBlock("bounds_lo")
	if err := b.CondBr(nonNeg, lower, outOfBounds); err != nil { return nil, err }
	if err := b.SetInsertionPoint(lower); err != nil { return nil, err }
	inRange, err := b.ICmp(PredLt, index, length)
	if err != nil { return nil, err }
	ok := b.fn.NewBlock("bounds_ok")
	if err := b.CondBr(inRange, ok, outOfBounds); err != nil { return nil, err }
	if err := b.SetInsertionPoint(ok); err != nil { return nil, err }
	return b.ElemAddr(base, index)
}

func (b *Builder) binop(op Op, class Type, x, y Value) (Value, error) {
	if err := b.checkClass("left", x, class); err != nil { return nil, err }
	if err := b.checkClass("right", y, class); err != nil { return nil, err }
	res := b.fn.NewTemp(class)
	if err := b.emit(&Instruction{Op: op, Typ: class, Result: res, Args: []Value{x, y}}); err != nil {
		return nil, err
	}
	return res, nil
}

// Add emits integer addition; the result wraps per two's complement.
func (b *Builder) Add(x, y Value) (Value, error) { return b.binop(OpAdd, TypeW, x, y) }

// Sub emits integer subtraction with wrapping semantics.
func (b *Builder) Sub(x, y Value) (Value, error) { return b.binop(OpSub, TypeW, x, y) }

// Mul emits integer multiplication with wrapping semantics.
func (b *Builder) Mul(x, y Value) (Value, error) { return b.binop(OpMul, TypeW, x, y) }

// FAdd emits single-precision addition.
func (b *Builder) FAdd(x, y Value) (Value, error) { return b.binop(OpAdd, TypeS, x, y) }

// FSub emits single-precision subtraction.
func (b *Builder) FSub(x, y Value) (Value, error) { return b.binop(OpSub, TypeS, x, y) }

// FMul emits single-precision multiplication.
func (b *Builder) FMul(x, y Value) (Value, error) { return b.binop(OpMul, TypeS, x, y) }

// FDiv emits single-precision division.
func (b *Builder) FDiv(x, y Value) (Value, error) { return b.binop(OpDiv, TypeS, x, y) }

// ICmp emits a signed integer comparison yielding a word boolean.
func (b *Builder) ICmp(pred Pred, x, y Value) (Value, error) {
	if err := b.checkClass("compare left", x, TypeW); err != nil { return nil, err }
	if err := b.checkClass("compare right", y, TypeW); err != nil { return nil, err }
	res := b.fn.NewTemp(TypeW)
	if err := b.emit(&Instruction{Op: pred.op(), Typ: TypeW, Aux: TypeW, Result: res, Args: []Value{x, y}}); err != nil {
		return nil, err
	}
	return res, nil
}

// SIToF converts a signed integer to single-precision float.
func (b *Builder) SIToF(v Value) (Value, error) {
	if err := b.checkClass("conversion", v, TypeW); err != nil { return nil, err }
	res := b.fn.NewTemp(TypeS)
	if err := b.emit(&Instruction{Op: OpSWToF, Typ: TypeS, Result: res, Args: []Value{v}}); err != nil {
		return nil, err
	}
	return res, nil
}

// Call emits a call to another function of the same module, checking
// arity and operand classes against the callee signature.
func (b *Builder) Call(callee *Func, args ...Value) (Value, error) {
	if callee == nil || callee.mod != b.fn.mod {
		return nil, b.failf(ErrForeignBlock, "call target does not belong to module %q", b.fn.mod.Name)
	}
	if len(args) != len(callee.Params) {
		return nil, b.failf(ErrTypeMismatch, "call to %q with %d arguments, want %d", callee.Name, len(args), len(callee.Params))
	}
	for i, a := range args {
		if err := b.checkClass(fmt.Sprintf("argument %d of %q", i, callee.Name), a, callee.Params[i].Typ); err != nil {
			return nil, err
		}
	}
	inst := &Instruction{Op: OpCall, Typ: callee.Ret, Args: append([]Value{&GlobalRef{Name: callee.Name}}, args...)}
	if callee.Ret != TypeNone {
		inst.Result = b.fn.NewTemp(callee.Ret)
	}
	if err := b.emit(inst); err != nil { return nil, err }
	if inst.Result == nil { return nil, nil }
	return inst.Result, nil
}

// Br terminates the current block with an unconditional branch.
func (b *Builder) Br(target *BasicBlock) error {
	if target == nil || target.fn != b.fn {
		return b.failf(ErrForeignBlock, "branch target does not belong to function %q", b.fn.Name)
	}
	return b.emit(&Instruction{Op: OpJmp, Args: []Value{&Label{Name: target.Label}}})
}

// CondBr terminates the current block, branching to ifTrue when cond
// is non-zero and to ifFalse otherwise.
func (b *Builder) CondBr(cond Value, ifTrue, ifFalse *BasicBlock) error {
	if err := b.checkClass("branch condition", cond, TypeW); err != nil { return err }
	if ifTrue == nil || ifTrue.fn != b.fn || ifFalse == nil || ifFalse.fn != b.fn {
		return b.failf(ErrForeignBlock, "branch target does not belong to function %q", b.fn.Name)
	}
	return b.emit(&Instruction{Op: OpJnz, Args: []Value{cond, &Label{Name: ifTrue.Label}, &Label{Name: ifFalse.Label}}})
}

// Ret terminates the current block returning v.
func (b *Builder) Ret(v Value) error {
	if b.fn.Ret == TypeNone {
		return b.failf(ErrTypeMismatch, "returning a value from a void function")
	}
	if err := b.checkClass("return", v, b.fn.Ret); err != nil { return err }
	return b.emit(&Instruction{Op: OpRet, Args: []Value{v}})
}

// RetVoid terminates the current block returning nothing.
func (b *Builder) RetVoid() error {
	if b.fn.Ret != TypeNone {
		return b.failf(ErrTypeMismatch, "void return from function of class %q", b.fn.Ret)
	}
	return b.emit(&Instruction{Op: OpRet})
}
