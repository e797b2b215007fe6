package ir

// LoopTopology selects how a loop scaffold tests its predicate.
//
// PostTest is the original pipeline shape: the condition is evaluated
// at the end of the body, so the body runs at least once per entry.
// PreTest adds a head block that guards the body, giving the usual
// zero-iteration "while" semantics. The choice is explicit because the
// two shapes disagree for empty trip counts.
type LoopTopology int

const (
	PostTest LoopTopology = iota
	PreTest
)

// Loop is a block scaffold wired by NewLoop. For PostTest the shape is
// init -> body -> (body | exit); for PreTest it is
// init -> head -> (body | exit), body -> head.
type Loop struct {
	Head *BasicBlock // nil for PostTest
	Body *BasicBlock
	Exit *BasicBlock

	b    *Builder
	topo LoopTopology
}

// NewLoop creates the loop's blocks, terminates the current block
// (the initialization block) with a fall-through into the loop, and
// moves the cursor to where the next emission belongs: the body for
// PostTest, the head for PreTest.
func (b *Builder) NewLoop(name string, topo LoopTopology) (*Loop, error) {
	l := &Loop{b: b, topo: topo}
	if topo == PreTest {
		l.Head = b.fn.NewBlock(name + "_head")
	}
	l.Body = b.fn.NewBlock(name)
	l.Exit = b.fn.NewBlock(name + "_exit")

	first := l.Body
	if topo == PreTest { first = l.Head }
	if err := b.Br(first); err != nil { return nil, err }
	if err := b.SetInsertionPoint(first); err != nil { return nil, err }
	return l, nil
}

// EnterBody closes a PreTest head: branch into the body while cond
// holds, to the exit otherwise. The cursor moves to the body.
func (l *Loop) EnterBody(cond Value) error {
	if l.topo != PreTest {
		return l.b.failf(ErrTypeMismatch, "EnterBody on a post-test loop")
	}
	if err := l.b.CondBr(cond, l.Body, l.Exit); err != nil { return err }
	return l.b.SetInsertionPoint(l.Body)
}

// Close terminates the body and moves the cursor to the exit block.
// For PostTest, cond re-enters the body while it holds; for PreTest
// cond must be nil and the body jumps back to the head.
func (l *Loop) Close(cond Value) error {
	switch l.topo {
	case PostTest:
		if err := l.b.CondBr(cond, l.Body, l.Exit); err != nil { return err }
	default:
		if cond != nil {
			return l.b.failf(ErrTypeMismatch, "pre-test loop body closes unconditionally")
		}
		if err := l.b.Br(l.Head); err != nil { return err }
	}
	return l.b.SetInsertionPoint(l.Exit)
}
