// Package opt applies ordered, caller-specified optimization
// pipelines to verified modules. Passes are resolved against an
// explicit registry; there is no hidden default ordering, so a test
// suite can pin the exact pipeline it expects.
package opt

import (
	"errors"
	"fmt"

	"github.com/neuneeraj/matangi-final/pkg/ir"
	"github.com/neuneeraj/matangi-final/pkg/verifier"
)

var (
	// ErrUnknownPass is wrapped when a pipeline names an unregistered
	// pass. The module is left untouched.
	ErrUnknownPass = errors.New("unknown pass")

	// ErrRepeatedPass is wrapped when a pipeline repeats a pass that
	// is not idempotence-guaranteed (loop-unroll, inline).
	ErrRepeatedPass = errors.New("pass may appear at most once per pipeline")
)

// Options carries the pipeline-wide tuning knobs.
type Options struct {
	// InlineThreshold is the maximum callee instruction count the
	// inline pass accepts. The original pipeline used 100.
	InlineThreshold int
	// UnrollLimit caps the statically-derived trip count loop-unroll
	// will fully expand.
	UnrollLimit int
	// VerifyEach re-verifies the module after every pass.
	VerifyEach bool
}

// Option adjusts pipeline options.
type Option func(*Options)

// InlineThreshold sets the inlining size threshold.
func InlineThreshold(n int) Option { return func(o *Options) { o.InlineThreshold = n } }

// UnrollLimit sets the maximum full-unroll trip count.
func UnrollLimit(n int) Option { return func(o *Options) { o.UnrollLimit = n } }

// WithVerifyEach turns on per-pass re-verification.
func WithVerifyEach() Option { return func(o *Options) { o.VerifyEach = true } }

// Pass is a named module-to-module transformation. Run reports
// whether it changed the module. Repeatable passes are idempotent and
// may appear any number of times in a pipeline.
type Pass struct {
	Name       string
	Repeatable bool
	Run        func(m *ir.Module, o *Options) bool
}

// Registry maps pass names to their implementations.
var Registry = map[string]*Pass{
	"constmerge":   {Name: "constmerge", Repeatable: true, Run: constMerge},
	"deadargelim":  {Name: "deadargelim", Repeatable: true, Run: deadArgElim},
	"instcombine":  {Name: "instcombine", Repeatable: true, Run: instCombine},
	"simplifycfg":  {Name: "simplifycfg", Repeatable: true, Run: simplifyCFG},
	"loop-unroll":  {Name: "loop-unroll", Repeatable: false, Run: loopUnroll},
	"gvn":          {Name: "gvn", Repeatable: true, Run: valueNumber},
	"tailcallelim": {Name: "tailcallelim", Repeatable: true, Run: tailCallElim},
	"inline":       {Name: "inline", Repeatable: false, Run: inline},
}

// DefaultPipeline returns the pass order of the original pipeline.
func DefaultPipeline() []string {
	return []string{
		"constmerge",
		"deadargelim",
		"instcombine",
		"simplifycfg",
		"loop-unroll",
		"gvn",
		"tailcallelim",
		"inline",
	}
}

// Optimize applies the named passes in order. Every name is resolved
// before anything runs, so a bad pipeline leaves the module
// unmodified. The transformed module is re-verified before being
// handed back.
func Optimize(vm *verifier.VerifiedModule, names []string, opts ...Option) (*verifier.VerifiedModule, error) {
	o := &Options{InlineThreshold: 100, UnrollLimit: 16}
	for _, opt := range opts {
		opt(o)
	}

	passes := make([]*Pass, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		p, ok := Registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPass, name)
		}
		if !p.Repeatable && seen[name] {
			return nil, fmt.Errorf("%w: %q", ErrRepeatedPass, name)
		}
		seen[name] = true
		passes = append(passes, p)
	}

	m := vm.Module()
	for _, p := range passes {
		p.Run(m, o)
		if o.VerifyEach {
			if _, err := verifier.Verify(m); err != nil {
				return nil, fmt.Errorf("after pass %q: %w", p.Name, err)
			}
		}
	}
	return verifier.Verify(m)
}

// replaceUses rewrites every operand of f that is identical to old.
func replaceUses(f *ir.Func, old, new ir.Value) {
	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			for i, a := range inst.Args {
				if a == old { inst.Args[i] = new }
			}
		}
	}
}

// defCounts returns the number of definitions of each temporary in f.
// Temporaries are not required to be single-assignment, and several
// rewrites are only sound for those that are.
func defCounts(f *ir.Func) map[*ir.Temp]int {
	n := make(map[*ir.Temp]int)
	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			if inst.Result != nil { n[inst.Result]++ }
		}
	}
	return n
}
