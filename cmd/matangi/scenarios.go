package main

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/neuneeraj/matangi-final/pkg/config"
	"github.com/neuneeraj/matangi-final/pkg/ir"
	"github.com/neuneeraj/matangi-final/pkg/jit"
)

// scenarioFunc builds a module and returns a check that invokes the
// finalized code and prints its results.
type scenarioFunc func(cfg *config.Config) (*ir.Module, func(*jit.Engine) error, error)

var scenarios = map[string]scenarioFunc{
	"answer": buildAnswer,
	"sum":    buildSum,
	"linreg": buildLinReg,
}

// buildAnswer is the smallest possible pipeline exercise: a single
// function returning a constant.
func buildAnswer(_ *config.Config) (*ir.Module, func(*jit.Engine) error, error) {
	m := ir.NewModule("answer")
	f, err := m.NewFunc("answer", ir.TypeW)
	if err != nil {
		return nil, nil, err
	}
	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		return nil, nil, err
	}
	if err := b.Ret(ir.Word(42)); err != nil {
		return nil, nil, err
	}

	check := func(eng *jit.Engine) error {
		addr, err := eng.FuncAddr("answer")
		if err != nil {
			return err
		}
		got, err := eng.Invoke(addr)
		if err != nil {
			return err
		}
		fmt.Printf("answer() = %d\n", int32(got))
		return nil
	}
	return m, check, nil
}

// buildSum accumulates the integers below n with a counted loop over
// two stack slots. The loop topology follows the pre-test-loops
// feature toggle.
func buildSum(cfg *config.Config) (*ir.Module, func(*jit.Engine) error, error) {
	m := ir.NewModule("sum")
	f, err := m.NewFunc("sum", ir.TypeW, ir.NewParam("n", ir.TypeW))
	if err != nil {
		return nil, nil, err
	}
	topo := ir.PostTest
	if cfg.IsFeatureEnabled(config.FeatPreTestLoops) {
		topo = ir.PreTest
	}

	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		return nil, nil, err
	}
	iSlot, err := b.Alloca(ir.TypeW)
	if err != nil {
		return nil, nil, err
	}
	accSlot, err := b.Alloca(ir.TypeW)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(ir.Word(0), iSlot); err != nil {
		return nil, nil, err
	}
	if err := b.Store(ir.Word(0), accSlot); err != nil {
		return nil, nil, err
	}

	loop, err := b.NewLoop("loop", topo)
	if err != nil {
		return nil, nil, err
	}
	n := f.ParamByName("n")
	if topo == ir.PreTest {
		i, err := b.Load(ir.TypeW, iSlot)
		if err != nil {
			return nil, nil, err
		}
		more, err := b.ICmp(ir.PredLt, i, n)
		if err != nil {
			return nil, nil, err
		}
		if err := loop.EnterBody(more); err != nil {
			return nil, nil, err
		}
	}

	i, err := b.Load(ir.TypeW, iSlot)
	if err != nil {
		return nil, nil, err
	}
	acc, err := b.Load(ir.TypeW, accSlot)
	if err != nil {
		return nil, nil, err
	}
	acc, err = b.Add(acc, i)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(acc, accSlot); err != nil {
		return nil, nil, err
	}
	next, err := b.Add(i, ir.Word(1))
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(next, iSlot); err != nil {
		return nil, nil, err
	}
	if topo == ir.PostTest {
		more, err := b.ICmp(ir.PredLt, next, n)
		if err != nil {
			return nil, nil, err
		}
		if err := loop.Close(more); err != nil {
			return nil, nil, err
		}
	} else {
		if err := loop.Close(nil); err != nil {
			return nil, nil, err
		}
	}

	result, err := b.Load(ir.TypeW, accSlot)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Ret(result); err != nil {
		return nil, nil, err
	}

	check := func(eng *jit.Engine) error {
		addr, err := eng.FuncAddr("sum")
		if err != nil {
			return err
		}
		got, err := eng.Invoke(addr, 5)
		if err != nil {
			return err
		}
		fmt.Printf("sum(5) = %d\n", int32(got))
		return nil
	}
	return m, check, nil
}

// linRegXs and linRegYs are the fixed data set for the regression
// scenario: a perfect line y = 2x, so the fit should recover slope 2,
// intercept 0.
var (
	linRegXs = []int32{1, 2, 3, 4, 5}
	linRegYs = []int32{2, 4, 6, 8, 10}
)

// buildLinReg fits a least-squares line through two integer arrays
// handed in by address, walking them element by element in a counted
// loop. The function returns nothing across the call boundary: the
// slope and intercept land in float globals the host reads back by
// address.
func buildLinReg(cfg *config.Config) (*ir.Module, func(*jit.Engine) error, error) {
	m := ir.NewModule("linreg")
	mSlot, err := m.NewGlobal("m_value", ir.TypeS, nil, ir.LinkCommon)
	if err != nil {
		return nil, nil, err
	}
	bSlot, err := m.NewGlobal("b_value", ir.TypeS, nil, ir.LinkCommon)
	if err != nil {
		return nil, nil, err
	}
	f, err := m.NewFunc("linreg", ir.TypeNone,
		ir.NewParam("xs", ir.TypePtr), ir.NewParam("ys", ir.TypePtr), ir.NewParam("n", ir.TypeW))
	if err != nil {
		return nil, nil, err
	}
	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		return nil, nil, err
	}

	var oob *ir.BasicBlock
	if cfg.IsFeatureEnabled(config.FeatBoundsCheck) {
		oob = f.NewBlock("oob")
	}
	elem := func(base, index ir.Value) (ir.Value, error) {
		if oob != nil {
			return b.ElemAddrChecked(base, index, f.ParamByName("n"), oob)
		}
		return b.ElemAddr(base, index)
	}
	iSlot, err := b.Alloca(ir.TypeW)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(ir.Word(0), iSlot); err != nil {
		return nil, nil, err
	}
	var sums [4]ir.Value // sumX, sumY, sumXY, sumXX
	for k := range sums {
		if sums[k], err = b.Alloca(ir.TypeS); err != nil {
			return nil, nil, err
		}
		if err := b.Store(ir.Single(0), sums[k]); err != nil {
			return nil, nil, err
		}
	}

	loop, err := b.NewLoop("loop", ir.PostTest)
	if err != nil {
		return nil, nil, err
	}
	i, err := b.Load(ir.TypeW, iSlot)
	if err != nil {
		return nil, nil, err
	}
	xAddr, err := elem(f.ParamByName("xs"), i)
	if err != nil {
		return nil, nil, err
	}
	x, err := b.Load(ir.TypeW, xAddr)
	if err != nil {
		return nil, nil, err
	}
	xf, err := b.SIToF(x)
	if err != nil {
		return nil, nil, err
	}
	yAddr, err := elem(f.ParamByName("ys"), i)
	if err != nil {
		return nil, nil, err
	}
	y, err := b.Load(ir.TypeW, yAddr)
	if err != nil {
		return nil, nil, err
	}
	yf, err := b.SIToF(y)
	if err != nil {
		return nil, nil, err
	}
	xy, err := b.FMul(xf, yf)
	if err != nil {
		return nil, nil, err
	}
	xx, err := b.FMul(xf, xf)
	if err != nil {
		return nil, nil, err
	}
	for k, inc := range []ir.Value{xf, yf, xy, xx} {
		acc, err := b.Load(ir.TypeS, sums[k])
		if err != nil {
			return nil, nil, err
		}
		if acc, err = b.FAdd(acc, inc); err != nil {
			return nil, nil, err
		}
		if err := b.Store(acc, sums[k]); err != nil {
			return nil, nil, err
		}
	}
	next, err := b.Add(i, ir.Word(1))
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(next, iSlot); err != nil {
		return nil, nil, err
	}
	more, err := b.ICmp(ir.PredLt, next, f.ParamByName("n"))
	if err != nil {
		return nil, nil, err
	}
	if err := loop.Close(more); err != nil {
		return nil, nil, err
	}

	var sumX, sumY, sumXY, sumXX ir.Value
	for k, dst := range []*ir.Value{&sumX, &sumY, &sumXY, &sumXX} {
		if *dst, err = b.Load(ir.TypeS, sums[k]); err != nil {
			return nil, nil, err
		}
	}
	nF, err := b.SIToF(f.ParamByName("n"))
	if err != nil {
		return nil, nil, err
	}

	// m = (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	nXY, err := b.FMul(nF, sumXY)
	if err != nil {
		return nil, nil, err
	}
	xTimesY, err := b.FMul(sumX, sumY)
	if err != nil {
		return nil, nil, err
	}
	num, err := b.FSub(nXY, xTimesY)
	if err != nil {
		return nil, nil, err
	}
	nXX, err := b.FMul(nF, sumXX)
	if err != nil {
		return nil, nil, err
	}
	xSq, err := b.FMul(sumX, sumX)
	if err != nil {
		return nil, nil, err
	}
	den, err := b.FSub(nXX, xSq)
	if err != nil {
		return nil, nil, err
	}
	slope, err := b.FDiv(num, den)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(slope, mSlot); err != nil {
		return nil, nil, err
	}

	// b = (sumY - m*sumX) / n
	mX, err := b.FMul(slope, sumX)
	if err != nil {
		return nil, nil, err
	}
	rest, err := b.FSub(sumY, mX)
	if err != nil {
		return nil, nil, err
	}
	intercept, err := b.FDiv(rest, nF)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Store(intercept, bSlot); err != nil {
		return nil, nil, err
	}
	if err := b.RetVoid(); err != nil {
		return nil, nil, err
	}
	if oob != nil {
		if err := b.SetInsertionPoint(oob); err != nil {
			return nil, nil, err
		}
		if err := b.RetVoid(); err != nil {
			return nil, nil, err
		}
	}

	check := func(eng *jit.Engine) error {
		addr, err := eng.FuncAddr("linreg")
		if err != nil {
			return err
		}
		xs, ys := linRegXs, linRegYs
		_, err = eng.Invoke(addr,
			uintptr(unsafe.Pointer(&xs[0])), uintptr(unsafe.Pointer(&ys[0])), uintptr(len(xs)))
		runtime.KeepAlive(xs)
		runtime.KeepAlive(ys)
		if err != nil {
			return err
		}
		slope, err := eng.ReadGlobalFloat32("m_value")
		if err != nil {
			return err
		}
		intercept, err := eng.ReadGlobalFloat32("b_value")
		if err != nil {
			return err
		}
		fmt.Printf("linreg: m = %g, b = %g\n", slope, intercept)
		return nil
	}
	return m, check, nil
}
