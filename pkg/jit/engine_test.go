package jit

import (
	"errors"
	"math"
	"os/exec"
	"runtime"
	"testing"
	"unsafe"

	"github.com/neuneeraj/matangi-final/pkg/config"
	"github.com/neuneeraj/matangi-final/pkg/ir"
	"github.com/neuneeraj/matangi-final/pkg/opt"
	"github.com/neuneeraj/matangi-final/pkg/verifier"
)

func hostConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.SetTarget(runtime.GOOS, runtime.GOARCH, "")
	return cfg
}

func verifyModule(t *testing.T, m *ir.Module) *verifier.VerifiedModule {
	t.Helper()
	vm, err := verifier.Verify(m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return vm
}

// requireNative skips tests that need the host toolchain and loader.
func requireNative(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skipf("in-process execution not exercised on %s", runtime.GOOS)
	}
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("cc not found in PATH")
	}
}

func buildAnswer(t *testing.T) *ir.Module {
	t.Helper()
	m := ir.NewModule("answer")
	f, err := m.NewFunc("answer", ir.TypeW)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		t.Fatalf("SetInsertionPoint: %v", err)
	}
	if err := b.Ret(ir.Word(42)); err != nil {
		t.Fatalf("Ret: %v", err)
	}
	return m
}

func TestNewEnginePreconditions(t *testing.T) {
	cfg := hostConfig(t)
	if _, err := NewEngine(nil, cfg); !errors.Is(err, ErrPrecondition) {
		t.Errorf("nil module: got %v, want ErrPrecondition", err)
	}
	vm := verifyModule(t, buildAnswer(t))
	if _, err := NewEngine(vm, nil); !errors.Is(err, ErrPrecondition) {
		t.Errorf("nil config: got %v, want ErrPrecondition", err)
	}
	if _, err := NewEngine(vm, config.NewConfig()); !errors.Is(err, ErrPrecondition) {
		t.Errorf("config without target: got %v, want ErrPrecondition", err)
	}
}

func TestEngineStateMachine(t *testing.T) {
	eng, err := NewEngine(verifyModule(t, buildAnswer(t)), hostConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if eng.State() != Unbuilt {
		t.Fatalf("initial state: got %s, want unbuilt", eng.State())
	}

	if _, err := eng.Assembly(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Assembly before Compile: got %v, want ErrPrecondition", err)
	}
	if err := eng.Finalize(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Finalize before Compile: got %v, want ErrPrecondition", err)
	}
	if _, err := eng.FuncAddr("answer"); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("FuncAddr before Finalize: got %v, want ErrNotFinalized", err)
	}
	if _, err := eng.Invoke(1); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("Invoke before Finalize: got %v, want ErrNotFinalized", err)
	}
	if _, err := eng.ReadGlobalFloat32("x"); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("ReadGlobalFloat32 before Finalize: got %v, want ErrNotFinalized", err)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if eng.State() != Disposed {
		t.Errorf("state after Close: got %s, want disposed", eng.State())
	}
	if _, err := eng.FuncAddr("answer"); !errors.Is(err, ErrDisposed) {
		t.Errorf("FuncAddr after Close: got %v, want ErrDisposed", err)
	}
	if _, err := eng.Invoke(1); !errors.Is(err, ErrDisposed) {
		t.Errorf("Invoke after Close: got %v, want ErrDisposed", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCompileProducesAssembly(t *testing.T) {
	requireNative(t)
	eng, err := NewEngine(verifyModule(t, buildAnswer(t)), hostConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()

	if err := eng.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if eng.State() != Compiled {
		t.Errorf("state after Compile: got %s, want compiled", eng.State())
	}
	asm, err := eng.Assembly()
	if err != nil {
		t.Fatalf("Assembly: %v", err)
	}
	if len(asm) == 0 {
		t.Error("Compile produced no assembly")
	}
	if err := eng.Compile(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("second Compile: got %v, want ErrPrecondition", err)
	}
}

func TestExecuteAnswer(t *testing.T) {
	requireNative(t)
	eng, err := NewEngine(verifyModule(t, buildAnswer(t)), hostConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()
	if err := eng.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := eng.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	addr, err := eng.FuncAddr("answer")
	if err != nil {
		t.Fatalf("FuncAddr: %v", err)
	}
	got, err := eng.Invoke(addr)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if int32(got) != 42 {
		t.Errorf("answer() = %d, want 42", int32(got))
	}

	if _, err := eng.FuncAddr("nosuchsymbol"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("missing symbol: got %v, want ErrSymbolNotFound", err)
	}
}

func TestExecuteSumLoop(t *testing.T) {
	requireNative(t)
	m := ir.NewModule("sum")
	f, err := m.NewFunc("sum", ir.TypeW, ir.NewParam("n", ir.TypeW))
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		t.Fatalf("SetInsertionPoint: %v", err)
	}
	iSlot, _ := b.Alloca(ir.TypeW)
	accSlot, _ := b.Alloca(ir.TypeW)
	if err := b.Store(ir.Word(0), iSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := b.Store(ir.Word(0), accSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	loop, err := b.NewLoop("loop", ir.PostTest)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	i, _ := b.Load(ir.TypeW, iSlot)
	acc, _ := b.Load(ir.TypeW, accSlot)
	acc, err = b.Add(acc, i)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Store(acc, accSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	next, _ := b.Add(i, ir.Word(1))
	if err := b.Store(next, iSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	more, _ := b.ICmp(ir.PredLt, next, f.ParamByName("n"))
	if err := loop.Close(more); err != nil {
		t.Fatalf("Close: %v", err)
	}
	out, _ := b.Load(ir.TypeW, accSlot)
	if err := b.Ret(out); err != nil {
		t.Fatalf("Ret: %v", err)
	}

	vm, err := opt.Optimize(verifyModule(t, m), opt.DefaultPipeline())
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	eng, err := NewEngine(vm, hostConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()
	if err := eng.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := eng.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	addr, err := eng.FuncAddr("sum")
	if err != nil {
		t.Fatalf("FuncAddr: %v", err)
	}
	got, err := eng.Invoke(addr, 5)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if int32(got) != 10 {
		t.Errorf("sum(5) = %d, want 10", int32(got))
	}
}

func TestExecuteArrayRegression(t *testing.T) {
	requireNative(t)
	m := ir.NewModule("linreg")
	mSlot, err := m.NewGlobal("m_value", ir.TypeS, nil, ir.LinkCommon)
	if err != nil {
		t.Fatalf("NewGlobal(m_value): %v", err)
	}
	bSlot, err := m.NewGlobal("b_value", ir.TypeS, nil, ir.LinkCommon)
	if err != nil {
		t.Fatalf("NewGlobal(b_value): %v", err)
	}
	f, err := m.NewFunc("linreg", ir.TypeNone,
		ir.NewParam("xs", ir.TypePtr), ir.NewParam("ys", ir.TypePtr), ir.NewParam("n", ir.TypeW))
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		t.Fatalf("SetInsertionPoint: %v", err)
	}
	iSlot, _ := b.Alloca(ir.TypeW)
	if err := b.Store(ir.Word(0), iSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	var sums [4]ir.Value // sumX, sumY, sumXY, sumXX
	for k := range sums {
		sums[k], _ = b.Alloca(ir.TypeS)
		if err := b.Store(ir.Single(0), sums[k]); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	loop, err := b.NewLoop("loop", ir.PostTest)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	i, _ := b.Load(ir.TypeW, iSlot)
	xAddr, err := b.ElemAddr(f.ParamByName("xs"), i)
	if err != nil {
		t.Fatalf("ElemAddr: %v", err)
	}
	x, _ := b.Load(ir.TypeW, xAddr)
	xf, _ := b.SIToF(x)
	yAddr, err := b.ElemAddr(f.ParamByName("ys"), i)
	if err != nil {
		t.Fatalf("ElemAddr: %v", err)
	}
	y, _ := b.Load(ir.TypeW, yAddr)
	yf, _ := b.SIToF(y)
	xy, _ := b.FMul(xf, yf)
	xx, _ := b.FMul(xf, xf)
	for k, inc := range []ir.Value{xf, yf, xy, xx} {
		acc, _ := b.Load(ir.TypeS, sums[k])
		acc, err = b.FAdd(acc, inc)
		if err != nil {
			t.Fatalf("FAdd: %v", err)
		}
		if err := b.Store(acc, sums[k]); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	next, _ := b.Add(i, ir.Word(1))
	if err := b.Store(next, iSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	more, _ := b.ICmp(ir.PredLt, next, f.ParamByName("n"))
	if err := loop.Close(more); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sumX, _ := b.Load(ir.TypeS, sums[0])
	sumY, _ := b.Load(ir.TypeS, sums[1])
	sumXY, _ := b.Load(ir.TypeS, sums[2])
	sumXX, _ := b.Load(ir.TypeS, sums[3])
	nF, _ := b.SIToF(f.ParamByName("n"))
	nXY, _ := b.FMul(nF, sumXY)
	xTimesY, _ := b.FMul(sumX, sumY)
	num, _ := b.FSub(nXY, xTimesY)
	nXX, _ := b.FMul(nF, sumXX)
	xSq, _ := b.FMul(sumX, sumX)
	den, _ := b.FSub(nXX, xSq)
	slope, err := b.FDiv(num, den)
	if err != nil {
		t.Fatalf("FDiv: %v", err)
	}
	if err := b.Store(slope, mSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	mX, _ := b.FMul(slope, sumX)
	rest, _ := b.FSub(sumY, mX)
	intercept, err := b.FDiv(rest, nF)
	if err != nil {
		t.Fatalf("FDiv: %v", err)
	}
	if err := b.Store(intercept, bSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := b.RetVoid(); err != nil {
		t.Fatalf("RetVoid: %v", err)
	}

	vm, err := opt.Optimize(verifyModule(t, m), opt.DefaultPipeline())
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	eng, err := NewEngine(vm, hostConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()
	if err := eng.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := eng.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	addr, err := eng.FuncAddr("linreg")
	if err != nil {
		t.Fatalf("FuncAddr: %v", err)
	}
	xs := []int32{1, 2, 3, 4, 5}
	ys := []int32{2, 4, 6, 8, 10}
	_, err = eng.Invoke(addr,
		uintptr(unsafe.Pointer(&xs[0])), uintptr(unsafe.Pointer(&ys[0])), uintptr(len(xs)))
	runtime.KeepAlive(xs)
	runtime.KeepAlive(ys)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	gotM, err := eng.ReadGlobalFloat32("m_value")
	if err != nil {
		t.Fatalf("ReadGlobalFloat32(m_value): %v", err)
	}
	gotB, err := eng.ReadGlobalFloat32("b_value")
	if err != nil {
		t.Fatalf("ReadGlobalFloat32(b_value): %v", err)
	}
	if math.Abs(float64(gotM)-2) > 1e-3 || math.Abs(float64(gotB)-0) > 1e-3 {
		t.Errorf("fit over y=2x: m = %g, b = %g, want 2 and 0", gotM, gotB)
	}
}

func TestExecuteFloatGlobals(t *testing.T) {
	requireNative(t)
	m := ir.NewModule("fit")
	mSlot, err := m.NewGlobal("m_value", ir.TypeS, nil, ir.LinkCommon)
	if err != nil {
		t.Fatalf("NewGlobal(m_value): %v", err)
	}
	bSlot, err := m.NewGlobal("b_value", ir.TypeS, nil, ir.LinkCommon)
	if err != nil {
		t.Fatalf("NewGlobal(b_value): %v", err)
	}
	if _, err := m.NewGlobal("count", ir.TypeW, ir.Word(5), ir.LinkExport); err != nil {
		t.Fatalf("NewGlobal(count): %v", err)
	}

	f, err := m.NewFunc("fit", ir.TypeNone)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	b := ir.NewBuilder(f)
	if err := b.SetInsertionPoint(f.NewBlock("start")); err != nil {
		t.Fatalf("SetInsertionPoint: %v", err)
	}
	// slope = 10 / toFloat(5), intercept = slope - 2.0
	nF, err := b.SIToF(ir.Word(5))
	if err != nil {
		t.Fatalf("SIToF: %v", err)
	}
	slope, err := b.FDiv(ir.Single(10), nF)
	if err != nil {
		t.Fatalf("FDiv: %v", err)
	}
	if err := b.Store(slope, mSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	intercept, err := b.FSub(slope, ir.Single(2))
	if err != nil {
		t.Fatalf("FSub: %v", err)
	}
	if err := b.Store(intercept, bSlot); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := b.RetVoid(); err != nil {
		t.Fatalf("RetVoid: %v", err)
	}

	eng, err := NewEngine(verifyModule(t, m), hostConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()
	if err := eng.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := eng.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	addr, err := eng.FuncAddr("fit")
	if err != nil {
		t.Fatalf("FuncAddr: %v", err)
	}
	if _, err := eng.Invoke(addr); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	gotM, err := eng.ReadGlobalFloat32("m_value")
	if err != nil {
		t.Fatalf("ReadGlobalFloat32(m_value): %v", err)
	}
	gotB, err := eng.ReadGlobalFloat32("b_value")
	if err != nil {
		t.Fatalf("ReadGlobalFloat32(b_value): %v", err)
	}
	if math.Abs(float64(gotM)-2) > 1e-3 || math.Abs(float64(gotB)-0) > 1e-3 {
		t.Errorf("globals after fit: m = %g, b = %g, want 2 and 0", gotM, gotB)
	}

	gotN, err := eng.ReadGlobalInt32("count")
	if err != nil {
		t.Fatalf("ReadGlobalInt32(count): %v", err)
	}
	if gotN != 5 {
		t.Errorf("count = %d, want 5", gotN)
	}

	// Class-checked reads refuse the wrong accessor.
	if _, err := eng.ReadGlobalFloat32("count"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("float read of word global: got %v, want ErrPrecondition", err)
	}
	if _, err := eng.ReadGlobalInt32("m_value"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("int read of float global: got %v, want ErrPrecondition", err)
	}
}
