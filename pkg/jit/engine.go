// Package jit lowers a verified module to native machine code for the
// host target and bridges compiled functions back to Go through a
// foreign-function call boundary.
//
// The lowering chain is: QBE text -> libqbe -> target assembly ->
// host cc (assemble and link a shared object) -> dlopen. Function and
// global addresses come from dlsym; invocation crosses the C ABI with
// integer/pointer arguments only. Faults inside compiled code (for
// example an out-of-range element address) are native faults: they
// are not caught here and can terminate the process.
package jit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unsafe"

	"modernc.org/libqbe"

	"github.com/neuneeraj/matangi-final/pkg/config"
	"github.com/neuneeraj/matangi-final/pkg/ir"
	"github.com/neuneeraj/matangi-final/pkg/verifier"
)

var (
	// ErrPrecondition marks a programming error: the engine was used
	// against its state machine.
	ErrPrecondition = errors.New("jit: precondition violated")

	// ErrNotFinalized is returned when resolving symbols before the
	// code is resident.
	ErrNotFinalized = errors.New("jit: engine not finalized")

	// ErrSymbolNotFound is a recoverable lookup miss.
	ErrSymbolNotFound = errors.New("jit: symbol not found")

	// ErrDisposed is returned for any use after Close.
	ErrDisposed = errors.New("jit: engine disposed")
)

// State is the engine lifecycle position.
type State int

const (
	Unbuilt State = iota
	Compiled
	Finalized
	Disposed
)

func (s State) String() string {
	switch s {
	case Unbuilt: return "unbuilt"
	case Compiled: return "compiled"
	case Finalized: return "finalized"
	default: return "disposed"
	}
}

// Engine owns one verified module, its generated machine code and the
// resolved symbol addresses. It is single-threaded: concurrent use
// requires external serialization.
type Engine struct {
	cfg   *config.Config
	mod   *ir.Module
	state State

	asm  []byte
	dir  string
	lib  uintptr
	syms map[string]uintptr
}

// NewEngine creates an engine for a verified module. Compiling an
// unverified module is impossible by construction; a nil verified
// module is a precondition violation.
func NewEngine(vm *verifier.VerifiedModule, cfg *config.Config) (*Engine, error) {
	if vm == nil || vm.Module() == nil {
		return nil, fmt.Errorf("%w: nil verified module", ErrPrecondition)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrPrecondition)
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: config has no target set", ErrPrecondition)
	}
	return &Engine{cfg: cfg, mod: vm.Module(), syms: make(map[string]uintptr)}, nil
}

// State returns the engine's lifecycle position.
func (e *Engine) State() State { return e.state }

// Assembly returns the generated target assembly after Compile.
func (e *Engine) Assembly() ([]byte, error) {
	if e.state < Compiled || e.state == Disposed {
		return nil, fmt.Errorf("%w: no assembly in state %s", ErrPrecondition, e.state)
	}
	return e.asm, nil
}

// Compile lowers the module to target assembly.
func (e *Engine) Compile() error {
	if e.state != Unbuilt {
		return fmt.Errorf("%w: Compile in state %s", ErrPrecondition, e.state)
	}
	text := e.mod.String()
	var asm bytes.Buffer
	if err := libqbe.Main(e.cfg.Target, e.mod.Name+".ssa", strings.NewReader(text), &asm, nil); err != nil {
		return fmt.Errorf("qbe lowering failed: %w\nmodule:\n%s", err, text)
	}
	e.asm = asm.Bytes()
	e.state = Compiled
	return nil
}

// Finalize assembles and links the generated code into a shared
// object and loads it. After Finalize, addresses are resolvable and
// code is resident until Close.
func (e *Engine) Finalize() error {
	if e.state != Compiled {
		return fmt.Errorf("%w: Finalize in state %s", ErrPrecondition, e.state)
	}

	dir, err := os.MkdirTemp("", "matangi-jit-*")
	if err != nil {
		return fmt.Errorf("creating build directory: %w", err)
	}
	e.dir = dir

	asmFile := filepath.Join(dir, e.mod.Name+".s")
	if err := os.WriteFile(asmFile, e.asm, 0o644); err != nil {
		return fmt.Errorf("writing assembly: %w", err)
	}

	soFile := filepath.Join(dir, e.mod.Name+".so")
	args := []string{"-shared", "-fPIC", "-o", soFile, asmFile}
	if e.cfg.GOOS != "darwin" {
		// The generated assembly addresses data symbols with direct
		// PC-relative relocations, which GNU ld rejects for preemptible
		// definitions in a shared object. Binding definitions locally
		// keeps those relocations valid; Mach-O needs no equivalent.
		args = append(args, "-Wl,-Bsymbolic")
	}
	cmd := exec.Command(e.cfg.CC, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %w\noutput:\n%s", e.cfg.CC, err, out)
	}

	lib, err := dlopen(soFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", soFile, err)
	}
	e.lib = lib
	e.state = Finalized
	return nil
}

func (e *Engine) resolve(name string) (uintptr, error) {
	switch e.state {
	case Disposed:
		return 0, ErrDisposed
	case Finalized:
	default:
		return 0, fmt.Errorf("%w: cannot resolve %q in state %s", ErrNotFinalized, name, e.state)
	}
	if addr, ok := e.syms[name]; ok { return addr, nil }
	addr, err := dlsym(e.lib, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	e.syms[name] = addr
	return addr, nil
}

// FuncAddr resolves the native address of a compiled function.
func (e *Engine) FuncAddr(name string) (uintptr, error) { return e.resolve(name) }

// GlobalAddr resolves the native address of a module global.
func (e *Engine) GlobalAddr(name string) (uintptr, error) { return e.resolve(name) }

// Invoke calls compiled code at fn with integer/pointer arguments and
// returns the integer/pointer return register. The caller must know
// the compiled signature exactly; a mismatch is undefined behavior at
// the native boundary. Once control transfers there is no
// cancellation: the code runs to completion or faults.
func (e *Engine) Invoke(fn uintptr, args ...uintptr) (uintptr, error) {
	switch e.state {
	case Disposed:
		return 0, ErrDisposed
	case Finalized:
	default:
		return 0, fmt.Errorf("%w: cannot invoke in state %s", ErrNotFinalized, e.state)
	}
	if fn == 0 {
		return 0, fmt.Errorf("%w: nil function address", ErrPrecondition)
	}
	return syscallN(fn, args...)
}

// ReadGlobalFloat32 reinterprets the 4 bytes at a global's address as
// a single-precision float. Reads are only meaningful strictly after
// an invocation that wrote the global has returned.
func (e *Engine) ReadGlobalFloat32(name string) (float32, error) {
	addr, err := e.checkedGlobal(name, ir.TypeS)
	if err != nil { return 0, err }
	return *(*float32)(nativePtr(addr)), nil
}

// ReadGlobalInt32 reinterprets the 4 bytes at a global's address as a
// 32-bit integer.
func (e *Engine) ReadGlobalInt32(name string) (int32, error) {
	addr, err := e.checkedGlobal(name, ir.TypeW)
	if err != nil { return 0, err }
	return *(*int32)(nativePtr(addr)), nil
}

// nativePtr converts a dlsym-resolved address for dereferencing. The
// address is never a Go pointer and the object stays mapped until
// Close, which is what the uintptr-to-Pointer rules vet checks cannot
// see; the conversion is confined here.
func nativePtr(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func (e *Engine) checkedGlobal(name string, want ir.Type) (uintptr, error) {
	if g := e.mod.FindGlobal(name); g != nil && g.Typ != want {
		return 0, fmt.Errorf("%w: global %q has class %q, read as %q", ErrPrecondition, name, g.Typ, want)
	}
	return e.resolve(name)
}

// Close unloads the compiled code and removes the build directory.
// All resolved addresses are invalid afterwards.
func (e *Engine) Close() error {
	if e.state == Disposed { return nil }
	var err error
	if e.lib != 0 {
		err = dlclose(e.lib)
		e.lib = 0
	}
	if e.dir != "" && !e.cfg.IsFeatureEnabled(config.FeatKeepBuildDir) {
		os.RemoveAll(e.dir)
	}
	e.state = Disposed
	return err
}
