//go:build darwin || freebsd || linux || netbsd

package jit

import "github.com/ebitengine/purego"

func dlopen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
}

func dlsym(lib uintptr, name string) (uintptr, error) {
	return purego.Dlsym(lib, name)
}

func dlclose(lib uintptr) error {
	return purego.Dlclose(lib)
}

func syscallN(fn uintptr, args ...uintptr) (uintptr, error) {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1, nil
}
