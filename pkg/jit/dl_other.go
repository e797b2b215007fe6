//go:build !(darwin || freebsd || linux || netbsd)

package jit

import (
	"fmt"
	"runtime"
)

func dlopen(string) (uintptr, error) {
	return 0, fmt.Errorf("in-process execution is not supported on %s", runtime.GOOS)
}

func dlsym(uintptr, string) (uintptr, error) {
	return 0, fmt.Errorf("in-process execution is not supported on %s", runtime.GOOS)
}

func dlclose(uintptr) error { return nil }

func syscallN(uintptr, ...uintptr) (uintptr, error) {
	return 0, fmt.Errorf("in-process execution is not supported on %s", runtime.GOOS)
}
