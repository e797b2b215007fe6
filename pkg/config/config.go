package config

import (
	"fmt"
	"os"

	"modernc.org/libqbe"
)

type Feature int

const (
	FeatBoundsCheck Feature = iota
	FeatPreTestLoops
	FeatVerifyEach
	FeatKeepBuildDir
	FeatCount
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

// Config carries pipeline-wide settings: the code generation target
// and its ABI properties, tuning knobs for the optimizer, and the
// feature toggles.
type Config struct {
	Features   map[Feature]Info
	FeatureMap map[string]Feature

	Target         string // QBE target name, e.g. amd64_sysv
	GOOS           string
	GOARCH         string
	WordSize       int
	StackAlignment int

	CC              string // assembler/linker driver
	InlineThreshold int
	UnrollLimit     int
}

func NewConfig() *Config {
	cfg := &Config{
		Features:        make(map[Feature]Info),
		FeatureMap:      make(map[string]Feature),
		CC:              "cc",
		InlineThreshold: 100,
		UnrollLimit:     16,
	}

	features := map[Feature]Info{
		FeatBoundsCheck:  {"bounds-check", false, "Emit bounds checks on element address computations."},
		FeatPreTestLoops: {"pre-test-loops", false, "Build loops with a guarding head block (zero-iteration semantics)."},
		FeatVerifyEach:   {"verify-each", false, "Re-verify the module after every optimization pass."},
		FeatKeepBuildDir: {"keep-build-dir", false, "Keep the JIT build directory for inspection."},
	}

	cfg.Features = features
	for ft, info := range features {
		cfg.FeatureMap[info.Name] = ft
	}
	return cfg
}

// SetTarget configures the engine for a specific QBE target,
// defaulting to the host target.
func (c *Config) SetTarget(goos, goarch, qbeTarget string) {
	if qbeTarget == "" {
		c.Target = libqbe.DefaultTarget(goos, goarch)
	} else {
		c.Target = qbeTarget
	}
	c.GOOS, c.GOARCH = goos, goarch

	switch c.Target {
	case "amd64_sysv", "amd64_apple", "arm64", "arm64_apple", "rv64":
		c.WordSize, c.StackAlignment = 8, 16
	case "arm", "rv32":
		c.WordSize, c.StackAlignment = 4, 8
	default:
		fmt.Fprintf(os.Stderr, "matangi: warning: unrecognized QBE target %q, assuming 64-bit properties\n", c.Target)
		c.WordSize, c.StackAlignment = 8, 16
	}
}

func (c *Config) SetFeature(ft Feature, enabled bool) {
	if info, ok := c.Features[ft]; ok {
		info.Enabled = enabled
		c.Features[ft] = info
	}
}

func (c *Config) IsFeatureEnabled(ft Feature) bool { return c.Features[ft].Enabled }
