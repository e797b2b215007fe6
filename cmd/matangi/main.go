package main

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/neuneeraj/matangi-final/pkg/cli"
	"github.com/neuneeraj/matangi-final/pkg/config"
	"github.com/neuneeraj/matangi-final/pkg/jit"
	"github.com/neuneeraj/matangi-final/pkg/opt"
	"github.com/neuneeraj/matangi-final/pkg/verifier"
)

func main() {
	app := cli.NewApp("matangi")
	app.Synopsis = "[options] [scenario ...]"
	app.Description = "Builds small numeric modules in a typed intermediate representation, optimizes them through a configurable pass pipeline and executes them in-process through the QBE backend."
	app.Repository = "<https://github.com/neuneeraj/matangi-final>"

	var (
		target          string
		passSpec        string
		dumpIR          bool
		dumpASM         bool
		inlineThreshold int
		unrollLimit     int
	)

	fs := app.FlagSet
	fs.String(&target, "target", "t", "", "Set the QBE code generation target (defaults to the host).", "target")
	fs.String(&passSpec, "passes", "p", "default", "Comma-separated optimization passes, 'default' or 'none'.", "list")
	fs.Bool(&dumpIR, "dump-ir", "d", false, "Dump the optimized intermediate representation and exit.")
	fs.Bool(&dumpASM, "dump-asm", "S", false, "Dump the generated target assembly and exit.")
	fs.Int(&inlineThreshold, "inline-threshold", "", 100, "Maximum callee size, in instructions, for the inline pass.", "n")
	fs.Int(&unrollLimit, "unroll-limit", "", 16, "Maximum trip count for the loop-unroll pass.", "n")

	cfg := config.NewConfig()
	featureFlags := setupFeatureFlags(fs, cfg)

	app.Action = func(args []string) error {
		for i, entry := range featureFlags {
			if entry.Enabled != nil && *entry.Enabled {
				cfg.SetFeature(config.Feature(i), true)
			}
			if entry.Disabled != nil && *entry.Disabled {
				cfg.SetFeature(config.Feature(i), false)
			}
		}
		cfg.SetTarget(runtime.GOOS, runtime.GOARCH, target)
		cfg.InlineThreshold = inlineThreshold
		cfg.UnrollLimit = unrollLimit

		passes, err := resolvePasses(passSpec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "matangi: %v\n", err)
			os.Exit(1)
		}

		names := args
		if len(names) == 0 {
			names = scenarioNames()
		}
		for _, name := range names {
			build, ok := scenarios[name]
			if !ok {
				fmt.Fprintf(os.Stderr, "matangi: unknown scenario '%s' (have: %s)\n", name, strings.Join(scenarioNames(), ", "))
				os.Exit(1)
			}
			if err := runScenario(name, build, passes, cfg, dumpIR, dumpASM); err != nil {
				fmt.Fprintf(os.Stderr, "matangi: scenario '%s': %v\n", name, err)
				os.Exit(1)
			}
		}
		return nil
	}

	if err := app.Run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

func runScenario(name string, build scenarioFunc, passes []string, cfg *config.Config, dumpIR, dumpASM bool) error {
	fmt.Println("----------------------")
	fmt.Printf("Building scenario '%s'...\n", name)
	mod, check, err := build(cfg)
	if err != nil {
		return fmt.Errorf("building module: %w", err)
	}

	fmt.Println("Verifying module...")
	vm, err := verifier.Verify(mod)
	if err != nil {
		return fmt.Errorf("verifying module: %w", err)
	}

	if len(passes) > 0 {
		fmt.Printf("Optimizing (%s)...\n", strings.Join(passes, ", "))
		opts := []opt.Option{opt.InlineThreshold(cfg.InlineThreshold), opt.UnrollLimit(cfg.UnrollLimit)}
		if cfg.IsFeatureEnabled(config.FeatVerifyEach) {
			opts = append(opts, opt.WithVerifyEach())
		}
		vm, err = opt.Optimize(vm, passes, opts...)
		if err != nil {
			return fmt.Errorf("optimizing module: %w", err)
		}
	}

	if dumpIR {
		fmt.Print(mod.String())
		return nil
	}

	fmt.Printf("Generating code for target '%s'...\n", cfg.Target)
	eng, err := jit.NewEngine(vm, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Compile(); err != nil {
		return err
	}
	if dumpASM {
		asm, err := eng.Assembly()
		if err != nil {
			return err
		}
		os.Stdout.Write(asm)
		return nil
	}

	fmt.Println("Finalizing...")
	if err := eng.Finalize(); err != nil {
		return err
	}

	fmt.Println("Executing...")
	if err := check(eng); err != nil {
		return err
	}
	fmt.Println("Done!")
	return nil
}

// resolvePasses expands the -p spec. Unknown names are left for the
// optimizer to reject so its diagnostics stay the single source of
// truth.
func resolvePasses(spec string) ([]string, error) {
	switch spec {
	case "default":
		return opt.DefaultPipeline(), nil
	case "none", "":
		return nil, nil
	}
	var out []string
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty pass name in '%s'", spec)
		}
		out = append(out, p)
	}
	return out, nil
}

func setupFeatureFlags(fs *cli.FlagSet, cfg *config.Config) []cli.FlagGroupEntry {
	entries := make([]cli.FlagGroupEntry, config.FeatCount)
	for ft, info := range cfg.Features {
		enabled := info.Enabled
		disabled := false
		entries[ft] = cli.FlagGroupEntry{
			Name:     info.Name,
			Prefix:   "f",
			Usage:    info.Description,
			Enabled:  &enabled,
			Disabled: &disabled,
		}
	}
	fs.AddFlagGroup("Features", "feature", entries)
	return entries
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
