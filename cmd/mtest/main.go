package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
)

// mtest drives the matangi binary through a fixed matrix of scenario
// and pipeline combinations and compares the captured output against
// golden JSON files. Run with -generate-golden after an intentional
// behavior change.

type Execution struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

type CaseResult struct {
	Name       string    `json:"name"`
	Args       []string  `json:"args"`
	DriverHash string    `json:"driver_hash,omitempty"`
	Result     Execution `json:"result"`
}

type CaseOutcome struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, FAIL, SKIP, ERROR
	Message string `json:"message,omitempty"`
	Diff    string `json:"diff,omitempty"`
}

var (
	driver         = flag.String("driver", "./matangi", "Path to the driver binary to test.")
	goldenDir      = flag.String("dir", "testdata/golden", "Directory holding the golden JSON files.")
	generateGolden = flag.Bool("generate-golden", false, "Regenerate the golden files instead of comparing.")
	caseFilter     = flag.String("run", "", "Only run cases whose name contains this substring.")
	outputJSON     = flag.String("output", ".mtest_results.json", "Output file for the JSON report.")
	timeout        = flag.Duration("timeout", 30*time.Second, "Timeout for each driver execution.")
	jobs           = flag.Int("j", 4, "Number of parallel test jobs.")
)

const (
	cRed    = "\x1b[91m"
	cYellow = "\x1b[93m"
	cGreen  = "\x1b[92m"
	cCyan   = "\x1b[96m"
	cBold   = "\x1b[1m"
	cNone   = "\x1b[0m"
)

type caseSpec struct {
	Name string
	Args []string
}

// cases is the test matrix. Every entry must produce deterministic
// output: durations are stripped before comparison.
var cases = []caseSpec{
	{"answer_default", []string{"answer"}},
	{"answer_none", []string{"-p", "none", "answer"}},
	{"answer_dump_ir", []string{"-d", "answer"}},
	{"sum_default", []string{"sum"}},
	{"sum_none", []string{"-p", "none", "sum"}},
	{"sum_dump_ir_default", []string{"-d", "sum"}},
	{"sum_dump_ir_none", []string{"-d", "-p", "none", "sum"}},
	{"sum_pretest", []string{"-fpre-test-loops", "sum"}},
	{"sum_verify_each", []string{"-fverify-each", "sum"}},
	{"linreg_default", []string{"linreg"}},
	{"linreg_dump_ir", []string{"-d", "linreg"}},
	{"linreg_bounds", []string{"-fbounds-check", "linreg"}},
	{"linreg_bounds_dump_ir", []string{"-d", "-fbounds-check", "linreg"}},
	{"linreg_fold_only", []string{"-p", "instcombine,simplifycfg", "linreg"}},
	{"unknown_pass", []string{"-p", "nosuchpass", "answer"}},
	{"unknown_scenario", []string{"nosuchscenario"}},
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	driverHash, err := hashFile(*driver)
	if err != nil {
		log.Fatalf("%s[ERROR]%s Could not hash driver binary %s: %v\n", cRed, cNone, *driver, err)
	}

	selected := cases[:0:0]
	for _, c := range cases {
		if *caseFilter == "" || strings.Contains(c.Name, *caseFilter) {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		log.Println("No cases match the filter.")
		return
	}

	if *generateGolden {
		handleGenerateGolden(selected, driverHash)
		return
	}
	handleRunSuite(selected, driverHash)
}

func goldenPath(name string) string {
	return filepath.Join(*goldenDir, "."+name+".json")
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

func handleGenerateGolden(selected []caseSpec, driverHash string) {
	if err := os.MkdirAll(*goldenDir, 0755); err != nil {
		log.Fatalf("%s[ERROR]%s Failed to create directory %s: %v\n", cRed, cNone, *goldenDir, err)
	}
	for _, c := range selected {
		result := runCase(c.Name, c.Args, driverHash)
		jsonData, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Fatalf("%s[ERROR]%s Failed to marshal golden data: %v\n", cRed, cNone, err)
		}
		if err := os.WriteFile(goldenPath(c.Name), jsonData, 0644); err != nil {
			log.Fatalf("%s[ERROR]%s Failed to write golden file for %s: %v\n", cRed, cNone, c.Name, err)
		}
		log.Printf("%s[GOLDEN]%s %s\n", cGreen, cNone, goldenPath(c.Name))
	}
}

func handleRunSuite(selected []caseSpec, driverHash string) {
	tasks := make(chan int, len(selected))
	outcomes := make([]*CaseOutcome, len(selected))
	var wg sync.WaitGroup

	for i := 0; i < *jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				c := selected[idx]
				outcomes[idx] = testCase(c.Name, c.Args, driverHash)
			}
		}()
	}
	for i := range selected {
		tasks <- i
	}
	close(tasks)
	wg.Wait()

	printSummary(outcomes)
	writeJSONReport(outcomes)

	for _, o := range outcomes {
		if o.Status == "FAIL" || o.Status == "ERROR" {
			os.Exit(1)
		}
	}
}

func testCase(name string, args []string, driverHash string) *CaseOutcome {
	goldenData, err := os.ReadFile(goldenPath(name))
	if err != nil {
		return &CaseOutcome{Name: name, Status: "SKIP", Message: fmt.Sprintf("No golden file at %s; run with -generate-golden", goldenPath(name))}
	}
	var golden CaseResult
	if err := json.Unmarshal(goldenData, &golden); err != nil {
		return &CaseOutcome{Name: name, Status: "ERROR", Message: fmt.Sprintf("Could not parse golden file: %v", err)}
	}

	got := runCase(name, args, driverHash)

	// Timing and the driver hash are environment-dependent, not behavior.
	normalize := func(r *CaseResult) CaseResult {
		n := *r
		n.DriverHash = ""
		n.Result.Duration = 0
		return n
	}
	if diff := cmp.Diff(normalize(&golden), normalize(got)); diff != "" {
		msg := "Output mismatch"
		if golden.DriverHash != driverHash {
			msg += " (driver binary changed since the golden file was generated)"
		}
		return &CaseOutcome{Name: name, Status: "FAIL", Message: msg, Diff: diff}
	}
	return &CaseOutcome{Name: name, Status: "PASS", Message: "Output matches golden file"}
}

func runCase(name string, args []string, driverHash string) *CaseResult {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, *driver, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Execution{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
	} else if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -2
			res.Stderr += "\nExecution error: " + err.Error()
		}
	}
	return &CaseResult{Name: name, Args: args, DriverHash: driverHash, Result: res}
}

func printSummary(outcomes []*CaseOutcome) {
	sorted := append([]*CaseOutcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var passed, failed, skipped, errored int
	for _, o := range sorted {
		fmt.Println("----------------------------------------------------------------------")
		fmt.Printf("Case %s%s%s...\n", cCyan, o.Name, cNone)
		switch o.Status {
		case "PASS":
			passed++
			fmt.Printf("  [%sPASS%s] %s\n", cGreen, cNone, o.Message)
		case "FAIL":
			failed++
			fmt.Printf("  [%sFAIL%s] %s\n", cRed, cNone, o.Message)
			fmt.Println(formatDiff(o.Diff))
		case "SKIP":
			skipped++
			fmt.Printf("  [%sSKIP%s] %s\n", cYellow, cNone, o.Message)
		case "ERROR":
			errored++
			fmt.Printf("  [%sERROR%s] %s\n", cRed, cNone, o.Message)
		}
	}
	fmt.Println("----------------------------------------------------------------------")
	fmt.Printf("%sTest Summary:%s %s%d Passed%s, %s%d Failed%s, %s%d Skipped%s, %s%d Errored%s, %d Total\n",
		cBold, cNone, cGreen, passed, cNone, cRed, failed, cNone, cYellow, skipped, cNone, cRed, errored, cNone, len(sorted))
}

func formatDiff(diff string) string {
	if diff == "" {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("    --- Diff ---\n")
	for _, line := range strings.Split(diff, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") {
			builder.WriteString(cRed)
		} else if strings.HasPrefix(trimmed, "+") {
			builder.WriteString(cGreen)
		}
		builder.WriteString("    " + line)
		builder.WriteString(cNone)
		builder.WriteString("\n")
	}
	return builder.String()
}

func writeJSONReport(outcomes []*CaseOutcome) {
	resultsMap := make(map[string]*CaseOutcome, len(outcomes))
	for _, o := range outcomes {
		resultsMap[o.Name] = o
	}
	jsonData, err := json.MarshalIndent(resultsMap, "", "  ")
	if err != nil {
		log.Printf("%s[ERROR]%s Failed to marshal results: %v\n", cRed, cNone, err)
		return
	}
	if err := os.WriteFile(*outputJSON, jsonData, 0644); err != nil {
		log.Printf("%s[ERROR]%s Failed to write JSON report to %s: %v\n", cRed, cNone, *outputJSON, err)
		return
	}
	fmt.Printf("Full test report saved to %s\n", *outputJSON)
}
