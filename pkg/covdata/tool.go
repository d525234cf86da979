package covdata

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes coverage toolchain invocations and returns their
// stdout. Tests substitute a canned implementation.
type Runner interface {
	CovData(ctx context.Context, args ...string) (string, error)
	Cover(ctx context.Context, dir string, args ...string) (string, error)
}

// goRunner shells out to the go binary on PATH.
type goRunner struct{}

func (goRunner) CovData(ctx context.Context, args ...string) (string, error) {
	return runGo(ctx, "", append([]string{"tool", "covdata"}, args...))
}

func (goRunner) Cover(ctx context.Context, dir string, args ...string) (string, error) {
	return runGo(ctx, dir, append([]string{"tool", "cover"}, args...))
}

func runGo(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

// PackagePercent is the statement coverage of one package.
type PackagePercent struct {
	ImportPath string  `json:"import_path"`
	Percent    float64 `json:"percent"`
}

// Tool wraps the Go coverage data toolchain.
type Tool struct {
	log    logrus.FieldLogger
	runner Runner
}

// NewTool creates a Tool backed by the go binary.
func NewTool(log logrus.FieldLogger) *Tool {
	return &Tool{
		log:    log.WithField("component", "covdata"),
		runner: goRunner{},
	}
}

// SetRunner replaces the toolchain backend.
func (t *Tool) SetRunner(r Runner) {
	t.runner = r
}

// Merge folds the counter data of the input directories into outDir.
// The toolchain sums counters for matching meta-data and keeps distinct
// builds apart, which is exactly the semantics staged emissions need.
func (t *Tool) Merge(ctx context.Context, inputs []string, outDir string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no input directories to merge")
	}

	_, err := t.runner.CovData(ctx, "merge", "-i="+strings.Join(inputs, ","), "-o="+outDir)
	if err != nil {
		return fmt.Errorf("merging coverage data: %w", err)
	}

	return nil
}

// Percent returns per-package statement coverage for the data in dir.
func (t *Tool) Percent(ctx context.Context, dir string) ([]PackagePercent, error) {
	out, err := t.runner.CovData(ctx, "percent", "-i="+dir)
	if err != nil {
		return nil, fmt.Errorf("computing package percentages: %w", err)
	}

	return parsePercent(out), nil
}

// FuncTotal returns the aggregate statement coverage percentage for the
// data in dir. The percent listing has no overall line, so the total
// comes from the function report instead.
func (t *Tool) FuncTotal(ctx context.Context, dir string) (float64, error) {
	out, err := t.runner.CovData(ctx, "func", "-i="+dir)
	if err != nil {
		return 0, fmt.Errorf("computing total coverage: %w", err)
	}

	total, ok := parseFuncTotal(out)
	if !ok {
		return 0, fmt.Errorf("no total line in function report")
	}

	return total, nil
}

// Textfmt converts the data in dir to the legacy text profile format,
// which downstream annotation tools consume.
func (t *Tool) Textfmt(ctx context.Context, dir, outFile string) error {
	if _, err := t.runner.CovData(ctx, "textfmt", "-i="+dir, "-o="+outFile); err != nil {
		return fmt.Errorf("converting to text profile: %w", err)
	}

	return nil
}

// HTML renders an annotated source view from a text profile. The
// command runs inside sourceDir so the profile's file paths resolve
// against the service's checkout.
func (t *Tool) HTML(ctx context.Context, profile, sourceDir, outFile string) error {
	absProfile, err := filepath.Abs(profile)
	if err != nil {
		return fmt.Errorf("resolving profile path: %w", err)
	}

	absOut, err := filepath.Abs(outFile)
	if err != nil {
		return fmt.Errorf("resolving output path: %w", err)
	}

	if _, err := t.runner.Cover(ctx, sourceDir, "-html="+absProfile, "-o="+absOut); err != nil {
		return fmt.Errorf("rendering annotated source: %w", err)
	}

	return nil
}

// parsePercent reads `covdata percent` output. Each package line looks
// like:
//
//	github.com/example/svc/handlers	coverage: 81.3% of statements
func parsePercent(out string) []PackagePercent {
	var pkgs []PackagePercent

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "coverage:" {
			continue
		}

		pct, ok := parsePercentToken(fields[2])
		if !ok {
			continue
		}

		pkgs = append(pkgs, PackagePercent{ImportPath: fields[0], Percent: pct})
	}

	return pkgs
}

// parseFuncTotal pulls the aggregate from `covdata func` output, whose
// last data line is:
//
//	total	(statements)	74.2%
func parseFuncTotal(out string) (float64, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.Fields(lines[i])
		if len(fields) >= 3 && fields[0] == "total" {
			return parsePercentToken(fields[len(fields)-1])
		}
	}

	return 0, false
}

func parsePercentToken(token string) (float64, bool) {
	token = strings.TrimSuffix(token, "%")

	pct, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}

	return pct, true
}
