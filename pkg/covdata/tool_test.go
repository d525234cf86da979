package covdata

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner returns canned output per covdata mode.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   [][]string
}

func (f *fakeRunner) CovData(_ context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	mode := args[0]

	if err := f.errs[mode]; err != nil {
		return "", err
	}

	return f.outputs[mode], nil
}

func (f *fakeRunner) Cover(_ context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{"cover", dir}, args...))

	if err := f.errs["cover"]; err != nil {
		return "", err
	}

	return f.outputs["cover"], nil
}

func newTool(r Runner) *Tool {
	tool := NewTool(testLogger())
	tool.SetRunner(r)

	return tool
}

func TestParsePercent(t *testing.T) {
	out := `
	github.com/example/cartservice	coverage: 81.3% of statements
	github.com/example/cartservice/handlers	coverage: 0.0% of statements
some unrelated line
`

	pkgs := parsePercent(out)
	require.Len(t, pkgs, 2)

	assert.Equal(t, PackagePercent{ImportPath: "github.com/example/cartservice", Percent: 81.3}, pkgs[0])
	assert.Equal(t, PackagePercent{ImportPath: "github.com/example/cartservice/handlers", Percent: 0.0}, pkgs[1])
}

func TestParseFuncTotal(t *testing.T) {
	out := `
github.com/example/cartservice/main.go:24:	main		100.0%
github.com/example/cartservice/store.go:51:	AddItem		66.7%
total		(statements)	74.2%
`

	total, ok := parseFuncTotal(out)
	require.True(t, ok)
	assert.InDelta(t, 74.2, total, 0.001)
}

func TestParseFuncTotal_NoTotalLine(t *testing.T) {
	_, ok := parseFuncTotal("nothing useful here")
	assert.False(t, ok)
}

func TestTool_FuncTotal(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"func": "total\t(statements)\t42.0%\n",
	}}

	total, err := newTool(r).FuncTotal(context.Background(), "/staging/cartservice")
	require.NoError(t, err)
	assert.InDelta(t, 42.0, total, 0.001)

	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"func", "-i=/staging/cartservice"}, r.calls[0])
}

func TestTool_Merge(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{}}

	err := newTool(r).Merge(context.Background(), []string{"/a", "/b"}, "/merged")
	require.NoError(t, err)

	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"merge", "-i=/a,/b", "-o=/merged"}, r.calls[0])
}

func TestTool_Merge_NoInputs(t *testing.T) {
	err := newTool(&fakeRunner{}).Merge(context.Background(), nil, "/merged")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input directories")
}

func TestTool_HTML(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{}}

	err := newTool(r).HTML(context.Background(),
		"/reports/cartservice.coverprofile", "/src/cartservice", "/reports/cartservice.html")
	require.NoError(t, err)

	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{
		"cover", "/src/cartservice",
		"-html=/reports/cartservice.coverprofile",
		"-o=/reports/cartservice.html",
	}, r.calls[0])
}

func TestTool_RunnerErrorsPropagate(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{
		"percent": errors.New("exit status 1"),
	}}

	_, err := newTool(r).Percent(context.Background(), "/staging/cartservice")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "exit status 1"))
}
