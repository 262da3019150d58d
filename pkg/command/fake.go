package command

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
}

// String renders the call as a shell line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the canned reply for a command line prefix.
type Result struct {
	Output []byte
	Err    error
}

// FakeRunner records calls and answers from canned results keyed by command
// line prefix. Unknown commands succeed with empty output.
type FakeRunner struct {
	mu      sync.Mutex
	Calls   []Call
	Results map[string]Result
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Results: make(map[string]Result)}
}

// On registers a result for calls whose line starts with prefix.
func (f *FakeRunner) On(prefix string, output string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[prefix] = Result{Output: []byte(output), Err: err}
	return f
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	if stdin != nil {
		call.Stdin, _ = io.ReadAll(stdin)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)

	line := call.String()
	best := ""
	for prefix := range f.Results {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, nil
	}
	r := f.Results[best]
	return r.Output, r.Err
}

// Lines returns every recorded call rendered as a shell line.
func (f *FakeRunner) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = c.String()
	}
	return lines
}
