package fake

import "sync"

// Call is one recorded API invocation. Args[0] is the machine name for
// per-machine methods.
type Call struct {
	Method string
	Args   []any
}

// String renders the call as "Method:machine", or just the method when it
// has no machine argument.
func (c Call) String() string {
	if len(c.Args) > 0 {
		if name, ok := c.Args[0].(string); ok {
			return c.Method + ":" + name
		}
	}
	return c.Method
}

// CallRecorder keeps the API calls in the order they were made.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.mu.Unlock()
}

func (r *CallRecorder) filter(keep func(Call) bool) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Calls returns the calls to method, or every call when method is "".
func (r *CallRecorder) Calls(method string) []Call {
	return r.filter(func(c Call) bool { return method == "" || c.Method == method })
}

// Trace renders the calls to the given methods, or to all methods when none
// are given.
func (r *CallRecorder) Trace(methods ...string) []string {
	want := make(map[string]bool, len(methods))
	for _, m := range methods {
		want[m] = true
	}
	calls := r.filter(func(c Call) bool { return len(want) == 0 || want[c.Method] })
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Reset forgets every recorded call.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Personal.AI order the ending
