// Package tt supports table-driven tests with little boilerplate.
//
// A table is a list of cases, each built with Args and completed with Rets:
//
//	tt.Test(t, tt.Fn("Diff", arrdiff.Diff),
//		tt.Args(old, new).Rets(want),
//	)
//
// Return values are compared with go-cmp; a want value implementing Matcher
// is asked instead.
package tt

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Case is one test case.
type Case struct {
	args []any
	rets [][]any
}

// Args starts a case with the given arguments.
func Args(args ...any) *Case { return &Case{args: args} }

// Rets adds a set of wanted return values and returns the case. It may be
// called more than once; every set must match.
func (c *Case) Rets(rets ...any) *Case {
	c.rets = append(c.rets, rets)
	return c
}

// FnToTest is a named function under test.
type FnToTest struct {
	name string
	body any
	opts []cmp.Option
}

// Fn names a function to test.
func Fn(name string, body any) *FnToTest { return &FnToTest{name: name, body: body} }

// Opts adds go-cmp options used to compare return values.
func (fn *FnToTest) Opts(opts ...cmp.Option) *FnToTest {
	fn.opts = append(fn.opts, opts...)
	return fn
}

// T is the subset of testing.TB used by Test.
type T interface {
	Helper()
	Errorf(format string, args ...any)
}

// Matcher matches a return value.
type Matcher interface {
	Match(ret any) bool
}

// Any matches any value.
var Any Matcher = anyMatcher{}

type anyMatcher struct{}

func (anyMatcher) Match(any) bool { return true }

// ErrorIs matches an error e for which errors.Is(e, target) holds. A nil
// target matches a nil error.
func ErrorIs(target error) Matcher { return errorIs{target} }

type errorIs struct{ target error }

func (m errorIs) Match(ret any) bool {
	err, _ := ret.(error)
	if m.target == nil {
		return err == nil
	}
	return err != nil && errors.Is(err, m.target)
}

func (m errorIs) String() string { return fmt.Sprintf("error matching %v", m.target) }

// Test calls fn with the arguments of every case and checks the returns.
func Test(t T, fn *FnToTest, cases ...*Case) {
	t.Helper()
	for _, c := range cases {
		rets := call(fn.body, c.args)
		for _, want := range c.rets {
			if len(want) != len(rets) {
				t.Errorf("%s(%s) returns %d values, want %d", fn.name, join(c.args), len(rets), len(want))
				continue
			}
			for i, w := range want {
				if m, ok := w.(Matcher); ok {
					if !m.Match(rets[i]) {
						t.Errorf("%s(%s) -> %s, want %v", fn.name, join(c.args), join(rets), w)
					}
					continue
				}
				if diff := cmp.Diff(w, rets[i], fn.opts...); diff != "" {
					t.Errorf("%s(%s) return #%d (-want +got):\n%s", fn.name, join(c.args), i, diff)
				}
			}
		}
	}
}

func join(vs []any) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = fmt.Sprint(v)
	}
	return strings.Join(s, ", ")
}

func call(fn any, args []any) []any {
	f := reflect.ValueOf(fn)
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			// A typed zero value of the parameter, so that nil works for any
			// nilable parameter type.
			in[i] = reflect.Zero(paramType(f.Type(), i))
		} else {
			in[i] = reflect.ValueOf(arg)
		}
	}
	out := f.Call(in)
	rets := make([]any, len(out))
	for i, v := range out {
		rets[i] = v.Interface()
	}
	return rets
}

func paramType(ft reflect.Type, i int) reflect.Type {
	if ft.IsVariadic() && i >= ft.NumIn()-1 {
		return ft.In(ft.NumIn() - 1).Elem()
	}
	return ft.In(i)
}
