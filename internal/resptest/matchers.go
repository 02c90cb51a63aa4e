// Package resptest holds gomega matchers and scripted peers shared by the
// package specs.
package resptest

import (
	"fmt"

	"github.com/onsi/gomega/format"
	"github.com/onsi/gomega/types"

	"github.com/luma/respite/protocol"
)

// EqualValue succeeds when the actual protocol.Value has the same shape and
// content as want. Unlike gomega.Equal it does not distinguish nil from empty
// slices.
func EqualValue(want protocol.Value) types.GomegaMatcher {
	return &valueMatcher{want: want}
}

type valueMatcher struct {
	want protocol.Value
}

func (m *valueMatcher) Match(actual interface{}) (bool, error) {
	v, ok := actual.(protocol.Value)
	if !ok {
		return false, fmt.Errorf("EqualValue expects a protocol.Value, got %s", format.Object(actual, 1))
	}

	return protocol.Equal(v, m.want), nil
}

func (m *valueMatcher) FailureMessage(actual interface{}) string {
	return format.Message(describe(actual), "to equal", m.want.String())
}

func (m *valueMatcher) NegatedFailureMessage(actual interface{}) string {
	return format.Message(describe(actual), "not to equal", m.want.String())
}

func describe(actual interface{}) interface{} {
	if v, ok := actual.(protocol.Value); ok {
		return v.String()
	}

	return actual
}
