// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// GenericMock backs hand-written mocks. Embed it and have each mocked method
// look its result up with GetResult.
type GenericMock struct {
	t     testing.TB
	lock  sync.Mutex
	calls []*mockCall
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	left   int // Negative means any number of times.
}

func (c *mockCall) String() string {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = fmt.Sprintf("%v", a)
	}
	return fmt.Sprintf("%s(%s)", c.method, strings.Join(args, ", "))
}

// NewGenericMock returns a mock reporting to 't'.
func NewGenericMock(t testing.TB) *GenericMock {
	return &GenericMock{t: t}
}

// AddCall expects 'method' to be called once with 'args' and answers it with
// 'result'.
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.AddCallN(1, method, result, args...)
}

// AddCallN is AddCall for 'n' calls. A negative 'n' allows any number of
// calls, including none.
func (m *GenericMock) AddCallN(n int, method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, &mockCall{method: method, args: args, result: result, left: n})
}

// GetResult returns the result of the first expected call to 'method' that
// matches 'args' and has calls left. Unexpected calls fail the test.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, c := range m.calls {
		if c.left == 0 || c.method != method || len(c.args) != len(args) {
			continue
		}
		match := true
		for i := range args {
			if !assert.ObjectsAreEqual(c.args[i], args[i]) {
				match = false
				break
			}
		}
		if match {
			if c.left > 0 {
				c.left--
			}
			return c.result
		}
	}
	m.t.Fatalf("unexpected call %s", (&mockCall{method: method, args: args}).String())
	return nil
}

// GetError is GetResult for methods returning only an error.
func (m *GenericMock) GetError(method string, args ...interface{}) error {
	return ToErr(m.GetResult(method, args...))
}

// NoMoreCalls fails the test if an expected call was not made.
func (m *GenericMock) NoMoreCalls() {
	m.lock.Lock()
	defer m.lock.Unlock()
	var missing []string
	for _, c := range m.calls {
		if c.left > 0 {
			missing = append(missing, fmt.Sprintf("%s x%d", c, c.left))
		}
	}
	if len(missing) > 0 {
		m.t.Fatalf("expected calls not made:\n\t%s", strings.Join(missing, "\n\t"))
	}
}

// ToErr converts a result holding an error or nil to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
