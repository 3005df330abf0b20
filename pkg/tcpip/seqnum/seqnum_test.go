// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package seqnum

import (
	"math/rand"
	"testing"
)

func TestLessThanSuccessor(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	values := []Value{0, 1, 0x7fffffff, 0x80000000, 0xfffffffe, 0xffffffff}
	for i := 0; i < 100; i++ {
		values = append(values, Value(r.Uint32()))
	}
	for _, a := range values {
		if !a.LessThan(a + 1) {
			t.Errorf("%d.LessThan(%d) = false, want true", a, a+1)
		}
		if a.LessThan(a) {
			t.Errorf("%d.LessThan(%d) = true, want false", a, a)
		}
		if !a.LessThanEq(a) || !a.GreaterThanEq(a) {
			t.Errorf("%d is not LessThanEq/GreaterThanEq itself", a)
		}
		if !(a + 1).GreaterThan(a) {
			t.Errorf("%d.GreaterThan(%d) = false, want true", a+1, a)
		}
	}
}

func TestWraparound(t *testing.T) {
	for _, tc := range []struct {
		a, b Value
		less bool
	}{
		{0xffffffff, 0, true},
		{0, 0xffffffff, false},
		{0xfffffff0, 0x10, true},
		{0x10, 0xfffffff0, false},
		{100, 200, true},
		{200, 100, false},
	} {
		if got := tc.a.LessThan(tc.b); got != tc.less {
			t.Errorf("%#x.LessThan(%#x) = %t, want %t", tc.a, tc.b, got, tc.less)
		}
		if got := tc.b.GreaterThan(tc.a); got != tc.less {
			t.Errorf("%#x.GreaterThan(%#x) = %t, want %t", tc.b, tc.a, got, tc.less)
		}
	}
}

func TestMinMax(t *testing.T) {
	for _, tc := range []struct {
		a, b     Value
		min, max Value
	}{
		{1, 2, 1, 2},
		{2, 1, 1, 2},
		{0xffffffff, 5, 0xffffffff, 5},
		{7, 7, 7, 7},
	} {
		if got := Min(tc.a, tc.b); got != tc.min {
			t.Errorf("Min(%#x, %#x) = %#x, want %#x", tc.a, tc.b, got, tc.min)
		}
		if got := Max(tc.a, tc.b); got != tc.max {
			t.Errorf("Max(%#x, %#x) = %#x, want %#x", tc.a, tc.b, got, tc.max)
		}
	}
}

func TestInWindow(t *testing.T) {
	for _, tc := range []struct {
		v     Value
		first Value
		size  Size
		want  bool
	}{
		{5, 5, 10, true},
		{14, 5, 10, true},
		{15, 5, 10, false},
		{4, 5, 10, false},
		{2, 0xfffffffe, 8, true},
		{5, 5, 0, false},
	} {
		if got := tc.v.InWindow(tc.first, tc.size); got != tc.want {
			t.Errorf("%d.InWindow(%d, %d) = %t, want %t", tc.v, tc.first, tc.size, got, tc.want)
		}
	}
}

func TestOverlap(t *testing.T) {
	for _, tc := range []struct {
		a    Value
		b    Size
		x    Value
		y    Size
		want bool
	}{
		{0, 10, 5, 10, true},
		{0, 10, 10, 10, false},
		{10, 10, 0, 10, false},
		{0xfffffffa, 10, 2, 2, true},
	} {
		if got := Overlap(tc.a, tc.b, tc.x, tc.y); got != tc.want {
			t.Errorf("Overlap(%d, %d, %d, %d) = %t, want %t", tc.a, tc.b, tc.x, tc.y, got, tc.want)
		}
	}
}

func TestSizeAndUpdateForward(t *testing.T) {
	v := Value(0xfffffff0)
	w := v.Add(0x20)
	if got, want := v.Size(w), Size(0x20); got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}
	v.UpdateForward(0x20)
	if v != w {
		t.Errorf("UpdateForward: got %#x, want %#x", v, w)
	}
}
