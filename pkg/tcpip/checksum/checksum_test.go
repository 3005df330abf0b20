// Copyright 2019 The gVisor Authors.
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

package checksum

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestChecksumer(t *testing.T) {
	testCases := []struct {
		name string
		data [][]byte
		want uint16
	}{
		{
			name: "empty",
			want: 0,
		},
		{
			name: "OneOddView",
			data: [][]byte{
				{1, 9, 0, 5, 4},
			},
			want: 1294,
		},
		{
			name: "TwoOddViews",
			data: [][]byte{
				{1, 9, 0, 5, 4},
				{4, 3, 7, 1, 2, 123},
			},
			want: 33819,
		},
		{
			name: "OneEvenView",
			data: [][]byte{
				{1, 9, 0, 5},
			},
			want: 270,
		},
		{
			name: "ThreeViews",
			data: [][]byte{
				{77, 11, 33, 0, 55, 44},
				{98, 1, 9, 0, 5, 4},
				{4, 3, 7, 1, 2, 123, 99},
			},
			want: 34236,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var all bytes.Buffer
			var c Checksumer
			for _, b := range tc.data {
				c.Add(b)
				all.Write(b)
			}
			if got, want := c.Checksum(), tc.want; got != want {
				t.Errorf("c.Checksum() = %d, want %d", got, want)
			}
			if got, want := Checksum(all.Bytes(), 0 /* initial */), tc.want; got != want {
				t.Errorf("Checksum(flatten tc.data) = %d, want %d", got, want)
			}
		})
	}
}

// naive sums 16-bit words one at a time with end-around carry.
func naive(buf []byte, initial uint16) uint16 {
	v := uint32(initial)
	for i := 0; i+1 < len(buf); i += 2 {
		v += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if len(buf)%2 == 1 {
		v += uint32(buf[len(buf)-1]) << 8
	}
	for v > 0xffff {
		v = v&0xffff + v>>16
	}
	return uint16(v)
}

func TestChecksumMatchesNaive(t *testing.T) {
	sizes := []int{0, 1, 2, 3, 7, 8, 9, 15, 16, 20, 33, 64, 255, 1460, 1461}
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		buf := make([]byte, sizes[i%len(sizes)])
		rnd.Read(buf)
		initial := uint16(rnd.Intn(65536))
		if got, want := Checksum(buf, initial), naive(buf, initial); got != want {
			t.Fatalf("Checksum(%x, %d) = %d, want %d", buf, initial, got, want)
		}
	}
}

func TestCombine(t *testing.T) {
	for _, tc := range []struct {
		a, b, want uint16
	}{
		{0, 0, 0},
		{1, 2, 3},
		{0xffff, 1, 1},
		{0x8000, 0x8000, 1},
	} {
		if got := Combine(tc.a, tc.b); got != tc.want {
			t.Errorf("Combine(%#x, %#x) = %#x, want %#x", tc.a, tc.b, got, tc.want)
		}
	}
}
