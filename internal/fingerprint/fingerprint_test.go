/*
   Copyright The fncache Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package fingerprint

import "testing"

func TestCombineOrderSensitive(t *testing.T) {
	a := New([]byte("a"))
	b := New([]byte("b"))

	ab := Combine([]Tag{a, b})
	ba := Combine([]Tag{b, a})

	if ab.Equal(ba) {
		t.Fatalf("Combine must be order sensitive: Combine(a,b) == Combine(b,a)")
	}
}

func TestXOROrderInsensitive(t *testing.T) {
	a := New([]byte("a"))
	b := New([]byte("b"))
	c := New([]byte("c"))

	w1 := XOR([]Tag{a, b, c})
	w2 := XOR([]Tag{c, a, b})

	if w1 != w2 {
		t.Fatalf("XOR must be order insensitive: got %x and %x", w1, w2)
	}
}

func TestExtendDeterministic(t *testing.T) {
	t1 := New([]byte("f")).ExtendString("names")
	t2 := New([]byte("f")).ExtendString("names")
	if !t1.Equal(t2) {
		t.Fatalf("Extend must be deterministic across calls")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	tag := New([]byte("round-trip"))
	b := tag.Bytes()
	got := FromBytes(b)
	if !got.Equal(tag) {
		t.Fatalf("FromBytes(Bytes()) != original")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := New([]byte("a"))
	b := New([]byte("b"))

	if a.Compare(a) != 0 {
		t.Fatalf("Compare(a, a) should be 0")
	}
	if a.Compare(b) == 0 && !a.Equal(b) {
		t.Fatalf("Compare disagrees with Equal")
	}
}

func TestPrefixGroupsSharedBits(t *testing.T) {
	a := New([]byte("same-prefix-a"))
	b := New([]byte("same-prefix-b"))

	if !a.Prefix(0).Equal(b.Prefix(0)) {
		t.Fatalf("Prefix(0) should collapse every tag to Zero")
	}
	if !a.Prefix(128).Equal(a) {
		t.Fatalf("Prefix(128) should be the identity")
	}

	p40 := a.Prefix(40)
	if !p40.Equal(a.Prefix(40)) {
		t.Fatalf("Prefix should be deterministic")
	}
	// A narrower prefix of the same tag must be a prefix of the wider one.
	if !a.Prefix(8).Equal(p40.Prefix(8)) {
		t.Fatalf("Prefix(8) of a wider prefix should match Prefix(8) of the original")
	}
}
