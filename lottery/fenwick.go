// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

// fenwick is a binary indexed tree over participant weights, giving
// O(log n) prefix sums and O(log n) inverse lookup for weighted
// sampling. Internally 1-based.
type fenwick struct {
	n    int
	tree []int64
}

func newFenwick(weights []int64) *fenwick {
	f := &fenwick{n: len(weights), tree: make([]int64, len(weights)+1)}
	for i, w := range weights {
		f.add(i, w)
	}
	return f
}

// add applies delta to the weight at 0-based index i.
func (f *fenwick) add(i int, delta int64) {
	for pos := i + 1; pos <= f.n; pos += pos & (-pos) {
		f.tree[pos] += delta
	}
}

// prefixSum returns the sum of weights[0..i] inclusive, 0-based.
func (f *fenwick) prefixSum(i int) int64 {
	var sum int64
	for pos := i + 1; pos > 0; pos -= pos & (-pos) {
		sum += f.tree[pos]
	}
	return sum
}

// findFirstPrefixGreaterThan returns the smallest 0-based index whose
// cumulative weight exceeds r. Callers guarantee r < total weight.
func (f *fenwick) findFirstPrefixGreaterThan(r int64) int {
	pos := 0
	bit := 1
	for bit<<1 <= f.n {
		bit <<= 1
	}
	for ; bit > 0; bit >>= 1 {
		next := pos + bit
		if next <= f.n && f.tree[next] <= r {
			pos = next
			r -= f.tree[next]
		}
	}
	return pos
}
