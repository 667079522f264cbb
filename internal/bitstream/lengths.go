package bitstream

import "container/heap"

// BuildCodeLengths derives a set of canonical codeword lengths from symbol
// frequencies, bounded by maxLen. It is shared by the LZX, XPRESS and LZMS
// encoders, all of which need to turn a frequency table into a
// length-limited prefix code before handing the lengths to
// BuildEncodeTable/BuildDecodeTable.
func BuildCodeLengths(freq []uint32, maxLen byte) []byte {
	lens := make([]byte, len(freq))

	type node struct {
		freq        uint64
		sym         int // >=0 for a leaf, -1 for an internal node
		left, right int // indices into nodes, -1 if none
	}
	var nodes []node
	pq := &nodeHeap{}
	for sym, f := range freq {
		if f == 0 {
			continue
		}
		idx := len(nodes)
		nodes = append(nodes, node{freq: uint64(f), sym: sym, left: -1, right: -1})
		heap.Push(pq, pqItem{idx: idx, freq: uint64(f)})
	}
	if len(nodes) == 0 {
		return lens
	}
	if len(nodes) == 1 {
		lens[nodes[0].sym] = 1
		return lens
	}

	for pq.Len() > 1 {
		a := heap.Pop(pq).(pqItem)
		b := heap.Pop(pq).(pqItem)
		idx := len(nodes)
		nodes = append(nodes, node{freq: a.freq + b.freq, sym: -1, left: a.idx, right: b.idx})
		heap.Push(pq, pqItem{idx: idx, freq: a.freq + b.freq})
	}
	root := heap.Pop(pq).(pqItem).idx

	var walk func(idx int, depth byte)
	walk = func(idx int, depth byte) {
		n := nodes[idx]
		if n.sym >= 0 {
			if depth == 0 {
				depth = 1
			}
			lens[n.sym] = depth
			return
		}
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	walk(root, 0)

	limitLengths(lens, maxLen)
	return lens
}

// limitLengths enforces the Kraft inequality under a maximum codeword
// length by the standard "overflow" rebalancing technique: any symbol
// whose natural Huffman length exceeds maxLen is clamped; a resulting
// over-subscription is repaired by lengthening the shortest codewords,
// and a remaining deficit by shortening the longest ones.
func limitLengths(lens []byte, maxLen byte) {
	for i, l := range lens {
		if l > maxLen {
			lens[i] = maxLen
		}
	}

	unit := uint64(1) << maxLen
	kraftOf := func() uint64 {
		var k uint64
		for _, l := range lens {
			if l > 0 {
				k += unit >> l
			}
		}
		return k
	}

	// Clamping overflowing lengths down to maxLen shortens them, which can
	// push the Kraft sum above 1 (over-subscribed). Repair by lengthening
	// the currently shortest nonzero code, which reduces the sum fastest.
	for kraftOf() > unit {
		shortest := -1
		for i, l := range lens {
			if l == 0 || l >= maxLen {
				continue
			}
			if shortest == -1 || lens[shortest] > l {
				shortest = i
			}
		}
		if shortest == -1 {
			break
		}
		lens[shortest]++
	}

	// The clamp can also leave the code incomplete (Kraft sum < 1), which
	// BuildDecodeTable rejects just as strictly as over-subscription.
	// Repair by shortening the currently longest nonzero code, which
	// raises the sum fastest, until the code is exactly complete.
	for kraftOf() < unit {
		longest := -1
		for i, l := range lens {
			if l <= 1 {
				continue
			}
			if longest == -1 || lens[longest] < l {
				longest = i
			}
		}
		if longest == -1 {
			break
		}
		lens[longest]--
	}
}

type pqItem struct {
	idx  int
	freq uint64
}

type nodeHeap []pqItem

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].idx < h[j].idx
}
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(pqItem)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
