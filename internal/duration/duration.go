// Package duration computes the playable length of an assembled file
// from its chunk measurements and padding plan. The same arithmetic
// drives both the persisted total and the silence inserted between
// chunks, so reported and actual length agree.
package duration

import "github.com/taleweave/taleweave-core/internal/store"

// Gap is the silence between two adjacent chunks: the leading chunk's
// trailing padding plus the following chunk's leading padding.
func Gap(prev, next store.TextChunk) int64 {
	return prev.PaddingEndMS + next.PaddingStartMS
}

// Total returns the complete file length in milliseconds: the first
// chunk's leading padding, every measured chunk duration, every
// inter-chunk gap, and the last chunk's trailing padding. Chunks must
// be in sequence order. An empty slice totals zero.
func Total(chunks []store.TextChunk) int64 {
	if len(chunks) == 0 {
		return 0
	}
	total := chunks[0].PaddingStartMS
	for i, c := range chunks {
		total += c.DurationMS
		if i+1 < len(chunks) {
			total += Gap(c, chunks[i+1])
		}
	}
	return total + chunks[len(chunks)-1].PaddingEndMS
}
