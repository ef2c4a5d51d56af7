package requestmanager

import (
	"sort"

	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

// splitClientRequest partitions req between two sources weighted by
// the *other* source's quality (lower quality number is healthier, so
// the better source receives the larger share), under the MaxChunk
// cap, per spec §4.5. It is a pure function: req and its Chunks slice
// are never mutated.
//
// Each half is returned sorted by offset ascending, with every entry
// size <= xrdcore.MaxChunk, and size(req1)+size(req2) == req.TotalBytes().
func splitClientRequest(req *xrdcore.ClientRequest, q1, q2 int) (req1, req2 *xrdcore.ClientRequest) {
	work := make([]xrdcore.IOChunk, len(req.Chunks))
	copy(work, req.Chunks)

	// Per-round budgets are scaled to the request's own size when it is
	// smaller than MaxChunk, so a short vector read is still shared
	// between both sources in proportion to quality.
	base := int64(xrdcore.MaxChunk)
	if total := req.TotalBytes(); total < base {
		base = total
	}
	chunk1 := int(base * int64(q2) / int64(q1+q2))
	chunk2 := int(base * int64(q1) / int64(q1+q2))
	if chunk1 <= 0 {
		chunk1 = 1
	}
	if chunk2 <= 0 {
		chunk2 = 1
	}

	var out1 []xrdcore.IOChunk
	var out2Reversed []xrdcore.IOChunk // built high-offset-first; reversed before returning

	front, back := 0, len(work)-1
	for front <= back {
		out1 = consumeChunkFront(work, &front, back, chunk1, out1)
		if front > back {
			break
		}
		out2Reversed = consumeChunkBack(work, front, &back, chunk2, out2Reversed)
	}

	out2 := make([]xrdcore.IOChunk, len(out2Reversed))
	for i, c := range out2Reversed {
		out2[len(out2Reversed)-1-i] = c
	}

	sortAndCoalesce(&out1)
	sortAndCoalesce(&out2)

	return &xrdcore.ClientRequest{ID: req.ID + "-1", Chunks: out1},
		&xrdcore.ClientRequest{ID: req.ID + "-2", Chunks: out2}
}

// consumeChunkFront consumes up to budget bytes forward from
// work[*front], appending whole-or-partial entries to out. It
// coalesces a new entry into the trailing entry of out when the two
// are contiguous and the merged size stays under MaxChunk.
func consumeChunkFront(work []xrdcore.IOChunk, front *int, back, budget int, out []xrdcore.IOChunk) []xrdcore.IOChunk {
	for budget > 0 && *front <= back {
		e := &work[*front]
		if e.Size == 0 {
			*front++
			continue
		}
		if e.Size > budget {
			piece := xrdcore.IOChunk{Offset: e.Offset, Size: budget}
			out = appendOrCoalesceAscending(out, piece)
			e.Offset += int64(budget)
			e.Size -= budget
			budget = 0
		} else {
			out = appendOrCoalesceAscending(out, *e)
			budget -= e.Size
			*front++
		}
	}
	return out
}

// consumeChunkBack consumes up to budget bytes backward from
// work[*back], appending whole-or-partial entries to out in the order
// consumed (i.e. descending offset). Callers reverse out afterward.
func consumeChunkBack(work []xrdcore.IOChunk, front int, back *int, budget int, out []xrdcore.IOChunk) []xrdcore.IOChunk {
	for budget > 0 && front <= *back {
		e := &work[*back]
		if e.Size == 0 {
			*back--
			continue
		}
		if e.Size > budget {
			takenOffset := e.Offset + int64(e.Size-budget)
			piece := xrdcore.IOChunk{Offset: takenOffset, Size: budget}
			out = appendOrCoalesceDescending(out, piece)
			e.Size -= budget
			budget = 0
		} else {
			out = appendOrCoalesceDescending(out, *e)
			budget -= e.Size
			*back--
		}
	}
	return out
}

func appendOrCoalesceAscending(out []xrdcore.IOChunk, piece xrdcore.IOChunk) []xrdcore.IOChunk {
	if n := len(out); n > 0 {
		last := &out[n-1]
		if last.Offset+int64(last.Size) == piece.Offset && last.Size+piece.Size <= xrdcore.MaxChunk {
			last.Size += piece.Size
			return out
		}
	}
	return append(out, piece)
}

func appendOrCoalesceDescending(out []xrdcore.IOChunk, piece xrdcore.IOChunk) []xrdcore.IOChunk {
	if n := len(out); n > 0 {
		last := &out[n-1]
		if piece.Offset+int64(piece.Size) == last.Offset && last.Size+piece.Size <= xrdcore.MaxChunk {
			last.Offset = piece.Offset
			last.Size += piece.Size
			return out
		}
	}
	return append(out, piece)
}

// sortAndCoalesce sorts chunks by offset ascending (the "final sort"
// spec §4.5 calls for, since the front/back peeling above builds two
// locally-ordered streams) and merges any adjacent contiguous pair the
// sort happens to produce, keeping invariant P3 intact regardless of
// which side originally produced the boundary.
func sortAndCoalesce(chunks *[]xrdcore.IOChunk) {
	c := *chunks
	sort.Slice(c, func(i, j int) bool { return c[i].Offset < c[j].Offset })

	merged := c[:0]
	for _, e := range c {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Offset+int64(last.Size) == e.Offset && last.Size+e.Size <= xrdcore.MaxChunk {
				last.Size += e.Size
				continue
			}
		}
		merged = append(merged, e)
	}
	*chunks = merged
}
