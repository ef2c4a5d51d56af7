package requestmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

func chunkReq(id string, chunks ...xrdcore.IOChunk) *xrdcore.ClientRequest {
	return &xrdcore.ClientRequest{ID: id, Chunks: chunks}
}

func totalSize(chunks []xrdcore.IOChunk) int64 {
	var n int64
	for _, c := range chunks {
		n += int64(c.Size)
	}
	return n
}

func assertSortedNonOverlapping(t *testing.T, chunks []xrdcore.IOChunk) {
	t.Helper()
	for i := 1; i < len(chunks); i++ {
		prevEnd := chunks[i-1].Offset + int64(chunks[i-1].Size)
		assert.LessOrEqual(t, prevEnd, chunks[i].Offset, "chunks must not overlap and must be sorted ascending")
	}
	for _, c := range chunks {
		assert.LessOrEqual(t, c.Size, xrdcore.MaxChunk, "every output chunk must respect the max chunk cap")
	}
}

func TestSplitClientRequestPreservesTotalBytes(t *testing.T) {
	req := chunkReq("r1",
		xrdcore.IOChunk{Offset: 0, Size: 300_000},
		xrdcore.IOChunk{Offset: 1_000_000, Size: 700_000},
	)
	req1, req2 := splitClientRequest(req, 100, 100)

	require.Equal(t, req.TotalBytes(), req1.TotalBytes()+req2.TotalBytes())
	assertSortedNonOverlapping(t, req1.Chunks)
	assertSortedNonOverlapping(t, req2.Chunks)
}

func TestSplitClientRequestWeightsByOtherSourceQuality(t *testing.T) {
	// q1 much worse (higher number) than q2 means source 1 should get
	// the *smaller* share (chunk1 is weighted by q2, the other side).
	req := chunkReq("r1", xrdcore.IOChunk{Offset: 0, Size: 1_000_000})
	req1, req2 := splitClientRequest(req, 1000, 100)

	assert.Less(t, req1.TotalBytes(), req2.TotalBytes(),
		"the source with the worse (higher) quality number should receive the smaller share")
	assert.Equal(t, req.TotalBytes(), req1.TotalBytes()+req2.TotalBytes())
}

func TestSplitClientRequestDoesNotMutateInput(t *testing.T) {
	original := []xrdcore.IOChunk{{Offset: 0, Size: 500_000}, {Offset: 500_000, Size: 500_000}}
	req := chunkReq("r1", original...)

	_, _ = splitClientRequest(req, 50, 50)

	require.Equal(t, original, req.Chunks, "splitClientRequest must not mutate the caller's chunk slice")
}

func TestSplitClientRequestRespectsMaxChunkCap(t *testing.T) {
	req := chunkReq("r1", xrdcore.IOChunk{Offset: 0, Size: 10 * xrdcore.MaxChunk})
	req1, req2 := splitClientRequest(req, 100, 100)

	assertSortedNonOverlapping(t, req1.Chunks)
	assertSortedNonOverlapping(t, req2.Chunks)
	assert.Equal(t, req.TotalBytes(), req1.TotalBytes()+req2.TotalBytes())
}

func TestSplitClientRequestManySmallChunksCoalesce(t *testing.T) {
	var chunks []xrdcore.IOChunk
	var offset int64
	for i := 0; i < 50; i++ {
		chunks = append(chunks, xrdcore.IOChunk{Offset: offset, Size: 1000})
		offset += 1000
	}
	req := chunkReq("r1", chunks...)
	req1, req2 := splitClientRequest(req, 100, 100)

	assertSortedNonOverlapping(t, req1.Chunks)
	assertSortedNonOverlapping(t, req2.Chunks)
	assert.Equal(t, req.TotalBytes(), req1.TotalBytes()+req2.TotalBytes())

	// Coalescing should leave far fewer entries than the 50 inputs.
	assert.Less(t, len(req1.Chunks)+len(req2.Chunks), 50)
}

func TestSplitClientRequestZeroSizeChunksSkipped(t *testing.T) {
	req := chunkReq("r1",
		xrdcore.IOChunk{Offset: 0, Size: 0},
		xrdcore.IOChunk{Offset: 0, Size: 100},
	)
	req1, req2 := splitClientRequest(req, 100, 100)
	assert.Equal(t, int64(100), req1.TotalBytes()+req2.TotalBytes())
}
