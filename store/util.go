package store

import (
	"encoding/base64"
	"fmt"
)

// PairKey builds the order independent key of a direct conversation.
// PairKey(a, b) == PairKey(b, a); engines put a unique constraint on it.
func PairKey(a, b UserID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// SeenStates is the compact answer to "which messages are fully seen".
// Consecutive seqs are grouped into blocks; each block carries a BIG
// endian bitmap, one bit per message, base64 encoded.
type SeenStates struct {
	Blocks []*SeenStatesBlock `json:"blocks,omitempty"`
}

type SeenStatesBlock struct {
	Seq    int32  `json:"seq"` // seq of the first message in the block
	Len    int32  `json:"len"`
	Base64 string `json:"base64"`
}

// MakeSeenStates compacts per-seq booleans into blocks. seqs must be
// ascending; a gap in seqs starts a new block.
func MakeSeenStates(seqs []int32, seen []bool) *SeenStates {
	out := &SeenStates{}
	if len(seqs) == 0 || len(seqs) != len(seen) {
		return out
	}

	var blockAt []int
	var lastSeq int32 = -1

	for i, seq := range seqs {
		if lastSeq < 0 || seq > lastSeq+1 {
			blockAt = append(blockAt, i)
		}
		lastSeq = seq
	}

	numBlocks := len(blockAt)
	for i, start := range blockAt {
		var end int
		if i+1 < numBlocks {
			end = blockAt[i+1]
		} else {
			end = len(seen)
		}

		bits := seen[start:end]
		out.Blocks = append(out.Blocks, &SeenStatesBlock{
			Seq:    seqs[start],
			Len:    int32(len(bits)),
			Base64: base64.StdEncoding.EncodeToString(boolSliceToBytes(bits)),
		})
	}
	return out
}

// boolSliceToBytes packs bools into bytes, BIG endian.
// Example: false, true, true, true, false, false, true, true, true => 0b01110011, 0b10000000
func boolSliceToBytes(slice []bool) []byte {
	numBytes := len(slice) / 8
	if len(slice)%8 > 0 {
		numBytes++
	}
	byteSlice := make([]byte, numBytes)
	for i, v := range slice {
		if v {
			byteSlice[i/8] |= 1 << (7 - i%8)
		}
	}
	return byteSlice
}
