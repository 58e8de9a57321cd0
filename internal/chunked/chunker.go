package chunked

import (
	"fmt"
	"sort"

	"github.com/forest6511/offline/pkg/errors"
)

// DefaultChunkSize is the fixed range length used when none is configured (1 MiB).
const DefaultChunkSize int64 = 1024 * 1024

// Range is an inclusive byte range [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Chunk is a fetched range and its payload.
type Chunk struct {
	Start int64
	End   int64
	Data  []byte
}

// Range returns the byte range the chunk covers.
func (c Chunk) Range() Range {
	return Range{Start: c.Start, End: c.End}
}

// Plan splits [0, total) into consecutive ranges of chunkSize bytes; the last
// range holds the remainder.
func Plan(total, chunkSize int64) []Range {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	count := (total + chunkSize - 1) / chunkSize
	ranges := make([]Range, 0, count)

	for start := int64(0); start < total; start += chunkSize {
		end := start + chunkSize - 1
		if end >= total {
			end = total - 1
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}

	return ranges
}

// Usable keeps the stored chunks that match a planned range exactly, keyed by
// start offset. Chunks from a different plan are ignored.
func Usable(plan []Range, stored []Chunk) map[int64]Chunk {
	want := make(map[int64]Range, len(plan))
	for _, r := range plan {
		want[r.Start] = r
	}

	have := make(map[int64]Chunk, len(stored))
	for _, c := range stored {
		r, ok := want[c.Start]
		if !ok || r.End != c.End || int64(len(c.Data)) != r.Len() {
			continue
		}
		have[c.Start] = c
	}

	return have
}

// Missing returns the planned ranges not present in have, in offset order.
func Missing(plan []Range, have map[int64]Chunk) []Range {
	missing := make([]Range, 0, len(plan))
	for _, r := range plan {
		if _, ok := have[r.Start]; !ok {
			missing = append(missing, r)
		}
	}

	return missing
}

// Assemble orders chunks by start offset and concatenates them into a buffer
// of exactly total bytes. Gaps, overlaps and a short or long result are errors.
func Assemble(chunks []Chunk, total int64) ([]byte, error) {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	buf := make([]byte, total)
	var next int64

	for _, c := range sorted {
		if c.Start != next {
			return nil, errors.NewDownloadErrorWithDetails(
				errors.CodeCorruptedData,
				"chunks do not form a contiguous sequence",
				fmt.Sprintf("expected chunk at offset %d, found %d", next, c.Start),
			)
		}
		if c.End >= total || int64(len(c.Data)) != c.Range().Len() {
			return nil, errors.NewDownloadErrorWithDetails(
				errors.CodeCorruptedData,
				"chunk does not match its range",
				fmt.Sprintf("chunk %d-%d holds %d bytes of %d total", c.Start, c.End, len(c.Data), total),
			)
		}

		copy(buf[c.Start:], c.Data)
		next = c.End + 1
	}

	if next != total {
		return nil, errors.NewDownloadErrorWithDetails(
			errors.CodeCorruptedData,
			"assembled size does not match resource size",
			fmt.Sprintf("assembled %d of %d bytes", next, total),
		)
	}

	return buf, nil
}
