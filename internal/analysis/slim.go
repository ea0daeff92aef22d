package analysis

import (
	"fmt"
	"sort"

	"github.com/tinytelemetry/sift/internal/logparse"
	"github.com/tinytelemetry/sift/internal/model"
)

const (
	DefaultSlimThreshold = 2000
	DefaultSlimChunks    = 8
)

// Slim reduces entries to at most limit representatives, keeping their
// original order.
//
// Repeated messages at the same level collapse into their first occurrence
// annotated with a count. If that is still too many, the input is cut into
// chunks and each chunk keeps its share of the limit, most severe first, so
// every period of the input stays represented.
func Slim(entries []model.LogLine, limit, chunks int) []model.LogLine {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	if chunks <= 0 {
		chunks = DefaultSlimChunks
	}

	deduped := dedupe(entries)
	if len(deduped) <= limit {
		return deduped
	}
	if chunks > limit {
		chunks = limit
	}

	size := (len(deduped) + chunks - 1) / chunks
	out := make([]model.LogLine, 0, limit)
	for c := 0; c < chunks; c++ {
		start := c * size
		if start >= len(deduped) {
			break
		}
		end := min(start+size, len(deduped))
		quota := limit / chunks
		if c < limit%chunks {
			quota++
		}
		out = append(out, pick(deduped[start:end], quota)...)
	}
	return out
}

func dedupe(entries []model.LogLine) []model.LogLine {
	type key struct{ level, msg string }
	index := make(map[key]int, len(entries))
	counts := make([]int, 0, len(entries))
	out := make([]model.LogLine, 0, len(entries))
	for _, e := range entries {
		k := key{logparse.NormalizeSeverity(e.Level), e.Message}
		if i, ok := index[k]; ok {
			counts[i]++
			continue
		}
		index[k] = len(out)
		out = append(out, e)
		counts = append(counts, 1)
	}
	for i, n := range counts {
		if n > 1 {
			out[i].Message = fmt.Sprintf("%s (x%d)", out[i].Message, n)
		}
	}
	return out
}

// pick keeps the quota most severe entries of chunk in their original order.
func pick(chunk []model.LogLine, quota int) []model.LogLine {
	if len(chunk) <= quota {
		return chunk
	}
	idx := make([]int, len(chunk))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return logparse.Rank(chunk[idx[a]].Level) > logparse.Rank(chunk[idx[b]].Level)
	})
	idx = idx[:quota]
	sort.Ints(idx)
	out := make([]model.LogLine, len(idx))
	for i, j := range idx {
		out[i] = chunk[j]
	}
	return out
}
