package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/resilience"
	"github.com/sells-group/schoolmap/internal/table"
)

// SplitEven partitions n rows into ceil(n/limit) contiguous ranges whose sizes
// differ by at most one, larger ranges first. Each range is [start, end).
func SplitEven(n, limit int) [][2]int {
	if n <= 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	chunks := (n + limit - 1) / limit
	base, extra := n/chunks, n%chunks
	out := make([][2]int, chunks)
	start := 0
	for i := range out {
		size := base
		if i < extra {
			size++
		}
		out[i] = [2]int{start, start + size}
		start += size
	}
	return out
}

// chunkRun fetches a table in chunks of rows, caching every finished chunk so
// an interrupted run resumes where it stopped. The pacer holds the mandated
// interval between the end of one chunk fetch and the start of the next,
// also across restarts, using the modification time of the previous chunk
// file.
type chunkRun struct {
	source  string
	country string
	dir     string
	prefix  string
	limit   int
	pacer   *resilience.Pacer
	opts    table.ReadOptions
}

func (c *chunkRun) chunkPath(i, n int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_chunk_%03d_of_%03d.csv", c.prefix, i+1, n))
}

// run calls fetch for every uncached chunk of rows and returns the chunks
// concatenated in order. A failing chunk aborts the run; chunks already
// written stay on disk.
func (c *chunkRun) run(ctx context.Context, rows *table.Table, fetch func(ctx context.Context, chunk *table.Table) (*table.Table, error)) (*table.Table, error) {
	log := zap.L().With(zap.String("source", c.source), zap.String("country", c.country))
	ranges := SplitEven(rows.Len(), c.limit)
	log.Info("sources: fetching in chunks", zap.Int("rows", rows.Len()), zap.Int("chunks", len(ranges)))

	parts := make([]*table.Table, len(ranges))
	var last time.Time
	for i, rg := range ranges {
		path := c.chunkPath(i, len(ranges))
		if t, ok, err := readCache(ctx, path, c.opts); err != nil {
			return nil, err
		} else if ok {
			parts[i] = t
			if info, err := os.Stat(path); err == nil {
				last = info.ModTime()
			}
			continue
		}

		if err := c.pacer.Wait(ctx, last); err != nil {
			return nil, err
		}
		idx := make([]int, 0, rg[1]-rg[0])
		for j := rg[0]; j < rg[1]; j++ {
			idx = append(idx, j)
		}
		t, err := fetch(ctx, rows.Take(idx))
		if err != nil {
			log.Warn("sources: chunk failed, earlier chunks stay cached",
				zap.Int("chunk", i+1), zap.Int("chunks", len(ranges)), zap.Error(err))
			return nil, err
		}
		if err := writeCache(path, t); err != nil {
			return nil, err
		}
		last = c.pacer.Now()
		parts[i] = t
		log.Info("sources: chunk done", zap.Int("chunk", i+1), zap.Int("remaining", len(ranges)-i-1))
	}

	out, err := table.Concat(parts...)
	if err != nil {
		return nil, eris.Wrap(err, "sources: concat chunks")
	}
	return out, nil
}

// cleanup removes the chunk files once the combined cache is written.
func (c *chunkRun) cleanup(n int) {
	ranges := SplitEven(n, c.limit)
	for i := range ranges {
		_ = os.Remove(c.chunkPath(i, len(ranges)))
	}
}
