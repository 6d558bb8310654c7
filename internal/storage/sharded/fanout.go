package sharded

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const shardTimeLayout = "20060102_150405"

// shardID names a shard after its creation second. seq disambiguates shards
// created within the same second: shard_20250101_120000, then
// shard_20250101_120000_1.
func shardID(t time.Time, seq int) string {
	id := "shard_" + t.UTC().Format(shardTimeLayout)
	if seq > 0 {
		id += "_" + strconv.Itoa(seq)
	}
	return id
}

// parseShardName reverses shardID for a file name like shard_<ts>[_N].db.
func parseShardName(name string) (id string, created time.Time, seq int, ok bool) {
	if !strings.HasPrefix(name, "shard_") || !strings.HasSuffix(name, ".db") {
		return "", time.Time{}, 0, false
	}
	id = strings.TrimSuffix(name, ".db")
	rest := strings.TrimPrefix(id, "shard_")
	if len(rest) < len(shardTimeLayout) {
		return "", time.Time{}, 0, false
	}
	created, err := time.ParseInLocation(shardTimeLayout, rest[:len(shardTimeLayout)], time.UTC)
	if err != nil {
		return "", time.Time{}, 0, false
	}
	suffix := rest[len(shardTimeLayout):]
	if suffix != "" {
		if !strings.HasPrefix(suffix, "_") {
			return "", time.Time{}, 0, false
		}
		seq, err = strconv.Atoi(suffix[1:])
		if err != nil || seq < 1 {
			return "", time.Time{}, 0, false
		}
	}
	return id, created, seq, true
}

// fanOut runs fn once per shard on at most opts.Workers goroutines and
// concatenates the results. Each call gets its own ShardTimeout; a shard that
// errors or times out contributes nothing and is logged.
func fanOut[T any](ctx context.Context, m *Manager, shards []*shard, fn func(context.Context, *shard) ([]T, error)) []T {
	if len(shards) == 0 {
		return nil
	}
	workers := m.opts.Workers
	if workers > len(shards) {
		workers = len(shards)
	}

	jobs := make(chan *shard)
	results := make(chan []T, len(shards))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sh := range jobs {
				results <- runShard(ctx, m, sh, fn)
			}
		}()
	}

	for _, sh := range shards {
		jobs <- sh
	}
	close(jobs)
	wg.Wait()
	close(results)

	var out []T
	for r := range results {
		out = append(out, r...)
	}
	return out
}

// runShard bounds one shard call by ShardTimeout. If the call does not honour
// cancellation it is abandoned and its result discarded.
func runShard[T any](ctx context.Context, m *Manager, sh *shard, fn func(context.Context, *shard) ([]T, error)) []T {
	sctx, cancel := context.WithTimeout(ctx, m.opts.ShardTimeout)
	defer cancel()

	type result struct {
		v   []T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(sctx, sh)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.logShardError(sh, r.err)
			return nil
		}
		return r.v
	case <-sctx.Done():
		m.logShardError(sh, fmt.Errorf("shard query: %w", sctx.Err()))
		return nil
	}
}

func (m *Manager) logShardError(sh *shard, err error) {
	evt := m.logger.Warn().Err(err).Str("shard", sh.id)
	if errors.Is(err, context.DeadlineExceeded) {
		evt = evt.Dur("timeout", m.opts.ShardTimeout)
	}
	evt.Msg("shard skipped during fan-out")
}
