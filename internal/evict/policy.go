// Package evict keeps the total size of the cache bucket under a threshold by
// deleting the least recently accessed items.
package evict

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/j3t/pipeline-cache/internal/cache"
	"github.com/j3t/pipeline-cache/internal/metrics"
)

// Result describes one eviction run.
type Result struct {
	TotalSize     int64    `json:"totalSize"`
	Threshold     int64    `json:"threshold"`
	Excess        int64    `json:"excess"`
	Selected      int      `json:"selected"`
	Deleted       int      `json:"deleted"`
	SelectedBytes int64    `json:"selectedBytes"`
	Keys          []string `json:"keys,omitempty"`
}

// Policy deletes items, least recently accessed first, until the bucket is
// back under Threshold bytes. A Threshold <= 0 disables it.
type Policy struct {
	Repo      cache.Repository
	Threshold int64
	Logger    zerolog.Logger
	Metrics   *metrics.CacheMetrics
	Now       func() time.Time
}

func (p *Policy) Run(ctx context.Context) (Result, error) {
	res := Result{Threshold: p.Threshold}
	if p.Threshold <= 0 {
		p.Logger.Debug().Msg("eviction disabled")
		return res, nil
	}

	total, err := p.Repo.TotalSize(ctx)
	if err != nil {
		return res, fmt.Errorf("total size: %w", err)
	}
	res.TotalSize = total
	if total <= p.Threshold {
		p.Logger.Debug().
			Str("total", humanize.Bytes(uint64(total))).
			Str("threshold", humanize.Bytes(uint64(p.Threshold))).
			Msg("cache below threshold")
		p.record(res)
		return res, nil
	}
	res.Excess = total - p.Threshold

	var items []cache.Item
	for item, err := range p.Repo.FindAll(ctx) {
		if err != nil {
			return res, fmt.Errorf("list items: %w", err)
		}
		items = append(items, item)
	}

	victims, selected := SelectVictims(items, res.Excess)
	res.Selected = len(victims)
	res.SelectedBytes = selected
	res.Keys = victims

	deleted, err := p.Repo.Delete(ctx, victims)
	res.Deleted = deleted
	if err != nil {
		return res, fmt.Errorf("delete items: %w", err)
	}

	p.Logger.Info().
		Str("total", humanize.Bytes(uint64(total))).
		Str("threshold", humanize.Bytes(uint64(p.Threshold))).
		Int("selected", res.Selected).
		Int("deleted", res.Deleted).
		Str("freed", humanize.Bytes(uint64(selected))).
		Msg("cache evicted")
	p.record(res)
	return res, nil
}

func (p *Policy) record(res Result) {
	if p.Metrics == nil {
		return
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	p.Metrics.RecordEviction(now(), res.TotalSize, res.Threshold, res.Deleted, res.SelectedBytes)
}

// SelectVictims orders items by LastAccess, oldest first and ties by key, and
// takes items until their sizes add up to at least excess. It returns the
// selected keys and their total size.
func SelectVictims(items []cache.Item, excess int64) ([]string, int64) {
	if excess <= 0 {
		return nil, 0
	}
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b cache.Item) int {
		if c := a.LastAccess.Compare(b.LastAccess); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	var (
		keys    []string
		removed int64
	)
	for _, item := range sorted {
		if removed >= excess {
			break
		}
		keys = append(keys, item.Key)
		removed += item.ContentLength
	}
	return keys, removed
}
