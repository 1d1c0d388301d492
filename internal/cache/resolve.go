package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// DefaultLookupConcurrency bounds the parallel CREATION lookups made when a
// restore key matches several items.
const DefaultLookupConcurrency = 8

// MatchKind tells how a key was resolved.
type MatchKind int

const (
	MatchExact MatchKind = iota + 1
	MatchPrefix
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	default:
		return "none"
	}
}

// Match is the outcome of a successful resolution.
type Match struct {
	Key  string
	Kind MatchKind
}

// Resolver picks the item to restore from a primary key and an ordered list
// of restore keys.
type Resolver struct {
	repo        Repository
	concurrency int
	logger      zerolog.Logger
}

type ResolverOption func(*Resolver)

func WithLookupConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithResolverLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(repo Repository, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		repo:        repo,
		concurrency: DefaultLookupConcurrency,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first match, trying in order:
//
//  1. primary, when it exists exactly;
//  2. each non-empty restore key, exact first, then as a prefix. Several
//     prefix matches resolve to the newest CREATION, ties to the smallest key.
//
// ok is false when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, primary string, restoreKeys ...string) (Match, bool, error) {
	if primary != "" {
		exists, err := r.repo.Exists(ctx, primary)
		if err != nil {
			return Match{}, false, fmt.Errorf("lookup %q: %w", primary, err)
		}
		if exists {
			return Match{Key: primary, Kind: MatchExact}, true, nil
		}
	}

	for _, candidate := range restoreKeys {
		if candidate == "" {
			continue
		}
		exists, err := r.repo.Exists(ctx, candidate)
		if err != nil {
			return Match{}, false, fmt.Errorf("lookup %q: %w", candidate, err)
		}
		if exists {
			return Match{Key: candidate, Kind: MatchExact}, true, nil
		}

		key, found, err := r.newestWithPrefix(ctx, candidate)
		if err != nil {
			return Match{}, false, fmt.Errorf("lookup prefix %q: %w", candidate, err)
		}
		if found {
			r.logger.Debug().Str("restore_key", candidate).Str("key", key).Msg("resolved by prefix")
			return Match{Key: key, Kind: MatchPrefix}, true, nil
		}
	}
	return Match{}, false, nil
}

type stamped struct {
	key      string
	creation time.Time
	gone     bool
}

func (r *Resolver) newestWithPrefix(ctx context.Context, prefix string) (string, bool, error) {
	var keys []string
	for item, err := range r.repo.FindByPrefix(ctx, prefix) {
		if err != nil {
			return "", false, err
		}
		keys = append(keys, item.Key)
	}
	switch len(keys) {
	case 0:
		return "", false, nil
	case 1:
		return keys[0], true, nil
	}

	p := pool.NewWithResults[stamped]().
		WithContext(ctx).
		WithMaxGoroutines(r.concurrency).
		WithCancelOnError()
	for _, key := range keys {
		p.Go(func(ctx context.Context) (stamped, error) {
			creation, err := r.repo.Creation(ctx, key)
			if errors.Is(err, ErrNotFound) {
				// Evicted after the listing.
				return stamped{key: key, gone: true}, nil
			}
			if err != nil {
				return stamped{}, err
			}
			return stamped{key: key, creation: creation}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return "", false, err
	}

	var best *stamped
	for i := range results {
		c := &results[i]
		if c.gone {
			continue
		}
		if best == nil || c.creation.After(best.creation) ||
			(c.creation.Equal(best.creation) && c.key < best.key) {
			best = c
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.key, true, nil
}
