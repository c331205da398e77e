package remote

import (
	"context"

	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// PageFunc fetches one page, numbered from 1, and reports whether more pages follow.
type PageFunc[T any] func(ctx context.Context, page int) (items []T, hasMore bool, err error)

// Paginate collects pages until fetch reports no more pages or maxPages pages have been
// read. keep, when non-nil, filters the items of every page. A maxPages <= 0 falls back
// to config.DefaultMaxPages so an upstream that always reports more pages still ends.
func Paginate[T any](ctx context.Context, fetch PageFunc[T], keep func(T) bool, maxPages int) ([]T, error) {
	if maxPages <= 0 {
		logger.Warnf("Pagination cap %d is not positive; using %d pages.", maxPages, config.DefaultMaxPages)
		maxPages = config.DefaultMaxPages
	}
	var all []T
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, hasMore, err := fetch(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if keep == nil || keep(item) {
				all = append(all, item)
			}
		}
		if !hasMore {
			return all, nil
		}
	}
	logger.Warnf("Pagination stopped at the cap of %d pages; later pages were not fetched.", maxPages)
	return all, nil
}
