package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/querycache/pkg/logging"
	"github.com/Sternrassler/querycache/pkg/query"
)

var prefetchPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "querycache_prefetch_pages_total",
	Help: "Total prefetched list pages by result",
}, []string{"result"}) // "fetched", "skipped", "failed"

// Config holds prefetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page fetches
	MaxConcurrency int

	// Timeout per page fetch
	Timeout time.Duration

	// TTL for prefetched pages (default: query.DefaultListTTL)
	TTL time.Duration

	// SkipFresh leaves pages that are already fresh in the store alone
	SkipFresh bool
}

// DefaultConfig returns safe default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		TTL:            query.DefaultListTTL,
		SkipFresh:      true,
	}
}

// Result summarizes one prefetch run
type Result struct {
	// Total is the item count reported by the last fetched page
	Total int

	// Fetched, Skipped and Failed count pages by outcome
	Fetched int
	Skipped int
	Failed  int
}

// pageResult represents the result of fetching a single page
type pageResult struct {
	page    int
	total   int
	skipped bool
	err     error
}

// Prefetcher warms list pages into the cache in parallel so that a List
// mounted later finds them fresh.
type Prefetcher[T any] struct {
	client *query.Client
	fetch  query.ListFetchFunc[T]
	config Config
	logger zerolog.Logger
}

// NewPrefetcher creates a new prefetcher
func NewPrefetcher[T any](c *query.Client, fetch query.ListFetchFunc[T], config Config) *Prefetcher[T] {
	if c == nil {
		panic("query client cannot be nil")
	}
	if fetch == nil {
		panic("list fetch function cannot be nil")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.TTL <= 0 {
		config.TTL = query.DefaultListTTL
	}

	return &Prefetcher[T]{
		client: c,
		fetch:  fetch,
		config: config,
		logger: logging.NewLogger("prefetch"),
	}
}

// SetLogger replaces the prefetcher logger
func (p *Prefetcher[T]) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// Prefetch warms count pages starting at the page base describes. Each page
// is stored under the key a List with the same namespace, filters and sort
// would derive. Pages fetched before a failure stay cached; the first error
// is returned.
func (p *Prefetcher[T]) Prefetch(ctx context.Context, namespace string, base query.ListParams, count int) (Result, error) {
	if count <= 0 || base.Limit <= 0 {
		return Result{}, nil
	}
	first := base.Page()
	pages := make([]int, 0, count)
	for page := first; page < first+count; page++ {
		pages = append(pages, page)
	}
	return p.run(ctx, namespace, base, pages)
}

// PrefetchAll fetches the first page to learn the total, then warms every
// remaining page in parallel.
func (p *Prefetcher[T]) PrefetchAll(ctx context.Context, namespace string, base query.ListParams) (Result, error) {
	if base.Limit <= 0 {
		return Result{}, fmt.Errorf("prefetch %s: limit must be positive", namespace)
	}
	base.Offset = 0

	firstPage, err := p.fetchPage(ctx, namespace, base, 1, false)
	if err != nil {
		return Result{Failed: 1}, fmt.Errorf("failed to fetch first page: %w", err)
	}

	totalPages := (firstPage.total + base.Limit - 1) / base.Limit

	p.logger.Info().
		Str("namespace", namespace).
		Int("total_pages", totalPages).
		Msg("Starting parallel page prefetch")

	if totalPages <= 1 {
		return Result{Total: firstPage.total, Fetched: 1}, nil
	}

	pages := make([]int, 0, totalPages-1)
	for page := 2; page <= totalPages; page++ {
		pages = append(pages, page)
	}
	res, err := p.run(ctx, namespace, base, pages)
	res.Fetched++
	if res.Total == 0 {
		res.Total = firstPage.total
	}
	return res, err
}

// run distributes pages across the worker pool and collects the results
func (p *Prefetcher[T]) run(ctx context.Context, namespace string, base query.ListParams, pages []int) (Result, error) {
	start := time.Now()

	pageQueue := make(chan int, len(pages))
	for _, page := range pages {
		pageQueue <- page
	}
	close(pageQueue)

	results := make(chan pageResult, len(pages))

	var wg sync.WaitGroup
	workers := min(p.config.MaxConcurrency, len(pages))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, namespace, base, pageQueue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		res      Result
		firstErr error
	)
	for r := range results {
		switch {
		case r.err != nil:
			res.Failed++
			prefetchPagesTotal.WithLabelValues("failed").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("page %d: %w", r.page, r.err)
			}
		case r.skipped:
			res.Skipped++
			prefetchPagesTotal.WithLabelValues("skipped").Inc()
		default:
			res.Fetched++
			res.Total = r.total
			prefetchPagesTotal.WithLabelValues("fetched").Inc()
		}
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}

	logEvent := p.logger.Info()
	if firstErr != nil {
		logEvent = p.logger.Warn().Err(firstErr)
	}
	logEvent.
		Str("namespace", namespace).
		Int("fetched", res.Fetched).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", time.Since(start)).
		Msg("Prefetch complete")

	return res, firstErr
}

// worker processes pages from the queue
func (p *Prefetcher[T]) worker(ctx context.Context, namespace string, base query.ListParams, pageQueue <-chan int, results chan<- pageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for page := range pageQueue {
		select {
		case <-ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		results <- p.fetchPageResult(ctx, namespace, base, page)
		pagesProcessed++
	}

	if pagesProcessed > 0 {
		p.logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
}

func (p *Prefetcher[T]) fetchPageResult(ctx context.Context, namespace string, base query.ListParams, page int) pageResult {
	r, err := p.fetchPage(ctx, namespace, base, page, p.config.SkipFresh)
	r.err = err
	return r
}

// fetchPage loads one page and primes the cache with it
func (p *Prefetcher[T]) fetchPage(ctx context.Context, namespace string, base query.ListParams, page int, skipFresh bool) (pageResult, error) {
	params := base
	params.Offset = (page - 1) * base.Limit
	key := query.ListKey(namespace, params)

	if skipFresh && p.client.Store().Has(key) {
		return pageResult{page: page, skipped: true}, nil
	}

	pageCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	data, err := p.fetch(pageCtx, params)
	cancel()
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("key", key).
			Int("page", page).
			Msg("Page fetch failed")
		return pageResult{page: page}, err
	}

	p.client.Prime(ctx, key, data, p.config.TTL)
	return pageResult{page: page, total: data.Total}, nil
}
