package catalog

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hashicorp/go-multierror"

	"webuiflasher/internal/config"
	"webuiflasher/internal/fetch"
)

// Catalog is the in-memory view over the source declarations and the cache
// directory. It always answers from its last-known snapshot; resolutions
// update entries in place as they complete.
type Catalog struct {
	cfg      *config.Config
	resolver *fetch.Resolver

	mu      sync.RWMutex
	entries map[string]*fetch.Resolved
	lastErr map[string]error

	flightMu sync.Mutex
	inflight map[string]chan struct{}
}

// New builds a catalog from the parsed config and scans the cache directory
// for artifacts left by previous runs. No network I/O happens here.
func New(cfg *config.Config, resolver *fetch.Resolver) *Catalog {
	c := &Catalog{
		cfg:      cfg,
		resolver: resolver,
		entries:  make(map[string]*fetch.Resolved, len(cfg.Sources)),
		lastErr:  make(map[string]error),
		inflight: make(map[string]chan struct{}),
	}
	for _, src := range cfg.Sources {
		res, _ := fetch.Cached(src, cfg.FetchDir)
		entry := res
		c.entries[src.Name] = &entry
	}
	return c
}

// FetchDir returns the cache root the catalog is built over.
func (c *Catalog) FetchDir() string { return c.cfg.FetchDir }

// List returns the current snapshot in source declaration order, stable
// across calls.
func (c *Catalog) List() []fetch.Resolved {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]fetch.Resolved, 0, len(c.cfg.Sources))
	for _, src := range c.cfg.Sources {
		out = append(out, *c.entries[src.Name])
	}
	return out
}

// Get returns the snapshot entry for one source.
func (c *Catalog) Get(name string) (fetch.Resolved, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok {
		return fetch.Resolved{}, false
	}
	return *e, true
}

// LastError returns the soft error recorded by the most recent failed
// resolution of a source, if any.
func (c *Catalog) LastError(name string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr[name]
}

// Refresh triggers an asynchronous resolution for one source and returns
// immediately. A refresh arriving while one is already in flight for the
// same name attaches to it instead of starting a duplicate. The returned
// channel closes when the resolution (new or joined) completes.
func (c *Catalog) Refresh(ctx context.Context, name string) (<-chan struct{}, error) {
	src := c.cfg.Find(name)
	if src == nil {
		return nil, fmt.Errorf("unknown firmware %q", name)
	}

	c.flightMu.Lock()
	if done, ok := c.inflight[name]; ok {
		c.flightMu.Unlock()
		return done, nil
	}
	done := make(chan struct{})
	c.inflight[name] = done
	c.flightMu.Unlock()

	go func() {
		defer func() {
			c.flightMu.Lock()
			delete(c.inflight, name)
			c.flightMu.Unlock()
			close(done)
		}()
		c.resolveOne(ctx, *src)
	}()

	return done, nil
}

// RefreshAll triggers a refresh for every source. Resolution of independent
// sources runs in parallel; failures stay isolated per source.
func (c *Catalog) RefreshAll(ctx context.Context) {
	for _, src := range c.cfg.Sources {
		if _, err := c.Refresh(ctx, src.Name); err != nil {
			log.Printf("catalog: refresh %s: %v", src.Name, err)
		}
	}
}

// RefreshAllWait resolves every source and blocks until all complete,
// reporting progress through report and returning the aggregated soft
// errors. Used by the update-all command.
func (c *Catalog) RefreshAllWait(ctx context.Context, report func(name string, res fetch.Resolved, err error)) error {
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs *multierror.Error

	for _, src := range c.cfg.Sources {
		done, err := c.Refresh(ctx, src.Name)
		if err != nil {
			errMu.Lock()
			errs = multierror.Append(errs, err)
			errMu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			<-done

			res, _ := c.Get(name)
			rerr := c.LastError(name)
			if report != nil {
				report(name, res, rerr)
			}
			if rerr != nil {
				errMu.Lock()
				errs = multierror.Append(errs, rerr)
				errMu.Unlock()
			}
		}(src.Name)
	}

	wg.Wait()
	return errs.ErrorOrNil()
}

// resolveOne runs a single resolution and folds the result into the
// snapshot. A failure leaves the prior entry untouched and records the
// error.
func (c *Catalog) resolveOne(ctx context.Context, src config.Source) {
	res, err := c.resolver.Resolve(ctx, src, c.cfg.FetchDir)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.lastErr[src.Name] = err
		log.Printf("catalog: resolve %s: %v", src.Name, err)
		return
	}
	delete(c.lastErr, src.Name)
	*c.entries[src.Name] = res
}

// Rescan rebuilds availability from the cache directory alone, without
// network I/O. Entries whose artifact vanished flip to unavailable; new
// artifacts dropped into the cache become visible.
func (c *Catalog) Rescan() {
	for _, src := range c.cfg.Sources {
		res, ok := fetch.Cached(src, c.cfg.FetchDir)

		c.mu.Lock()
		entry := c.entries[src.Name]
		if ok {
			*entry = res
		} else {
			entry.Available = false
			entry.ArtifactPath = ""
			entry.SizeBytes = 0
		}
		c.mu.Unlock()
	}
}
