// Command bench runs a synthetic workload against a persistent cache and
// exposes optional pprof/Prometheus endpoints.
//
// The workload mixes reads with writes that carry sliding or absolute expiry
// and, for some writes, a dependency tag. A separate goroutine invalidates a
// random tag on a fixed period. A profile can be loaded from YAML:
//
//	bench -config profile.yaml -duration 30s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/diskcache/cache"
	pmet "github.com/IvanBrykalov/diskcache/metrics/prom"
	"github.com/IvanBrykalov/diskcache/storage/sqlite"
)

type counters struct {
	reads, writes, hits, misses, invalidations, total atomic.Uint64
	evicted                                           [cache.Capacity + 1]atomic.Uint64
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p, err := parseProfile(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Error("invalid profile", "err", err)
		os.Exit(2)
	}
	if err := run(p, log); err != nil {
		log.Error("bench failed", "err", err)
		os.Exit(1)
	}
}

func run(p profile, log *slog.Logger) error {
	// ---- pprof server (on DefaultServeMux) ----
	if p.PprofAddr != "" {
		go func() {
			log.Info("pprof: serving", "addr", p.PprofAddr)
			log.Warn("pprof stopped", "err", http.ListenAndServe(p.PprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "diskcache", "bench", nil)
	if p.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", "addr", p.MetricsAddr)
			log.Warn("metrics stopped", "err", http.ListenAndServe(p.MetricsAddr, nil))
		}()
	}

	// ---- Open cache ----
	c, err := cache.Open(cache.Options{
		SQLite:        sqlite.Config{Path: p.Path, Truncate: true, Logger: log},
		Shards:        p.Shards,
		DurableWrites: p.Durable,
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	var n counters
	onEvict := cache.NewCallback("bench", func(_ string, _ []byte, r cache.EvictionReason) {
		if int(r) < len(n.evicted) {
			n.evicted[r].Add(1)
		}
	})
	value := make([]byte, p.Value)
	options := func(r *rand.Rand) *cache.EntryOptions {
		o := cache.NewEntryOptions().RegisterPostEvictionCallback(onEvict)
		if r.Intn(100) < p.Sliding {
			o.SetSlidingExpiration(p.TTL)
		} else {
			o.SetAbsoluteExpirationRelativeToNow(p.TTL)
		}
		if r.Intn(100) < p.Tagged {
			o.AddDependency("tag:" + strconv.Itoa(r.Intn(p.Tags)))
		}
		return o
	}

	// ---- Preload to get a realistic hit-rate ----
	pr := rand.New(rand.NewSource(p.Seed))
	for i := 0; i < p.Preload; i++ {
		if err := c.Set("k:"+strconv.Itoa(i), value, options(pr)); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	// ---- Load generation ----
	ctx, cancel := context.WithTimeout(context.Background(), p.Duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	start := time.Now()
	for w := 0; w < p.Workers; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(p.Seed + int64(id)*9973))
			zipf := rand.NewZipf(r, p.ZipfS, p.ZipfV, uint64(p.Keys-1))

			for ctx.Err() == nil {
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				n.total.Add(1)
				if r.Intn(100) < p.Reads {
					n.reads.Add(1)
					_, ok, err := c.TryGetData(k)
					if err != nil {
						return err
					}
					if ok {
						n.hits.Add(1)
					} else {
						n.misses.Add(1)
					}
					continue
				}
				n.writes.Add(1)
				if err := c.Set(k, value, options(r)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if p.Invalidations > 0 {
		g.Go(func() error {
			r := rand.New(rand.NewSource(p.Seed - 1))
			t := time.NewTicker(p.Invalidations)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				if err := c.RemoveByDependency("tag:" + strconv.Itoa(r.Intn(p.Tags))); err != nil {
					return err
				}
				n.invalidations.Add(1)
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	elapsed := time.Since(start)

	// Expire what is due before reporting.
	c.StartScanForExpiredItems(true)

	// ---- Report ----
	ops := n.total.Load()
	reads := n.reads.Load()
	hitRate := 0.0
	if reads > 0 {
		hitRate = float64(n.hits.Load()) / float64(reads) * 100
	}
	size, err := c.Len()
	if err != nil {
		return err
	}

	fmt.Printf("path=%s durable=%v shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		p.Path, p.Durable, p.Shards, p.Workers, p.Keys, elapsed, p.Seed)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  invalidations=%d\n",
		ops, float64(ops)/elapsed.Seconds(), reads, n.writes.Load(), n.invalidations.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", n.hits.Load(), n.misses.Load(), hitRate)
	fmt.Printf("evicted: replaced=%d expired=%d dependency=%d\n",
		n.evicted[cache.Replaced].Load(), n.evicted[cache.Expired].Load(), n.evicted[cache.Dependency].Load())
	fmt.Printf("Len()=%d\n", size)
	return nil
}
