package cache

import (
	"errors"
	"time"

	"golang.org/x/text/cases"

	"github.com/IvanBrykalov/diskcache/storage"
)

const scanKey = "expired"

// StartScanForExpiredItems schedules an expiration scan if the last one
// started more than the scan interval ago, or unconditionally when force is
// set. It returns without waiting for the scan.
func (e *Engine) StartScanForExpiredItems(force bool) {
	now := e.clock.NowUnixNano()
	last := e.lastScan.Load()
	if force {
		e.lastScan.Store(now)
	} else if now-last <= e.scanInterval || !e.lastScan.CompareAndSwap(last, now) {
		return
	}
	if !e.sched.Submit(e.runScan) {
		e.log.Debug("expiration scan not scheduled")
	}
}

// runScan is the scheduled task. Scans requested while one is running join it.
func (e *Engine) runScan() {
	n, err, shared := e.scans.Do(scanKey, e.scanExpired)
	if shared {
		return
	}
	switch {
	case errors.Is(err, ErrEngineClosed):
	case err != nil:
		e.log.Warn("expiration scan failed", "removed", n, "err", err)
	default:
		e.log.Debug("expiration scan finished", "removed", n)
	}
}

// scanExpired removes entries past their absolute expiry and sliding entries
// idle longer than their window, then dispatches Expired for each.
func (e *Engine) scanExpired() (int, error) {
	start := time.Now()
	epoch := e.nowSeconds()

	abs, errAbs := e.removeBy("absolute expiry", collectAbsolute(epoch), absoluteExpired(epoch))
	sl, errSl := e.removeBy("sliding expiry", collectSliding(epoch), slidingExpiredRecord(epoch))

	removed := unionByKey(abs, sl)
	for _, rec := range removed {
		e.dispatch(rec, Expired)
	}
	e.metrics.Scan(len(removed), time.Since(start))
	return len(removed), errors.Join(errAbs, errSl)
}

// unionByKey concatenates record lists, keeping the first record per
// normalized key.
func unionByKey(lists ...[]storage.Record) []storage.Record {
	fold := cases.Fold()
	seen := make(map[string]struct{})
	var out []storage.Record
	for _, l := range lists {
		for _, rec := range l {
			k := fold.String(rec.Key)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}
