package ics

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"tzcal/internal/calendar"
	appLog "tzcal/internal/log"
)

// SyncResult is the outcome of importing one source.
type SyncResult struct {
	Source Source
	Report ImportReport
	Err    error
}

// Syncer fetches subscriptions and imports them into their calendars. The
// manager is only touched while holding mu, which callers share with every
// other user of the manager.
type Syncer struct {
	mu      sync.Locker
	manager *calendar.Manager
	fetcher *Fetcher
	sources []Source
}

func NewSyncer(mu sync.Locker, manager *calendar.Manager, fetcher *Fetcher, sources []Source) *Syncer {
	return &Syncer{mu: mu, manager: manager, fetcher: fetcher, sources: sources}
}

// Sources returns the configured subscriptions.
func (s *Syncer) Sources() []Source {
	return append([]Source(nil), s.sources...)
}

// SyncAll imports every source, continuing past failures.
func (s *Syncer) SyncAll(ctx context.Context) []SyncResult {
	results := make([]SyncResult, 0, len(s.sources))
	for _, src := range s.sources {
		if ctx.Err() != nil {
			results = append(results, SyncResult{Source: src, Err: ctx.Err()})
			continue
		}
		report, err := s.SyncSource(ctx, src)
		results = append(results, SyncResult{Source: src, Report: report, Err: err})
	}
	return results
}

// SyncSource fetches one source outside the lock, then imports it under it.
func (s *Syncer) SyncSource(ctx context.Context, src Source) (ImportReport, error) {
	res, err := s.fetcher.FetchOne(ctx, src)
	if err != nil {
		appLog.Error("subscription fetch failed", err, "id", src.ID, "source", src.String())
		return ImportReport{}, err
	}
	events, err := ParseICS(src, res.Body)
	if err != nil {
		return ImportReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cal, err := s.manager.Calendar(src.Calendar)
	if err != nil {
		return ImportReport{}, fmt.Errorf("subscription %s: %w", src.ID, err)
	}
	return Import(cal, events), nil
}

// SyncPath re-imports the local sources backed by path. It is the Watcher
// callback.
func (s *Syncer) SyncPath(ctx context.Context, path string) []SyncResult {
	var results []SyncResult
	for _, src := range s.sources {
		if src.Path == "" {
			continue
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil || abs != path {
			continue
		}
		report, err := s.SyncSource(ctx, src)
		results = append(results, SyncResult{Source: src, Report: report, Err: err})
	}
	return results
}
