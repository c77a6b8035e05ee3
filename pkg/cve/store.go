// Package cve is the local vulnerability knowledge store: a single-writer
// cache of CVE records with lock-free readers, an incremental feed client,
// and file persistence.
package cve

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waftester/vulnassess/pkg/duration"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/jsonutil"
)

// Feed fetches records changed since a point in time.
type Feed interface {
	Fetch(ctx context.Context, since time.Time) ([]Record, error)
}

// snapshot is an immutable view of the cache. Writers build a new snapshot
// and swap the pointer; readers never lock.
type snapshot struct {
	version       uint64
	records       map[string]Record
	byProduct     map[string][]string
	lastSync      time.Time
	lastAttempt   time.Time
	refreshFailed bool
}

// Options configures a Store.
type Options struct {
	Feed   Feed
	TTL    time.Duration
	Logger *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store is safe for concurrent use: one writer at a time, any number of
// readers.
type Store struct {
	snap    atomic.Pointer[snapshot]
	writeMu sync.Mutex

	feed   Feed
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = duration.CVETTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{feed: opts.Feed, ttl: opts.TTL, now: opts.Now, logger: opts.Logger}
	s.snap.Store(&snapshot{records: map[string]Record{}, byProduct: map[string][]string{}})
	return s
}

// Stats summarizes the current snapshot.
type Stats struct {
	Version       uint64    `json:"version"`
	Records       int       `json:"records"`
	LastSync      time.Time `json:"last_sync"`
	LastAttempt   time.Time `json:"last_attempt"`
	RefreshFailed bool      `json:"refresh_failed"`
	Expired       bool      `json:"expired"`
}

// Stats returns a summary of the current snapshot.
func (s *Store) Stats() Stats {
	sn := s.snap.Load()
	return Stats{
		Version:       sn.version,
		Records:       len(sn.records),
		LastSync:      sn.lastSync,
		LastAttempt:   sn.lastAttempt,
		RefreshFailed: sn.refreshFailed,
		Expired:       s.expired(sn),
	}
}

// Len returns the number of cached records.
func (s *Store) Len() int { return len(s.snap.Load().records) }

// Expired reports whether the cache is older than its TTL.
func (s *Store) Expired() bool { return s.expired(s.snap.Load()) }

func (s *Store) expired(sn *snapshot) bool {
	return sn.lastSync.IsZero() || s.now().Sub(sn.lastSync) > s.ttl
}

// LastSync returns the time of the last successful sync.
func (s *Store) LastSync() time.Time { return s.snap.Load().lastSync }

// Get returns the record with id.
func (s *Store) Get(id string) (Record, bool) {
	sn := s.snap.Load()
	r, ok := sn.records[id]
	if !ok {
		return Record{}, false
	}
	return s.decorate(sn, r), true
}

// Lookup returns every record for service affecting version, sorted by
// CVSS descending then id. It never touches the network and returns the
// same answer until the cache changes.
func (s *Store) Lookup(service, version string) []Record {
	if version == "" {
		return nil
	}
	sn := s.snap.Load()
	var out []Record
	for _, id := range sn.byProduct[NormalizeProduct(service)] {
		r := sn.records[id]
		if r.Affects(version) {
			out = append(out, s.decorate(sn, r))
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := cmp.Compare(b.CVSS, a.CVSS); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// MatchService looks up product (falling back to service when the product
// is unknown) and wraps each record as a Match on port.
func (s *Store) MatchService(port int, service, product, version string, confidence float64) []Match {
	name := product
	if name == "" {
		name = service
	}
	recs := s.Lookup(name, version)
	out := make([]Match, 0, len(recs))
	for _, r := range recs {
		out = append(out, Match{
			Record:     r,
			Port:       port,
			Service:    service,
			Product:    NormalizeProduct(name),
			Version:    version,
			Confidence: confidence,
		})
	}
	return out
}

// decorate returns a copy of r with Stale computed: past TTL and the last
// refresh attempt failed.
func (s *Store) decorate(sn *snapshot, r Record) Record {
	r = r.Clone()
	synced := r.LastSynced
	if sn.lastSync.After(synced) {
		synced = sn.lastSync
	}
	r.Stale = sn.refreshFailed && s.now().Sub(synced) > s.ttl
	return r
}

// Sync pulls records changed since since from the feed and installs them.
// A feed failure leaves the cache intact, marks the refresh as failed and
// returns an error wrapping finding.ErrExternalSourceUnavailable.
func (s *Store) Sync(ctx context.Context, since time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.feed == nil {
		s.markFailed()
		return 0, fmt.Errorf("%w: no feed configured", finding.ErrExternalSourceUnavailable)
	}
	recs, err := s.feed.Fetch(ctx, since)
	if err != nil {
		s.markFailed()
		s.logger.Warn("cve sync failed", slog.String("error", err.Error()))
		if errors.Is(err, finding.ErrExternalSourceUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", finding.ErrExternalSourceUnavailable, err)
	}
	n, err := s.install(recs, s.now(), true)
	if err != nil {
		s.markFailed()
		return 0, fmt.Errorf("%w: %v", finding.ErrExternalSourceUnavailable, err)
	}
	s.logger.Info("cve sync complete", slog.Int("updated", n), slog.Int("total", s.Len()))
	return n, nil
}

// Seed bulk-loads records as if synced at syncedAt. Existing records with
// the same id are replaced.
func (s *Store) Seed(records []Record, syncedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.install(records, syncedAt, false)
	return err
}

// install must be called with writeMu held.
func (s *Store) install(recs []Record, at time.Time, fromSync bool) (int, error) {
	for _, r := range recs {
		if err := r.validate(); err != nil {
			return 0, err
		}
	}
	old := s.snap.Load()
	next := &snapshot{
		version:     old.version + 1,
		records:     maps.Clone(old.records),
		lastSync:    at,
		lastAttempt: at,
	}
	if !fromSync && old.lastSync.After(at) {
		next.lastSync = old.lastSync
	}
	for _, r := range recs {
		r = r.Clone()
		r.Product = NormalizeProduct(r.Product)
		r.Stale = false
		if fromSync || r.LastSynced.IsZero() {
			r.LastSynced = at
		}
		next.records[r.ID] = r
	}
	next.byProduct = index(next.records)
	s.snap.Store(next)
	return len(recs), nil
}

// markFailed must be called with writeMu held.
func (s *Store) markFailed() {
	old := s.snap.Load()
	next := *old
	next.version++
	next.refreshFailed = true
	next.lastAttempt = s.now()
	s.snap.Store(&next)
}

func index(records map[string]Record) map[string][]string {
	idx := make(map[string][]string)
	for id, r := range records {
		idx[r.Product] = append(idx[r.Product], id)
	}
	for _, ids := range idx {
		slices.Sort(ids)
	}
	return idx
}

type cacheFile struct {
	FormatVersion int       `json:"format_version"`
	LastSync      time.Time `json:"last_sync"`
	LastAttempt   time.Time `json:"last_attempt"`
	RefreshFailed bool      `json:"refresh_failed"`
	Records       []Record  `json:"records"`
}

const cacheFormatVersion = 1

// SaveFile writes the current snapshot atomically.
func (s *Store) SaveFile(path string) error {
	sn := s.snap.Load()
	recs := slices.Collect(maps.Values(sn.records))
	slices.SortFunc(recs, func(a, b Record) int { return cmp.Compare(a.ID, b.ID) })
	return jsonutil.WriteFileAtomic(path, cacheFile{
		FormatVersion: cacheFormatVersion,
		LastSync:      sn.lastSync,
		LastAttempt:   sn.lastAttempt,
		RefreshFailed: sn.refreshFailed,
		Records:       recs,
	})
}

// LoadFile replaces the cache with a file written by SaveFile.
func (s *Store) LoadFile(path string) error {
	var f cacheFile
	if err := jsonutil.ReadFile(path, &f); err != nil {
		return fmt.Errorf("cve: load %s: %w", path, err)
	}
	if f.FormatVersion != cacheFormatVersion {
		return fmt.Errorf("cve: %s has format %d, want %d", path, f.FormatVersion, cacheFormatVersion)
	}
	records := make(map[string]Record, len(f.Records))
	for _, r := range f.Records {
		if err := r.validate(); err != nil {
			return fmt.Errorf("cve: load %s: %w", path, err)
		}
		r.Product = NormalizeProduct(r.Product)
		records[r.ID] = r
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.snap.Store(&snapshot{
		version:       s.snap.Load().version + 1,
		records:       records,
		byProduct:     index(records),
		lastSync:      f.LastSync,
		lastAttempt:   f.LastAttempt,
		refreshFailed: f.RefreshFailed,
	})
	return nil
}
