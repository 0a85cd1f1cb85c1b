package ticket

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StoreOptions configure the snapshot store. Zero values get defaults.
type StoreOptions struct {
	Now       func() time.Time
	Debounce  time.Duration
	Retention time.Duration
	// HotReload preserves open records across a same-process reload.
	HotReload bool
	Logger    *zap.Logger
}

// LoadResult reports the side effects of the restart sweep.
type LoadResult struct {
	// StaleOpen are records past retention that were still open; the caller
	// must finalize each one (exactly one stats record per entry).
	StaleOpen []*Record
	// BanConversions are records carrying the banned marker; the caller turns
	// them into ban-registry entries.
	BanConversions []*Record
	// ForcedClosed counts open records forced closed on a cold start.
	ForcedClosed int
}

// Store is the durable userId → ticket record table. Writes are debounced:
// bursts of mutations coalesce into one snapshot after a quiet delay, and a
// crash loses at most the debounce window.
type Store struct {
	mu    sync.Mutex
	path  string
	now   func() time.Time
	delay time.Duration
	log   *zap.Logger

	recs  map[string]*Record
	timer *time.Timer
	dirty bool
}

// OpenStore loads the snapshot at path and applies the restart sweep: banned
// entries convert out, entries past retention drop, surviving open entries
// are forced closed unless hot-reloading. A missing file is no prior state;
// any other read or decode failure propagates.
func OpenStore(path string, opts StoreOptions) (*Store, *LoadResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Debounce == 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Retention == 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		path:  path,
		now:   opts.Now,
		delay: opts.Debounce,
		log:   opts.Logger,
		recs:  make(map[string]*Record),
	}
	res := &LoadResult{}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, res, nil
		}
		return nil, nil, fmt.Errorf("ticket store: read %s: %w", path, err)
	}
	var loaded map[string]*Record
	if err := json.Unmarshal(b, &loaded); err != nil {
		return nil, nil, fmt.Errorf("ticket store: decode %s: %w", path, err)
	}

	nowMs := opts.Now().UnixMilli()
	cutoff := nowMs - opts.Retention.Milliseconds()
	for id, rec := range loaded {
		switch {
		case rec.Banned != "":
			res.BanConversions = append(res.BanConversions, rec)
			// the marker must outlive this generation too: keep it in the
			// table until the ban itself expires
			if rec.BanExpires > nowMs {
				s.recs[id] = rec
			}
		case rec.Created < cutoff:
			if rec.Open {
				res.StaleOpen = append(res.StaleOpen, rec)
			}
		default:
			if rec.Open && !opts.HotReload {
				rec.Open = false
				rec.Claimed = ""
				res.ForcedClosed++
			}
			s.recs[id] = rec
		}
	}
	return s, res, nil
}

func (s *Store) Get(userID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	return rec, ok
}

func (s *Store) Put(rec *Record) {
	s.mu.Lock()
	s.recs[rec.UserID] = rec
	s.mu.Unlock()
	s.Queue()
}

func (s *Store) Delete(userID string) {
	s.mu.Lock()
	delete(s.recs, userID)
	s.mu.Unlock()
	s.Queue()
}

// All returns records ordered by creation time.
func (s *Store) All() []*Record {
	s.mu.Lock()
	out := make([]*Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

// Queue schedules a debounced snapshot write.
func (s *Store) Queue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.flush)
	}
}

func (s *Store) flush() {
	if err := s.SaveNow(); err != nil {
		s.log.Error("ticket snapshot write failed", zap.Error(err))
	}
}

// SaveNow writes the snapshot synchronously and cancels any pending debounce.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	b, err := json.MarshalIndent(s.recs, "", "\t")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ticket store: encode: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ticket store: mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("ticket store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("ticket store: rename: %w", err)
	}
	return nil
}

// Close flushes a pending write, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		return s.SaveNow()
	}
	return nil
}
