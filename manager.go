package transit

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardpi/transit/dedup"
	"github.com/boardpi/transit/fetch"
	"github.com/boardpi/transit/metrics"
	"github.com/boardpi/transit/model"
	"github.com/boardpi/transit/parse"
	"github.com/boardpi/transit/storage"
)

const (
	DefaultStaticRefreshInterval   = 12 * time.Hour
	DefaultRealtimeRefreshInterval = 30 * time.Second
	DefaultRealtimeStaleAfter      = 5 * time.Minute
	DefaultRealtimeTimeout         = 30 * time.Second
	DefaultRealtimeMaxSize         = 1 << 20 // 1 MB
	DefaultStaticTimeout           = 60 * time.Second
	DefaultStaticMaxSize           = 800 << 20 // 800 MB
	DefaultFetchRetries            = 2
)

var ErrNoSchedule = errors.New("no schedule loaded")

// Manager owns the published engine state: one schedule generation,
// one realtime overlay and the stop groups. Refreshes build
// replacement state off to the side and publish it with an atomic
// pointer swap, so the query path never takes a lock.
type Manager struct {
	StaticURL    string
	RealtimeURLs []string

	StaticRefreshInterval   time.Duration
	RealtimeRefreshInterval time.Duration
	RealtimeStaleAfter      time.Duration
	StaticTimeout           time.Duration
	StaticMaxSize           int
	RealtimeTimeout         time.Duration
	RealtimeMaxSize         int
	FetchRetries            int

	Detector dedup.Options
	Fetcher  fetch.Fetcher
	Metrics  *metrics.Collector
	Logger   *log.Logger

	storage storage.Storage

	// Imports and realtime refreshes hold separate locks, so a
	// slow static import never stalls the realtime cadence. The
	// query path reads state without any lock; writers publish
	// with compare-and-swap so the later of two concurrent
	// publishes never resurrects a superseded schedule.
	staticMu sync.Mutex
	rtMu     sync.Mutex
	groupsMu sync.Mutex
	state    atomic.Pointer[engineState]

	// Feed timestamp of the last applied realtime snapshot.
	lastRealtimeTimestamp atomic.Uint64
}

type engineState struct {
	schedule *Schedule
	overlay  *Overlay

	groups      map[string]*model.StopGroup
	groupByStop map[string]string

	overlayAt time.Time
}

// The result of a departure query. Found is false when the target
// matches neither a stop nor a group. Stale is set when realtime
// feeds are configured but no fresh overlay is published.
type Result struct {
	Target     string
	Name       string
	Departures []model.Departure
	Found      bool
	Stale      bool
}

func NewManager(s storage.Storage) *Manager {
	return &Manager{
		StaticRefreshInterval:   DefaultStaticRefreshInterval,
		RealtimeRefreshInterval: DefaultRealtimeRefreshInterval,
		RealtimeStaleAfter:      DefaultRealtimeStaleAfter,
		StaticTimeout:           DefaultStaticTimeout,
		StaticMaxSize:           DefaultStaticMaxSize,
		RealtimeTimeout:         DefaultRealtimeTimeout,
		RealtimeMaxSize:         DefaultRealtimeMaxSize,
		FetchRetries:            DefaultFetchRetries,

		Fetcher: fetch.NewHTTPFetcher(),
		Logger:  log.Default(),

		storage: s,
	}
}

// Restore publishes the most recently retrieved stored generation
// that is active at the given time, along with the stored stop
// groups. Returns ErrNoSchedule when storage holds nothing usable.
func (m *Manager) Restore(now time.Time) error {
	m.staticMu.Lock()
	defer m.staticMu.Unlock()

	gens, err := m.storage.ListGenerations(storage.ListGenerationsFilter{URL: m.StaticURL})
	if err != nil {
		return fmt.Errorf("listing generations: %w", err)
	}

	sort.Slice(gens, func(i, j int) bool {
		return gens[i].RetrievedAt.After(gens[j].RetrievedAt)
	})

	for _, gen := range gens {
		ok, err := generationActive(gen, now)
		if err != nil {
			return fmt.Errorf("checking generation: %w", err)
		}
		if !ok {
			continue
		}
		return m.publishGeneration(gen)
	}

	return ErrNoSchedule
}

// ReloadStatic fetches the static feed and, if its content changed
// (or force is set), imports it into a fresh generation and publishes
// it. Unchanged content refreshes the fetch state and returns without
// touching the published schedule.
func (m *Manager) ReloadStatic(ctx context.Context, force bool) error {
	m.staticMu.Lock()
	defer m.staticMu.Unlock()

	opts := fetch.Options{
		Timeout: m.StaticTimeout,
		MaxSize: m.StaticMaxSize,
		Retries: m.FetchRetries,
	}

	prior, err := m.storage.FetchState(m.StaticURL)
	if err != nil {
		return fmt.Errorf("reading fetch state: %w", err)
	}
	if prior != nil && !force {
		opts.ETag = prior.ETag
		opts.LastModified = prior.LastModified
	}

	res, err := m.Fetcher.Fetch(ctx, m.StaticURL, opts)
	if err != nil {
		if m.Metrics != nil {
			m.Metrics.StaticImportErrs.Inc()
		}
		return fmt.Errorf("fetching static feed: %w", err)
	}

	if res.NotModified {
		// A 304 to a request that carried no validators means
		// the server is misbehaving.
		if prior == nil || force {
			return fmt.Errorf("feed server at %s answered 304 to an unconditional request", m.StaticURL)
		}
		m.Logger.Printf("static feed at %s not modified", m.StaticURL)
		if m.Metrics != nil {
			m.Metrics.StaticUnchanged.Inc()
		}
		prior.RefreshedAt = time.Now().UTC()
		return m.storage.WriteFetchState(prior)
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(res.Body))

	state := &storage.FetchState{
		URL:          m.StaticURL,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		Hash:         hash,
		RefreshedAt:  time.Now().UTC(),
	}

	// The content may already be imported, e.g. when the server
	// doesn't support conditional requests.
	if !force {
		gens, err := m.storage.ListGenerations(storage.ListGenerationsFilter{Hash: hash})
		if err != nil {
			return fmt.Errorf("listing generations: %w", err)
		}
		if len(gens) > 0 {
			m.Logger.Printf("static feed at %s unchanged (hash %.8s)", m.StaticURL, hash)
			if m.Metrics != nil {
				m.Metrics.StaticUnchanged.Inc()
			}
			if err := m.storage.WriteFetchState(state); err != nil {
				return fmt.Errorf("writing fetch state: %w", err)
			}
			if m.state.Load() == nil {
				return m.publishGeneration(gens[0])
			}
			return nil
		}
	}

	// Import into a fresh generation.
	writer, err := m.storage.GetWriter(hash)
	if err != nil {
		return fmt.Errorf("getting writer: %w", err)
	}

	gen, err := parse.ParseStatic(writer, res.Body)
	if err != nil {
		if m.Metrics != nil {
			m.Metrics.StaticImportErrs.Inc()
		}
		m.storage.DeleteGeneration(hash)
		return fmt.Errorf("parsing static feed: %w", err)
	}

	gen.Hash = hash
	gen.URL = m.StaticURL
	gen.RetrievedAt = time.Now().UTC()

	if err := m.storage.WriteGeneration(gen); err != nil {
		return fmt.Errorf("writing generation: %w", err)
	}
	if err := m.storage.WriteFetchState(state); err != nil {
		return fmt.Errorf("writing fetch state: %w", err)
	}

	// Re-run the duplicate stop detector over the new
	// generation. Pinned groups keep their stops.
	reader, err := m.storage.GetReader(hash)
	if err != nil {
		return fmt.Errorf("getting reader: %w", err)
	}
	stops, err := reader.Stops()
	if err != nil {
		return fmt.Errorf("listing stops: %w", err)
	}
	groups := dedup.Detect(stops, m.Detector)
	if err := m.storage.ReplaceAutoGroups(groups); err != nil {
		return fmt.Errorf("replacing auto groups: %w", err)
	}

	prev := ""
	if cur := m.state.Load(); cur != nil {
		prev = cur.schedule.Generation.Hash
	}

	if err := m.publishGeneration(gen); err != nil {
		return err
	}

	m.pruneGenerations(hash, prev)

	if m.Metrics != nil {
		m.Metrics.StaticImports.Inc()
	}
	m.Logger.Printf("imported static feed %s (hash %.8s, %s to %s)",
		m.StaticURL, hash, gen.CalendarStartDate, gen.CalendarEndDate)

	return nil
}

// Builds a Schedule for a generation and publishes it along with the
// stored stop groups. Any published overlay is discarded, since it
// was built against the previous generation.
func (m *Manager) publishGeneration(gen *storage.Generation) error {
	reader, err := m.storage.GetReader(gen.Hash)
	if err != nil {
		return fmt.Errorf("getting reader: %w", err)
	}

	schedule, err := NewSchedule(reader, gen)
	if err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}

	groups, groupByStop, err := m.loadGroups()
	if err != nil {
		return err
	}

	m.state.Store(&engineState{
		schedule:    schedule,
		groups:      groups,
		groupByStop: groupByStop,
	})
	m.lastRealtimeTimestamp.Store(0)

	if m.Metrics != nil {
		m.Metrics.GenerationTimestamp.Set(float64(gen.RetrievedAt.Unix()))
		m.Metrics.StopGroups.Set(float64(len(groups)))
	}

	return nil
}

func (m *Manager) loadGroups() (map[string]*model.StopGroup, map[string]string, error) {
	stored, err := m.storage.StopGroups()
	if err != nil {
		return nil, nil, fmt.Errorf("listing stop groups: %w", err)
	}

	groups := map[string]*model.StopGroup{}
	groupByStop := map[string]string{}
	for _, g := range stored {
		groups[g.ID] = g
		for _, stopID := range g.StopIDs {
			groupByStop[stopID] = g.ID
		}
	}

	return groups, groupByStop, nil
}

// Deletes stored generations for the static URL, except the one just
// published and the one it superseded. The superseded generation
// stays alive until the import after this one, so queries that loaded
// the previous state just before the swap never read a deleted
// database.
func (m *Manager) pruneGenerations(keep, prev string) {
	gens, err := m.storage.ListGenerations(storage.ListGenerationsFilter{URL: m.StaticURL})
	if err != nil {
		m.Logger.Printf("listing generations for pruning: %v", err)
		return
	}
	for _, gen := range gens {
		if gen.Hash == keep || gen.Hash == prev {
			continue
		}
		if err := m.storage.DeleteGeneration(gen.Hash); err != nil {
			m.Logger.Printf("pruning generation %.8s: %v", gen.Hash, err)
		}
	}
}

// RefreshRealtime fetches the realtime feeds and publishes a new
// overlay. Snapshots no newer than the last applied one, and
// snapshots older than the staleness bound, are discarded without
// touching the published overlay.
func (m *Manager) RefreshRealtime(ctx context.Context) error {
	m.rtMu.Lock()
	defer m.rtMu.Unlock()

	st := m.state.Load()
	if st == nil {
		return ErrNoSchedule
	}
	if len(m.RealtimeURLs) == 0 {
		return nil
	}

	feeds := [][]byte{}
	for _, url := range m.RealtimeURLs {
		res, err := m.Fetcher.Fetch(ctx, url, fetch.Options{
			Timeout: m.RealtimeTimeout,
			MaxSize: m.RealtimeMaxSize,
			Retries: m.FetchRetries,
		})
		if err != nil {
			if m.Metrics != nil {
				m.Metrics.RealtimeRefreshErrs.Inc()
			}
			return fmt.Errorf("fetching realtime feed at %s: %w", url, err)
		}
		feeds = append(feeds, res.Body)
	}

	overlay, err := NewOverlay(ctx, st.schedule, feeds)
	if err != nil {
		if m.Metrics != nil {
			m.Metrics.RealtimeRefreshErrs.Inc()
		}
		return fmt.Errorf("building overlay: %w", err)
	}

	now := time.Now().UTC()

	// A missing feed timestamp counts as fresh.
	if overlay.Timestamp != 0 {
		if overlay.Timestamp <= m.lastRealtimeTimestamp.Load() {
			m.Logger.Printf("realtime snapshot not newer than last applied, skipping")
			return nil
		}
		age := now.Sub(time.Unix(int64(overlay.Timestamp), 0))
		if age > m.RealtimeStaleAfter {
			if m.Metrics != nil {
				m.Metrics.RealtimeStale.Inc()
			}
			m.Logger.Printf("realtime snapshot is %s old, discarding", age.Round(time.Second))
			return nil
		}
	}

	// The overlay was built against the schedule loaded above. If
	// the published state moved on in the meantime (new generation,
	// group change), discard it rather than resurrect old state;
	// the next tick rebuilds against the current schedule.
	published := m.state.CompareAndSwap(st, &engineState{
		schedule:    st.schedule,
		overlay:     overlay,
		groups:      st.groups,
		groupByStop: st.groupByStop,
		overlayAt:   now,
	})
	if !published {
		m.Logger.Printf("engine state changed during realtime refresh, discarding snapshot")
		return nil
	}
	m.lastRealtimeTimestamp.Store(overlay.Timestamp)

	if m.Metrics != nil {
		m.Metrics.RealtimeRefreshes.Inc()
		m.Metrics.MatchedUpdates.Add(float64(overlay.MatchedUpdates))
		m.Metrics.DroppedUpdates.Add(float64(overlay.DroppedUpdates))
		m.Metrics.SkippedTrips.Set(float64(overlay.SkippedTripCount()))
		m.Metrics.OverlayTimestamp.Set(float64(overlay.Timestamp))
	}

	return nil
}

// Departures answers a departure query for a stop ID or group ID.
//
// An unknown target yields a Result with Found unset rather than an
// error: a display querying a stop that vanished from the latest
// schedule shouldn't crash, it should show "no such stop".
func (m *Manager) Departures(target string, now time.Time, horizon time.Duration, limit int) (*Result, error) {
	start := time.Now()
	defer func() {
		if m.Metrics != nil {
			m.Metrics.QueryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	st := m.state.Load()
	if st == nil {
		return nil, ErrNoSchedule
	}

	res := &Result{Target: target}
	res.Stale = len(m.RealtimeURLs) > 0 &&
		(st.overlay == nil || now.Sub(st.overlayAt) > m.RealtimeStaleAfter)

	var stopIDs []string
	if group, found := st.groups[target]; found {
		stopIDs = group.StopIDs
		res.Name = group.Name
	} else {
		stop, err := st.schedule.Reader.Stop(target)
		if err != nil {
			return nil, fmt.Errorf("looking up stop: %w", err)
		}
		if stop == nil {
			return res, nil
		}
		stopIDs = []string{target}
		res.Name = stop.Name
	}
	res.Found = true

	var deps []model.Departure
	var err error
	if st.overlay != nil {
		deps, err = st.overlay.Departures(stopIDs, now, horizon, -1, "", -1, nil)
	} else {
		deps, err = st.schedule.Departures(stopIDs, now, horizon, -1, "", -1, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("getting departures: %w", err)
	}

	// A trip serving several stops of a group would show up once
	// per stop. Riders care about the one they can still catch.
	deps = dedupeTrips(deps)

	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].Expected.Equal(deps[j].Expected) {
			return deps[i].TripID < deps[j].TripID
		}
		return deps[i].Expected.Before(deps[j].Expected)
	})

	if limit >= 0 && len(deps) > limit {
		deps = deps[:limit]
	}

	res.Departures = deps
	return res, nil
}

// Schedule returns the published schedule, or nil when none is
// loaded.
func (m *Manager) Schedule() *Schedule {
	st := m.state.Load()
	if st == nil {
		return nil
	}
	return st.schedule
}

// StopGroups returns the published stop groups.
func (m *Manager) StopGroups() []*model.StopGroup {
	st := m.state.Load()
	if st == nil {
		return nil
	}
	groups := make([]*model.StopGroup, 0, len(st.groups))
	for _, g := range st.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ID < groups[j].ID
	})
	return groups
}

// Keeps only the soonest departure per trip.
func dedupeTrips(deps []model.Departure) []model.Departure {
	soonest := map[string]int{}
	out := []model.Departure{}
	for _, dep := range deps {
		idx, found := soonest[dep.TripID]
		if !found {
			soonest[dep.TripID] = len(out)
			out = append(out, dep)
			continue
		}
		if dep.Expected.Before(out[idx].Expected) {
			out[idx] = dep
		}
	}
	return out
}

// ManageStops manipulates stop groups. Supported actions:
//
//   - "group": create or replace a pinned group named groupName with
//     the given stops
//   - "add": add stops to the pinned group named groupName, creating
//     it if needed
//   - "remove": remove stops from whatever group holds them
func (m *Manager) ManageStops(action string, stopIDs []string, groupName string) error {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()

	st := m.state.Load()
	if st == nil {
		return ErrNoSchedule
	}

	// Only stops known to the published schedule can be grouped.
	if action == "group" || action == "add" {
		for _, stopID := range stopIDs {
			stop, err := st.schedule.Reader.Stop(stopID)
			if err != nil {
				return fmt.Errorf("looking up stop: %w", err)
			}
			if stop == nil {
				return fmt.Errorf("unknown stop '%s'", stopID)
			}
		}
	}

	switch action {
	case "group":
		if groupName == "" {
			return fmt.Errorf("group action requires a group name")
		}
		err := m.storage.WriteStopGroup(&model.StopGroup{
			ID:      "group:" + groupName,
			Name:    groupName,
			StopIDs: stopIDs,
			Pinned:  true,
		})
		if err != nil {
			return fmt.Errorf("writing group: %w", err)
		}

	case "add":
		if groupName == "" {
			return fmt.Errorf("add action requires a group name")
		}
		group := &model.StopGroup{
			ID:     "group:" + groupName,
			Name:   groupName,
			Pinned: true,
		}
		if existing, found := st.groups[group.ID]; found {
			group.StopIDs = append(group.StopIDs, existing.StopIDs...)
		}
		for _, stopID := range stopIDs {
			already := false
			for _, member := range group.StopIDs {
				if member == stopID {
					already = true
					break
				}
			}
			if !already {
				group.StopIDs = append(group.StopIDs, stopID)
			}
		}
		if err := m.storage.WriteStopGroup(group); err != nil {
			return fmt.Errorf("writing group: %w", err)
		}

	case "remove":
		// Work on copies so that removing several stops of the
		// same group in one call sees each other's removals.
		touched := map[string]*model.StopGroup{}
		for _, stopID := range stopIDs {
			groupID, found := st.groupByStop[stopID]
			if !found {
				continue
			}
			group, found := touched[groupID]
			if !found {
				copied := *st.groups[groupID]
				copied.StopIDs = append([]string{}, copied.StopIDs...)
				group = &copied
				touched[groupID] = group
			}

			kept := []string{}
			for _, member := range group.StopIDs {
				if member != stopID {
					kept = append(kept, member)
				}
			}
			group.StopIDs = kept
		}

		for groupID, group := range touched {
			var err error
			if len(group.StopIDs) == 0 {
				err = m.storage.DeleteStopGroup(groupID)
			} else {
				err = m.storage.WriteStopGroup(group)
			}
			if err != nil {
				return fmt.Errorf("updating group: %w", err)
			}
		}

	default:
		return fmt.Errorf("unknown action '%s'", action)
	}

	// Republish with the updated groups, on top of whatever
	// schedule and overlay are current by now.
	groups, groupByStop, err := m.loadGroups()
	if err != nil {
		return err
	}
	for {
		cur := m.state.Load()
		next := &engineState{
			schedule:    cur.schedule,
			overlay:     cur.overlay,
			groups:      groups,
			groupByStop: groupByStop,
			overlayAt:   cur.overlayAt,
		}
		if m.state.CompareAndSwap(cur, next) {
			break
		}
	}
	if m.Metrics != nil {
		m.Metrics.StopGroups.Set(float64(len(groups)))
	}

	return nil
}

// Run restores stored state (if any), performs an initial static
// load when storage is empty, and then refreshes static and realtime
// data on their own timers until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Restore(time.Now()); err != nil {
		if !errors.Is(err, ErrNoSchedule) {
			return err
		}
		if err := m.ReloadStatic(ctx, false); err != nil {
			return fmt.Errorf("initial static load: %w", err)
		}
	}

	if err := m.RefreshRealtime(ctx); err != nil {
		m.Logger.Printf("initial realtime refresh: %v", err)
	}

	// The two refresh cadences run independently: a slow static
	// import must not delay realtime ticks.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.StaticRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.ReloadStatic(ctx, false); err != nil {
					m.Logger.Printf("static refresh: %v", err)
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.RealtimeRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshRealtime(ctx); err != nil {
					m.Logger.Printf("realtime refresh: %v", err)
				}
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func generationActive(gen *storage.Generation, now time.Time) (bool, error) {
	tz, err := time.LoadLocation(gen.Timezone)
	if err != nil {
		return false, fmt.Errorf("loading timezone: %w", err)
	}

	nowThere := now.In(tz)
	todayThere := time.Date(
		nowThere.Year(),
		nowThere.Month(),
		nowThere.Day(),
		0, 0, 0, 0,
		tz,
	).Format("20060102")

	if gen.CalendarStartDate > todayThere {
		return false, nil
	}
	if gen.CalendarEndDate < todayThere {
		return false, nil
	}

	return true, nil
}
