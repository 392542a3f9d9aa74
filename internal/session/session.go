// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package session implements the torrent lifecycle core: crash-safe resume
// persistence, category and tag management, queueing, storage moves and
// three-phase removal. One goroutine owns all mutable state; every request
// and every engine alert is marshalled onto it, so no session structure is
// ever locked.
package session

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/autobrr/torrentd/internal/engine"
	"github.com/autobrr/torrentd/internal/resumedata"
)

var (
	ErrSessionNotRunning = errors.New("session not running")
	ErrQueueingDisabled  = errors.New("torrent queueing is disabled")
	ErrInvalidRequest    = errors.New("invalid request")
)

// SessionState is the coarse lifecycle of the session itself.
type SessionState int32

const (
	StateUninitialized SessionState = iota
	StateLoading
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shuttingDown"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is the session tuning surface. Zero values fall back to defaults in
// withDefaults; SavePath is the only required field.
type Config struct {
	SavePath            string
	DownloadPath        string
	DownloadPathEnabled bool

	QueueingEnabled      bool
	AddTorrentToQueueTop bool
	AddTorrentStopped    bool

	SubcategoriesEnabled         bool
	UseCategoryPathsInManualMode bool

	AutoTMMDisabledByDefault                  bool
	DisableAutoTMMWhenCategoryChanged         bool
	DisableAutoTMMWhenDefaultSavePathChanged  bool
	DisableAutoTMMWhenCategorySavePathChanged bool

	MaxConcurrentLoads     int
	AlertPollInterval      time.Duration
	SaveResumeDataInterval time.Duration
	MetadataTimeout        time.Duration
	ShutdownTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentLoads <= 0 {
		c.MaxConcurrentLoads = 10
	}
	if c.AlertPollInterval <= 0 {
		c.AlertPollInterval = 500 * time.Millisecond
	}
	if c.SaveResumeDataInterval <= 0 {
		c.SaveResumeDataInterval = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Stats are monotonic session counters, safe to read from any goroutine.
type Stats struct {
	AlertsDispatched atomic.Uint64
	HandlerFailures  atomic.Uint64
	FlushedEntries   atomic.Uint64
	FlushErrors      atomic.Uint64
}

type flushKind int

const (
	flushPut flushKind = iota
	flushDelete
	flushCategories
	flushTags
)

type flushOp struct {
	kind       flushKind
	id         engine.ID
	entry      resumedata.Entry
	categories []resumedata.CategoryRecord
	tags       []string
}

// Session is the lifecycle controller. Construct with New, call Start once,
// then use the public methods from any goroutine; they block until the run
// goroutine has applied the request.
type Session struct {
	cfg   Config
	eng   engine.Engine
	store resumedata.Store

	registry   *Registry
	categories *CategoryStore
	queue      *QueueManager
	moves      *MoveCoordinator
	metadata   *MetadataTracker
	removals   *RemovalTracker
	events     *publisher
	dispatcher *dispatcher

	state  atomic.Int32
	paused atomic.Bool

	reqCh     chan func()
	flushCh   chan flushOp
	flushDone chan struct{}
	restored  chan struct{}
	loopDone  chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc

	dirty     map[engine.ID]struct{}
	loading   map[engine.ID]struct{}
	loadTotal int
	loadDone  int

	stats Stats
	now   func() time.Time
}

func New(cfg Config, eng engine.Engine, store resumedata.Store) *Session {
	s := &Session{
		cfg:        cfg.withDefaults(),
		eng:        eng,
		store:      store,
		registry:   NewRegistry(),
		categories: NewCategoryStore(),
		queue:      NewQueueManager(),
		metadata:   NewMetadataTracker(),
		removals:   NewRemovalTracker(),
		events:     newPublisher(),
		reqCh:      make(chan func(), 64),
		flushCh:    make(chan flushOp, 256),
		flushDone:  make(chan struct{}),
		restored:   make(chan struct{}),
		loopDone:   make(chan struct{}),
		dirty:      make(map[engine.ID]struct{}),
		loading:    make(map[engine.ID]struct{}),
		now:        time.Now,
	}
	s.moves = NewMoveCoordinator(eng, func(id engine.ID) (engine.Handle, bool) {
		rec, ok := s.registry.Get(id)
		if !ok {
			return nil, false
		}
		return rec.Handle, true
	})
	s.dispatcher = newDispatcher(s)
	return s
}

// Start transitions to Loading, begins alert processing and kicks off the
// asynchronous restore of persisted torrents. It returns immediately; wait on
// Restored or subscribe to startupProgress events to follow the restore.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateLoading)) {
		return errors.New("session already started")
	}

	records, err := s.store.LoadCategories(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load categories, starting with none")
	}
	tags, err := s.store.LoadTags(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load tags, starting with none")
	}
	s.categories.Restore(records, tags)

	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	go s.flushWorker()
	go s.run()
	go s.restore()
	return nil
}

// Restored is closed once every persisted torrent has been loaded (or
// skipped) and the session accepts requests.
func (s *Session) Restored() <-chan struct{} {
	return s.restored
}

// Subscribe returns a channel of session events. Slow subscribers lose
// events instead of blocking the session.
func (s *Session) Subscribe(buffer int) <-chan Event {
	return s.events.Subscribe(buffer)
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) IsPaused() bool {
	return s.paused.Load()
}

// run is the owner goroutine. All mutable session state is confined to it.
func (s *Session) run() {
	defer close(s.loopDone)

	alertTicker := time.NewTicker(s.cfg.AlertPollInterval)
	defer alertTicker.Stop()
	resumeTicker := time.NewTicker(s.cfg.SaveResumeDataInterval)
	defer resumeTicker.Stop()

	for {
		select {
		case <-s.loopCtx.Done():
			return
		case fn := <-s.reqCh:
			fn()
		case <-alertTicker.C:
			s.dispatcher.drain()
			s.expireMetadata()
		case <-resumeTicker.C:
			if s.State() == StateRunning {
				s.flushDirty()
			}
		}
	}
}

// do runs fn on the owner goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	wrapped := func() { errCh <- fn() }

	select {
	case s.reqCh <- wrapped:
	case <-s.loopDone:
		return ErrSessionNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-s.loopDone:
		return ErrSessionNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post submits fn to the owner goroutine without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.reqCh <- fn:
	case <-s.loopCtx.Done():
	}
}

func (s *Session) guardRunning() error {
	switch s.State() {
	case StateRunning:
		return nil
	case StateLoading:
		return errors.Wrap(ErrSessionNotRunning, "session is still restoring")
	default:
		return ErrSessionNotRunning
	}
}

// restore loads every persisted torrent back into the engine. Loads run
// concurrently up to MaxConcurrentLoads; registration is marshalled back to
// the owner goroutine so restore order stays deterministic in the registry.
func (s *Session) restore() {
	ctx := s.loopCtx
	started := s.now()

	entries, failures, err := s.store.List(ctx)
	if err != nil {
		log.Error().Err(err).Int("loaded", len(entries)).
			Msg("Resume data listing failed, continuing with what was read")
	}
	for _, f := range failures {
		f := f
		log.Warn().Err(f.Err).Str("ref", f.Ref).Msg("Skipping unreadable resume entry")
		s.post(func() {
			s.publish(Event{Type: EventLoadTorrentFailed, Name: f.Ref, Reason: f.Err.Error()})
		})
	}

	s.post(func() {
		s.loadTotal = len(entries)
		s.publishProgress()
	})

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrentLoads))
	for _, entry := range entries {
		entry := entry
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			h, err := s.eng.Add(ctx, engine.AddParams{
				ID:        entry.ID,
				Name:      entry.Name,
				InfoBytes: entry.InfoBytes,
				MagnetURI: entry.MagnetURI,
				Trackers:  entry.Trackers,
				SavePath:  contentPathForEntry(entry),
				Stopped:   entry.Stopped,
			})
			s.post(func() { s.finishLoad(entry, h, err) })
		}()
	}

	if err := sem.Acquire(ctx, int64(s.cfg.MaxConcurrentLoads)); err != nil {
		return
	}
	s.post(func() { s.completeStartup(started) })
}

// contentPathForEntry is where the torrent's data currently lives on disk:
// the incomplete directory until the download finished, the save path after.
func contentPathForEntry(e resumedata.Entry) string {
	if !e.Finished && e.DownloadPath != "" {
		return e.DownloadPath
	}
	return e.SavePath
}

func (s *Session) finishLoad(entry resumedata.Entry, h engine.Handle, err error) {
	s.loadDone++
	defer s.publishProgress()

	if err != nil {
		log.Error().Err(err).Str("hash", string(entry.ID)).Str("name", entry.Name).
			Msg("Failed to load torrent from resume data")
		s.publish(Event{Type: EventLoadTorrentFailed, ID: entry.ID, Name: entry.Name, Reason: err.Error()})
		return
	}

	rec := recordFromEntry(entry, h)
	if err := s.registry.Add(rec); err != nil {
		log.Warn().Str("hash", string(entry.ID)).Msg("Duplicate resume entry, dropping")
		if rmErr := s.eng.Remove(h, false); rmErr != nil {
			log.Error().Err(rmErr).Str("hash", string(entry.ID)).Msg("Failed to drop duplicate torrent")
		}
	}
}

func (s *Session) publishProgress() {
	progress := 100
	if s.loadTotal > 0 {
		progress = s.loadDone * 100 / s.loadTotal
	}
	s.publish(Event{Type: EventStartupProgress, Progress: progress})
}

func (s *Session) completeStartup(started time.Time) {
	// Rebuild the queue from persisted positions and renumber densely: gaps
	// left by removed or corrupted entries disappear here.
	if s.cfg.QueueingEnabled {
		var queued []*TorrentRecord
		for _, rec := range s.registry.All() {
			if rec.QueuePos >= 0 && !rec.Finished {
				queued = append(queued, rec)
			}
		}
		sort.Slice(queued, func(i, j int) bool {
			if queued[i].QueuePos != queued[j].QueuePos {
				return queued[i].QueuePos < queued[j].QueuePos
			}
			return queued[i].ID < queued[j].ID
		})
		ids := make([]engine.ID, len(queued))
		for i, rec := range queued {
			ids[i] = rec.ID
		}
		s.queue.Rebuild(ids)
		s.syncQueuePositions()
	} else {
		for _, rec := range s.registry.All() {
			if rec.QueuePos != -1 {
				rec.QueuePos = -1
				s.markDirty(rec.ID)
			}
		}
	}

	// A shutdown requested mid-restore already moved the state on; it must
	// not be wound back to Running here.
	if s.state.CompareAndSwap(int32(StateLoading), int32(StateRunning)) {
		s.publish(Event{Type: EventStartupProgress, Progress: 100})
		s.publish(Event{Type: EventRestored})
		log.Info().Int("torrents", s.registry.Len()).
			Dur("elapsed", s.now().Sub(started)).
			Msg("Session restored")
	}
	close(s.restored)
}

// AddTorrentParams describes a user-facing torrent submission. Exactly one of
// InfoBytes or MagnetURI must be set.
type AddTorrentParams struct {
	InfoBytes []byte // bencoded info dictionary
	MagnetURI string
	Name      string
	Category  string
	Tags      []string
	Trackers  []string

	// SavePath forces a manual save path. Empty means derive one.
	SavePath string
	// AutoManaged overrides the session default for category-driven paths.
	AutoManaged   *bool
	Stopped       *bool
	AddToQueueTop *bool
	StopCondition engine.StopCondition
}

// AddTorrent registers a new torrent and returns its ID. The torrent is
// rejected while a removal of the same ID is still pending.
func (s *Session) AddTorrent(ctx context.Context, params AddTorrentParams) (engine.ID, error) {
	id, err := deriveID(params.InfoBytes, params.MagnetURI)
	if err != nil {
		return "", err
	}

	var addParams engine.AddParams
	var rec *TorrentRecord
	err = s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if s.removals.Pending(id) {
			return errors.Wrapf(ErrRemovalPending, "torrent %s", id)
		}
		if s.registry.Known(id) || s.metadata.Has(id) {
			return errors.Wrapf(ErrDuplicateTorrent, "torrent %s", id)
		}
		if _, inFlight := s.loading[id]; inFlight {
			return errors.Wrapf(ErrDuplicateTorrent, "torrent %s", id)
		}
		if params.Category != "" && !s.categories.Has(params.Category) {
			return errors.Wrapf(ErrCategoryNotFound, "category %q", params.Category)
		}

		autoManaged := params.Category != "" && !s.cfg.AutoTMMDisabledByDefault
		if params.AutoManaged != nil {
			autoManaged = *params.AutoManaged
		}

		savePath, downloadPath := s.resolvePaths(params.Category, params.SavePath, autoManaged)

		stopped := s.cfg.AddTorrentStopped || s.paused.Load()
		if params.Stopped != nil {
			stopped = *params.Stopped
		}

		rec = &TorrentRecord{
			ID:            id,
			Name:          params.Name,
			Category:      params.Category,
			Tags:          dedupeTags(params.Tags),
			SavePath:      savePath,
			DownloadPath:  downloadPath,
			Mode:          Manual,
			Stopped:       stopped,
			QueuePos:      -1,
			StopCondition: params.StopCondition,
			InfoBytes:     params.InfoBytes,
			MagnetURI:     params.MagnetURI,
			Trackers:      params.Trackers,
			TrackerStats:  make(map[string]TrackerStatus),
			AddedAt:       s.now(),
		}
		if autoManaged {
			rec.Mode = Automatic
		}
		for _, tag := range rec.Tags {
			if !s.categories.HasTag(tag) {
				if err := s.categories.AddTag(tag); err != nil {
					return err
				}
				s.publish(Event{Type: EventTagAdded, Tag: tag})
				s.persistTags()
			}
		}

		contentPath := savePath
		if downloadPath != "" {
			contentPath = downloadPath
		}
		addParams = engine.AddParams{
			ID:        id,
			Name:      params.Name,
			InfoBytes: params.InfoBytes,
			MagnetURI: params.MagnetURI,
			Trackers:  params.Trackers,
			SavePath:  contentPath,
			Stopped:   stopped,
		}

		// Reserve the ID until registration: a concurrent add of the same
		// torrent must fail here instead of racing the engine submission.
		s.loading[id] = struct{}{}
		return nil
	})
	if err != nil {
		return "", err
	}

	h, err := s.eng.Add(ctx, addParams)
	if err != nil {
		s.post(func() { delete(s.loading, id) })
		return "", errors.Wrapf(err, "failed to add torrent %s", id)
	}

	err = s.do(ctx, func() error {
		delete(s.loading, id)
		rec.Handle = h
		if rec.Name == "" {
			rec.Name = h.Name()
		}
		if err := s.registry.Add(rec); err != nil {
			if rmErr := s.eng.Remove(h, false); rmErr != nil {
				log.Error().Err(rmErr).Str("hash", string(id)).Msg("Failed to drop duplicate torrent")
			}
			return err
		}

		if s.cfg.QueueingEnabled {
			top := s.cfg.AddTorrentToQueueTop
			if params.AddToQueueTop != nil {
				top = *params.AddToQueueTop
			}
			s.queue.Enqueue(id, top)
			s.syncQueuePositions()
			rec.QueuePos = s.queue.Position(id)
		}

		s.flushRecord(rec)
		s.publish(Event{Type: EventTorrentAdded, ID: id, Name: rec.Name, Category: rec.Category})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// resolvePaths derives the save path and incomplete-directory path for a
// torrent in the given category.
func (s *Session) resolvePaths(category, explicitSavePath string, autoManaged bool) (savePath, downloadPath string) {
	if autoManaged {
		savePath = s.categories.ResolveSavePath(category, s.cfg.SavePath)
		downloadPath = s.categories.ResolveDownloadPath(category, s.cfg.DownloadPath, s.cfg.DownloadPathEnabled)
		return savePath, downloadPath
	}

	savePath = explicitSavePath
	if savePath == "" {
		savePath = s.suggestedSavePath(category)
	}
	downloadPath = s.categories.ResolveDownloadPath(category, s.cfg.DownloadPath, s.cfg.DownloadPathEnabled)
	return savePath, downloadPath
}

// suggestedSavePath is the path a manual-mode torrent gets when the caller
// supplies none.
func (s *Session) suggestedSavePath(category string) string {
	if s.cfg.UseCategoryPathsInManualMode {
		return s.categories.ResolveSavePath(category, s.cfg.SavePath)
	}
	return s.cfg.SavePath
}

// SuggestedSavePath reports where a torrent added with no explicit path and
// the given category would land.
func (s *Session) SuggestedSavePath(ctx context.Context, category string) (string, error) {
	var path string
	err := s.do(ctx, func() error {
		if category != "" && !s.categories.Has(category) {
			return errors.Wrapf(ErrCategoryNotFound, "category %q", category)
		}
		path = s.suggestedSavePath(category)
		return nil
	})
	return path, err
}

// SuggestedDownloadPath reports the incomplete-directory path a torrent with
// the given category would download into, or empty when incomplete routing is
// off for it.
func (s *Session) SuggestedDownloadPath(ctx context.Context, category string) (string, error) {
	var path string
	err := s.do(ctx, func() error {
		if category != "" && !s.categories.Has(category) {
			return errors.Wrapf(ErrCategoryNotFound, "category %q", category)
		}
		path = s.categories.ResolveDownloadPath(category, s.cfg.DownloadPath, s.cfg.DownloadPathEnabled)
		return nil
	})
	return path, err
}

// RemoveTorrent starts the three-phase removal: session structures are
// detached immediately, the resume entry is deleted once the engine confirms
// teardown, and content deletion (when requested) is confirmed separately.
// The ID stays reserved until every confirmation has arrived.
func (s *Session) RemoveTorrent(ctx context.Context, id engine.ID, option RemoveOption) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		rec := s.registry.Remove(id)
		if rec == nil {
			if s.removals.Pending(id) {
				return errors.Wrapf(ErrRemovalPending, "torrent %s", id)
			}
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}

		s.queue.Remove(id)
		s.syncQueuePositions()
		s.moves.Abandon(id)
		delete(s.dirty, id)

		contentPath := rec.SavePath
		if !rec.Finished && rec.DownloadPath != "" {
			contentPath = rec.DownloadPath
		}
		s.removals.Begin(id, rec.Name, contentPath, option)
		s.publish(Event{Type: EventRemovalPending, ID: id, Name: rec.Name})

		if err := s.eng.Remove(rec.Handle, option == RemoveContent); err != nil {
			// Engine rejected the request outright: resolve the removal here
			// so the ID is not reserved forever.
			log.Error().Err(err).Str("hash", string(id)).Msg("Engine rejected removal, finalizing locally")
			s.removals.EngineRemoved(id)
			s.removals.ContentResolved(id)
			s.enqueueFlush(flushOp{kind: flushDelete, id: id})
			s.publish(Event{Type: EventTorrentRemoved, ID: id, Name: rec.Name})
		}
		return nil
	})
}

// DownloadMetadata starts a metadata-only fetch for a magnet link. The
// descriptor is delivered via the metadataDownloaded event; the torrent never
// enters the registry or resume data.
func (s *Session) DownloadMetadata(ctx context.Context, magnetURI string) (engine.ID, error) {
	id, err := infoHashFromMagnet(magnetURI)
	if err != nil {
		return "", err
	}

	err = s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if s.registry.Known(id) || s.metadata.Has(id) {
			return errors.Wrapf(ErrDuplicateTorrent, "torrent %s", id)
		}
		if _, inFlight := s.loading[id]; inFlight {
			return errors.Wrapf(ErrDuplicateTorrent, "torrent %s", id)
		}
		if s.removals.Pending(id) {
			return errors.Wrapf(ErrRemovalPending, "torrent %s", id)
		}
		s.loading[id] = struct{}{}
		return nil
	})
	if err != nil {
		return "", err
	}

	h, err := s.eng.Add(ctx, engine.AddParams{ID: id, MagnetURI: magnetURI, MetadataOnly: true})
	if err != nil {
		s.post(func() { delete(s.loading, id) })
		return "", errors.Wrapf(err, "failed to start metadata download for %s", id)
	}

	err = s.do(ctx, func() error {
		delete(s.loading, id)
		var deadline time.Time
		if s.cfg.MetadataTimeout > 0 {
			deadline = s.now().Add(s.cfg.MetadataTimeout)
		}
		s.metadata.Add(id, h, deadline)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CancelDownloadMetadata aborts a pending metadata fetch. Cancellation is
// best-effort: a metadata alert already emitted by the engine wins the race,
// in which case the fetch completes normally and this returns
// ErrUnknownTorrent.
func (s *Session) CancelDownloadMetadata(ctx context.Context, id engine.ID) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		s.dispatcher.drain()

		p, ok := s.metadata.Take(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "no pending metadata download for %s", id)
		}
		if err := s.eng.Remove(p.handle, false); err != nil {
			log.Error().Err(err).Str("hash", string(id)).Msg("Failed to drop metadata download")
		}
		return nil
	})
}

func (s *Session) expireMetadata() {
	for _, p := range s.metadata.Expired(s.now()) {
		log.Debug().Str("hash", string(p.id)).Msg("Metadata download timed out")
		if err := s.eng.Remove(p.handle, false); err != nil {
			log.Error().Err(err).Str("hash", string(p.id)).Msg("Failed to drop expired metadata download")
		}
		s.publish(Event{Type: EventAddTorrentFailed, ID: p.id, Reason: "metadata download timed out"})
	}
}

// Queue operations. All of them reject when queueing is disabled and end
// with a dense renumbering persisted for every shifted torrent.

func (s *Session) QueueTop(ctx context.Context, ids []engine.ID) error {
	return s.queueOp(ctx, ids, s.queue.Top)
}

func (s *Session) QueueBottom(ctx context.Context, ids []engine.ID) error {
	return s.queueOp(ctx, ids, s.queue.Bottom)
}

func (s *Session) QueueUp(ctx context.Context, ids []engine.ID) error {
	return s.queueOp(ctx, ids, s.queue.Increase)
}

func (s *Session) QueueDown(ctx context.Context, ids []engine.ID) error {
	return s.queueOp(ctx, ids, s.queue.Decrease)
}

func (s *Session) queueOp(ctx context.Context, ids []engine.ID, op func([]engine.ID)) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if !s.cfg.QueueingEnabled {
			return ErrQueueingDisabled
		}
		op(ids)
		s.syncQueuePositions()
		return nil
	})
}

// syncQueuePositions copies queue positions back onto records and marks every
// shifted record dirty.
func (s *Session) syncQueuePositions() {
	for _, id := range s.queue.Snapshot() {
		rec, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		if pos := s.queue.Position(id); rec.QueuePos != pos {
			rec.QueuePos = pos
			s.markDirty(id)
		}
	}
}

// CreateCategory adds a category. With subcategories enabled, missing
// ancestors are created too, each with its own categoryAdded event.
func (s *Session) CreateCategory(ctx context.Context, name string, opts CategoryOptions) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		added, err := s.categories.Add(name, opts, s.cfg.SubcategoriesEnabled)
		if err != nil {
			return err
		}
		for _, cat := range added {
			s.publish(Event{Type: EventCategoryAdded, Category: cat})
		}
		s.persistCategories()
		return nil
	})
}

// EditCategory replaces a category's path overrides. Every Automatic-mode
// torrent in the category (or its subtree) is relocated to the newly
// resolved path, unless the corresponding auto-TMM override flag converts
// them to Manual instead.
func (s *Session) EditCategory(ctx context.Context, name string, opts CategoryOptions) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		changed, err := s.categories.Edit(name, opts)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		s.publish(Event{Type: EventCategoryChanged, Category: name})
		s.persistCategories()

		for _, rec := range s.registry.InCategory(name, s.cfg.SubcategoriesEnabled) {
			if rec.Mode != Automatic {
				continue
			}
			if s.cfg.DisableAutoTMMWhenCategorySavePathChanged {
				rec.Mode = Manual
				s.markDirty(rec.ID)
				continue
			}
			s.relocateAutomatic(rec)
		}
		return nil
	})
}

// RemoveCategory deletes a category and its subtree. Torrents in the removed
// categories drop to no category; Automatic-mode torrents relocate to the
// session default unless the category-change override flag converts them to
// Manual.
func (s *Session) RemoveCategory(ctx context.Context, name string) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		removed, err := s.categories.Remove(name)
		if err != nil {
			return err
		}

		removedSet := make(map[string]struct{}, len(removed))
		for _, cat := range removed {
			removedSet[cat] = struct{}{}
		}
		for _, rec := range s.registry.All() {
			if _, gone := removedSet[rec.Category]; !gone {
				continue
			}
			rec.Category = ""
			s.markDirty(rec.ID)
			if rec.Mode != Automatic {
				continue
			}
			if s.cfg.DisableAutoTMMWhenCategoryChanged {
				rec.Mode = Manual
				continue
			}
			s.relocateAutomatic(rec)
		}

		for _, cat := range removed {
			s.publish(Event{Type: EventCategoryRemoved, Category: cat})
		}
		s.persistCategories()
		return nil
	})
}

// SetTorrentCategory moves a torrent between categories. Empty clears the
// category.
func (s *Session) SetTorrentCategory(ctx context.Context, id engine.ID, category string) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		rec, ok := s.registry.Get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}
		if category != "" && !s.categories.Has(category) {
			return errors.Wrapf(ErrCategoryNotFound, "category %q", category)
		}
		if rec.Category == category {
			return nil
		}

		rec.Category = category
		s.markDirty(id)

		if rec.Mode == Automatic {
			if s.cfg.DisableAutoTMMWhenCategoryChanged {
				rec.Mode = Manual
			} else {
				s.relocateAutomatic(rec)
			}
		}
		return nil
	})
}

// SetAutoManaged toggles category-driven path management for one torrent.
// Turning it on immediately relocates the torrent to its category path.
func (s *Session) SetAutoManaged(ctx context.Context, id engine.ID, on bool) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		rec, ok := s.registry.Get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}

		mode := Manual
		if on {
			mode = Automatic
		}
		if rec.Mode == mode {
			return nil
		}
		rec.Mode = mode
		s.markDirty(id)
		if mode == Automatic {
			s.relocateAutomatic(rec)
		}
		return nil
	})
}

// SetDefaultSavePath changes the session-wide default save path and
// relocates every Automatic-mode torrent that resolves through it, unless
// the override flag converts them to Manual.
func (s *Session) SetDefaultSavePath(ctx context.Context, path string) error {
	if path == "" {
		return errors.Wrap(ErrInvalidRequest, "save path must not be empty")
	}
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if s.cfg.SavePath == path {
			return nil
		}
		s.cfg.SavePath = path

		for _, rec := range s.registry.All() {
			if rec.Mode != Automatic {
				continue
			}
			if s.cfg.DisableAutoTMMWhenDefaultSavePathChanged {
				rec.Mode = Manual
				s.markDirty(rec.ID)
				continue
			}
			s.relocateAutomatic(rec)
		}
		return nil
	})
}

// relocateAutomatic re-resolves an Automatic-mode torrent's save path and
// enqueues a storage move when it changed. Incomplete torrents routed through
// a download path keep their content there; only the final destination moves.
func (s *Session) relocateAutomatic(rec *TorrentRecord) {
	newPath := s.categories.ResolveSavePath(rec.Category, s.cfg.SavePath)
	if newPath == rec.SavePath {
		return
	}
	rec.SavePath = newPath
	s.markDirty(rec.ID)

	if !rec.Finished && rec.DownloadPath != "" {
		// Content sits in the incomplete directory; it moves when finishing.
		return
	}
	if err := s.moves.Enqueue(MoveStorageJob{ID: rec.ID, TargetPath: newPath, Mode: engine.MoveKeepExistingFiles}); err != nil {
		log.Error().Err(err).Str("hash", string(rec.ID)).Str("path", newPath).
			Msg("Failed to enqueue storage move")
	}
}

// MoveStorage relocates a torrent's content to an explicit path, switching
// the torrent to Manual mode. Moves for the same torrent run strictly in
// submission order.
func (s *Session) MoveStorage(ctx context.Context, id engine.ID, targetPath string, mode engine.MoveMode) error {
	if targetPath == "" {
		return errors.Wrap(ErrInvalidRequest, "target path must not be empty")
	}
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		rec, ok := s.registry.Get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}
		if rec.Mode == Automatic {
			rec.Mode = Manual
			s.markDirty(id)
		}
		return s.moves.Enqueue(MoveStorageJob{ID: id, TargetPath: targetPath, Mode: mode})
	})
}

// Tag operations.

func (s *Session) CreateTag(ctx context.Context, tag string) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if err := s.categories.AddTag(tag); err != nil {
			return err
		}
		s.publish(Event{Type: EventTagAdded, Tag: tag})
		s.persistTags()
		return nil
	})
}

// DeleteTag removes a tag from the session and strips it from every torrent.
func (s *Session) DeleteTag(ctx context.Context, tag string) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if err := s.categories.RemoveTag(tag); err != nil {
			return err
		}
		for _, rec := range s.registry.All() {
			for i, t := range rec.Tags {
				if t == tag {
					rec.Tags = append(rec.Tags[:i], rec.Tags[i+1:]...)
					s.markDirty(rec.ID)
					break
				}
			}
		}
		s.publish(Event{Type: EventTagRemoved, Tag: tag})
		s.persistTags()
		return nil
	})
}

// AddTorrentTags attaches tags to a torrent, creating unknown tags on the
// fly.
func (s *Session) AddTorrentTags(ctx context.Context, id engine.ID, tags []string) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		rec, ok := s.registry.Get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}

		changed := false
		for _, tag := range dedupeTags(tags) {
			if !s.categories.HasTag(tag) {
				if err := s.categories.AddTag(tag); err != nil {
					return err
				}
				s.publish(Event{Type: EventTagAdded, Tag: tag})
				s.persistTags()
			}
			if !rec.HasTag(tag) {
				rec.Tags = append(rec.Tags, tag)
				changed = true
			}
		}
		if changed {
			s.markDirty(id)
		}
		return nil
	})
}

func (s *Session) RemoveTorrentTags(ctx context.Context, id engine.ID, tags []string) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		rec, ok := s.registry.Get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}

		changed := false
		for _, tag := range tags {
			for i, t := range rec.Tags {
				if t == tag {
					rec.Tags = append(rec.Tags[:i], rec.Tags[i+1:]...)
					changed = true
					break
				}
			}
		}
		if changed {
			s.markDirty(id)
		}
		return nil
	})
}

// Pause stops the whole session: every running torrent's transfers halt in
// the engine and newly added torrents start stopped until Resume. Torrents a
// user stopped individually keep their flag and stay stopped across Resume.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if s.paused.Swap(true) {
			return nil
		}
		for _, rec := range s.registry.All() {
			if rec.Stopped {
				continue
			}
			if err := s.eng.Stop(rec.Handle); err != nil {
				log.Error().Err(err).Str("hash", string(rec.ID)).Msg("Failed to stop torrent transfers")
			}
		}
		s.publish(Event{Type: EventPaused})
		return nil
	})
}

func (s *Session) Resume(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.guardRunning(); err != nil {
			return err
		}
		if !s.paused.Swap(false) {
			return nil
		}
		for _, rec := range s.registry.All() {
			if rec.Stopped {
				continue
			}
			if err := s.eng.Start(rec.Handle); err != nil {
				log.Error().Err(err).Str("hash", string(rec.ID)).Msg("Failed to restart torrent transfers")
			}
		}
		s.publish(Event{Type: EventResumed})
		return nil
	})
}

// TorrentInfo is an immutable snapshot of one torrent for callers outside
// the session.
type TorrentInfo struct {
	ID            engine.ID
	Name          string
	Category      string
	Tags          []string
	State         engine.State
	Progress      float64
	SavePath      string
	DownloadPath  string
	QueuePosition int
	AutoManaged   bool
	Stopped       bool
	Finished      bool
	AddedAt       time.Time
}

func infoFromRecord(rec *TorrentRecord) TorrentInfo {
	tags := make([]string, len(rec.Tags))
	copy(tags, rec.Tags)
	return TorrentInfo{
		ID:            rec.ID,
		Name:          rec.Name,
		Category:      rec.Category,
		Tags:          tags,
		State:         rec.State,
		Progress:      rec.Progress,
		SavePath:      rec.SavePath,
		DownloadPath:  rec.DownloadPath,
		QueuePosition: rec.QueuePos,
		AutoManaged:   rec.Mode == Automatic,
		Stopped:       rec.Stopped,
		Finished:      rec.Finished,
		AddedAt:       rec.AddedAt,
	}
}

// Torrents returns a snapshot of every registered torrent, sorted by ID.
func (s *Session) Torrents(ctx context.Context) ([]TorrentInfo, error) {
	var out []TorrentInfo
	err := s.do(ctx, func() error {
		recs := s.registry.All()
		out = make([]TorrentInfo, 0, len(recs))
		for _, rec := range recs {
			out = append(out, infoFromRecord(rec))
		}
		return nil
	})
	return out, err
}

func (s *Session) Torrent(ctx context.Context, id engine.ID) (TorrentInfo, error) {
	var info TorrentInfo
	err := s.do(ctx, func() error {
		rec, ok := s.registry.Get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownTorrent, "torrent %s", id)
		}
		info = infoFromRecord(rec)
		return nil
	})
	return info, err
}

// IsKnownTorrent reports whether id is registered, fetching metadata, or
// mid-removal.
func (s *Session) IsKnownTorrent(ctx context.Context, id engine.ID) (bool, error) {
	var known bool
	err := s.do(ctx, func() error {
		_, inFlight := s.loading[id]
		known = inFlight || s.registry.Known(id) || s.metadata.Has(id) || s.removals.Pending(id)
		return nil
	})
	return known, err
}

func (s *Session) Categories(ctx context.Context) ([]string, error) {
	var names []string
	err := s.do(ctx, func() error {
		names = s.categories.Names()
		return nil
	})
	return names, err
}

func (s *Session) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	err := s.do(ctx, func() error {
		tags = s.categories.Tags()
		return nil
	})
	return tags, err
}

// Snapshot is a point-in-time view of session internals for metrics.
type Snapshot struct {
	State            string
	Torrents         int
	TorrentsByState  map[string]int
	Queued           int
	ActiveMoves      int
	QueuedMoves      int
	PendingMetadata  int
	PendingRemovals  int
	AlertsDispatched uint64
	HandlerFailures  uint64
	FlushedEntries   uint64
	FlushErrors      uint64
}

func (s *Session) MetricsSnapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		State:            s.State().String(),
		AlertsDispatched: s.stats.AlertsDispatched.Load(),
		HandlerFailures:  s.stats.HandlerFailures.Load(),
		FlushedEntries:   s.stats.FlushedEntries.Load(),
		FlushErrors:      s.stats.FlushErrors.Load(),
	}
	err := s.do(ctx, func() error {
		snap.Torrents = s.registry.Len()
		snap.TorrentsByState = make(map[string]int)
		for _, rec := range s.registry.All() {
			snap.TorrentsByState[rec.State.String()]++
		}
		snap.Queued = s.queue.Len()
		snap.ActiveMoves = s.moves.ActiveCount()
		snap.QueuedMoves = s.moves.QueuedCount()
		snap.PendingMetadata = s.metadata.Len()
		snap.PendingRemovals = s.removals.Len()
		return nil
	})
	return snap, err
}

// Shutdown drains the session: it waits for in-flight storage moves up to
// the configured deadline, flushes every resume entry, then tears down the
// engine and the store. Requests submitted after Shutdown begins are
// rejected.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) &&
		!s.state.CompareAndSwap(int32(StateLoading), int32(StateShuttingDown)) {
		return ErrSessionNotRunning
	}
	log.Info().Msg("Session shutting down")

	deadline := s.now().Add(s.cfg.ShutdownTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	// Let in-flight storage moves finish; an interrupted move can leave
	// content split across directories.
	for s.now().Before(deadline) {
		busy := true
		err := s.do(context.Background(), func() error {
			s.dispatcher.drain()
			busy = s.moves.Busy()
			return nil
		})
		if err != nil || !busy {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	// Final flush of everything still registered.
	if err := s.do(context.Background(), func() error {
		s.dispatcher.drain()
		for _, rec := range s.registry.All() {
			s.markDirty(rec.ID)
		}
		s.flushDirty()
		s.persistCategories()
		s.persistTags()
		return nil
	}); err != nil {
		log.Error().Err(err).Msg("Final resume flush failed")
	}

	s.loopCancel()
	<-s.loopDone

	close(s.flushCh)
	select {
	case <-s.flushDone:
	case <-time.After(time.Until(deadline)):
		log.Warn().Msg("Flush worker did not drain before deadline")
	}

	if err := s.store.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to flush resume store")
	}
	if err := s.eng.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close engine")
	}
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close resume store")
	}
	s.dispatcher.close()
	s.events.close()
	s.state.Store(int32(StateStopped))
	log.Info().Msg("Session stopped")
	return nil
}

// Persistence plumbing. Mutations mark records dirty; dirty entries are
// flushed in submission order by a dedicated worker so store latency never
// blocks the owner goroutine.

func (s *Session) markDirty(id engine.ID) {
	s.dirty[id] = struct{}{}
}

func (s *Session) flushDirty() {
	if len(s.dirty) == 0 {
		return
	}
	ids := make([]engine.ID, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		s.enqueueFlush(flushOp{kind: flushPut, id: id, entry: entryFromRecord(rec)})
	}
	s.dirty = make(map[engine.ID]struct{})
}

func (s *Session) flushRecord(rec *TorrentRecord) {
	delete(s.dirty, rec.ID)
	s.enqueueFlush(flushOp{kind: flushPut, id: rec.ID, entry: entryFromRecord(rec)})
}

func (s *Session) persistCategories() {
	s.enqueueFlush(flushOp{kind: flushCategories, categories: s.categories.Records()})
}

func (s *Session) persistTags() {
	s.enqueueFlush(flushOp{kind: flushTags, tags: s.categories.Tags()})
}

func (s *Session) enqueueFlush(op flushOp) {
	s.flushCh <- op
}

func (s *Session) flushWorker() {
	defer close(s.flushDone)
	ctx := context.Background()

	for op := range s.flushCh {
		var err error
		switch op.kind {
		case flushPut:
			err = s.store.Put(ctx, op.id, op.entry)
		case flushDelete:
			err = s.store.Delete(ctx, op.id)
		case flushCategories:
			err = s.store.SaveCategories(ctx, op.categories)
		case flushTags:
			err = s.store.SaveTags(ctx, op.tags)
		}
		if err != nil {
			s.stats.FlushErrors.Add(1)
			log.Error().Err(err).Str("hash", string(op.id)).Msg("Resume data write failed")
			continue
		}
		s.stats.FlushedEntries.Add(1)
	}
}

func (s *Session) publish(ev Event) {
	s.events.publish(ev)
}

func entryFromRecord(rec *TorrentRecord) resumedata.Entry {
	tags := make([]string, len(rec.Tags))
	copy(tags, rec.Tags)
	return resumedata.Entry{
		ID:            rec.ID,
		Name:          rec.Name,
		Category:      rec.Category,
		Tags:          tags,
		SavePath:      rec.SavePath,
		DownloadPath:  rec.DownloadPath,
		QueuePosition: rec.QueuePos,
		AutoManaged:   rec.Mode == Automatic,
		Stopped:       rec.Stopped,
		Finished:      rec.Finished,
		StopCondition: rec.StopCondition,
		InfoBytes:     rec.InfoBytes,
		MagnetURI:     rec.MagnetURI,
		Trackers:      rec.Trackers,
		AddedAt:       rec.AddedAt,
	}
}

func recordFromEntry(entry resumedata.Entry, h engine.Handle) *TorrentRecord {
	mode := Manual
	if entry.AutoManaged {
		mode = Automatic
	}
	name := entry.Name
	if name == "" {
		name = h.Name()
	}
	return &TorrentRecord{
		ID:            entry.ID,
		Handle:        h,
		Name:          name,
		Category:      entry.Category,
		Tags:          entry.Tags,
		SavePath:      entry.SavePath,
		DownloadPath:  entry.DownloadPath,
		Mode:          mode,
		Stopped:       entry.Stopped,
		Finished:      entry.Finished,
		QueuePos:      entry.QueuePosition,
		StopCondition: entry.StopCondition,
		InfoBytes:     entry.InfoBytes,
		MagnetURI:     entry.MagnetURI,
		Trackers:      entry.Trackers,
		TrackerStats:  make(map[string]TrackerStatus),
		AddedAt:       entry.AddedAt,
	}
}

func dedupeTags(tags []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// deriveID computes the torrent ID from whichever source is present.
func deriveID(infoBytes []byte, magnetURI string) (engine.ID, error) {
	switch {
	case len(infoBytes) > 0:
		sum := sha1.Sum(infoBytes)
		return engine.ID(hex.EncodeToString(sum[:])), nil
	case magnetURI != "":
		return infoHashFromMagnet(magnetURI)
	default:
		return "", errors.Wrap(ErrInvalidRequest, "either torrent metadata or a magnet link is required")
	}
}

// infoHashFromMagnet extracts the btih infohash from a magnet link. Both hex
// and base32 encodings are accepted.
func infoHashFromMagnet(uri string) (engine.ID, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrap(err, "invalid magnet link")
	}
	if u.Scheme != "magnet" {
		return "", errors.Wrapf(ErrInvalidRequest, "not a magnet link: %q", uri)
	}

	for _, xt := range u.Query()["xt"] {
		hash, ok := strings.CutPrefix(xt, "urn:btih:")
		if !ok {
			continue
		}
		if len(hash) == 32 {
			raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash))
			if err != nil {
				return "", errors.Wrap(err, "invalid base32 infohash")
			}
			hash = hex.EncodeToString(raw)
		}
		return engine.ParseID(hash)
	}
	return "", errors.Wrapf(ErrInvalidRequest, "magnet link carries no infohash: %q", uri)
}
