// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/torrentd/internal/engine"
	"github.com/autobrr/torrentd/internal/resumedata"
)

// fakeHandle is a minimal engine.Handle for tests.
type fakeHandle struct {
	id   engine.ID
	name string
}

func (h *fakeHandle) ID() engine.ID         { return h.id }
func (h *fakeHandle) Name() string          { return h.name }
func (h *fakeHandle) HaveMetadata() bool    { return true }
func (h *fakeHandle) BytesCompleted() int64 { return 0 }
func (h *fakeHandle) Length() int64         { return 0 }

type removeCall struct {
	id            engine.ID
	deleteContent bool
}

type moveCall struct {
	id   engine.ID
	path string
	mode engine.MoveMode
}

// fakeEngine is an in-memory engine.Engine. Alerts are pushed by the test
// (or synthesized by Remove when autoConfirmRemove is set) and drained
// through PollAlerts like the real adapter.
type fakeEngine struct {
	mu     sync.Mutex
	alerts []engine.Alert

	added   map[engine.ID]engine.AddParams
	removes []removeCall
	moves   []moveCall
	stops   []engine.ID
	starts  []engine.ID

	addErr            map[engine.ID]error
	autoConfirmRemove bool

	// addHook, when set, runs at the top of Add outside the engine lock.
	addHook func(engine.ID)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		added:             make(map[engine.ID]engine.AddParams),
		addErr:            make(map[engine.ID]error),
		autoConfirmRemove: true,
	}
}

func (f *fakeEngine) push(alerts ...engine.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alerts...)
}

func (f *fakeEngine) Add(ctx context.Context, params engine.AddParams) (engine.Handle, error) {
	if f.addHook != nil {
		f.addHook(params.ID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.addErr[params.ID]; err != nil {
		return nil, err
	}
	f.added[params.ID] = params
	return &fakeHandle{id: params.ID, name: params.Name}, nil
}

func (f *fakeEngine) Remove(h engine.Handle, deleteContent bool) error {
	f.mu.Lock()
	f.removes = append(f.removes, removeCall{id: h.ID(), deleteContent: deleteContent})
	delete(f.added, h.ID())
	confirm := f.autoConfirmRemove
	f.mu.Unlock()

	if confirm {
		f.push(engine.TorrentRemovedAlert{ID: h.ID()})
		if deleteContent {
			f.push(engine.TorrentDeletedAlert{ID: h.ID()})
		}
	}
	return nil
}

func (f *fakeEngine) Stop(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h.ID())
	return nil
}

func (f *fakeEngine) Start(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, h.ID())
	return nil
}

func (f *fakeEngine) MoveStorage(h engine.Handle, targetPath string, mode engine.MoveMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, moveCall{id: h.ID(), path: targetPath, mode: mode})
	return nil
}

func (f *fakeEngine) PollAlerts(ctx context.Context, timeout time.Duration) []engine.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.alerts
	f.alerts = nil
	return out
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) moveCalls() []moveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]moveCall, len(f.moves))
	copy(out, f.moves)
	return out
}

func (f *fakeEngine) removeCalls() []removeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]removeCall, len(f.removes))
	copy(out, f.removes)
	return out
}

func (f *fakeEngine) stopCalls() []engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.ID, len(f.stops))
	copy(out, f.stops)
	return out
}

func (f *fakeEngine) startCalls() []engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.ID, len(f.starts))
	copy(out, f.starts)
	return out
}

// eventRecorder drains a subscription in the background.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(ch <-chan Event) *eventRecorder {
	r := &eventRecorder{}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) has(typ EventType) bool { return r.count(typ) > 0 }

func testConfig(t *testing.T) Config {
	return Config{
		SavePath:               filepath.Join(t.TempDir(), "complete"),
		AlertPollInterval:      10 * time.Millisecond,
		SaveResumeDataInterval: time.Hour,
		ShutdownTimeout:        5 * time.Second,
		MaxConcurrentLoads:     4,
	}
}

func startSession(t *testing.T, cfg Config, eng engine.Engine, store resumedata.Store) *Session {
	t.Helper()
	s := New(cfg, eng, store)
	require.NoError(t, s.Start(context.Background()))
	select {
	case <-s.Restored():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish restoring")
	}
	t.Cleanup(func() {
		if s.State() != StateStopped {
			_ = s.Shutdown(context.Background())
		}
	})
	return s
}

func newFileStore(t *testing.T) *resumedata.FileStore {
	t.Helper()
	store, err := resumedata.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testInfoBytes(seed string) ([]byte, engine.ID) {
	info := []byte("d4:name" + fmt.Sprintf("%d:%s", len(seed), seed) + "e")
	sum := sha1.Sum(info)
	return info, engine.ID(hex.EncodeToString(sum[:]))
}

func TestAddTorrent(t *testing.T) {
	eng := newFakeEngine()
	store := newFileStore(t)
	s := startSession(t, testConfig(t), eng, store)
	rec := recordEvents(s.Subscribe(64))

	info, wantID := testInfoBytes("ubuntu.iso")
	id, err := s.AddTorrent(context.Background(), AddTorrentParams{
		InfoBytes: info,
		Name:      "ubuntu.iso",
	})
	require.NoError(t, err)
	assert.Equal(t, wantID, id)

	known, err := s.IsKnownTorrent(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, known)

	// Duplicate submissions are rejected.
	_, err = s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	assert.ErrorIs(t, err, ErrDuplicateTorrent)

	// The resume entry lands via the flush worker.
	require.Eventually(t, func() bool {
		entries, _, err := store.List(context.Background())
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, _, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "ubuntu.iso", entries[0].Name)

	assert.True(t, rec.has(EventTorrentAdded))
}

func TestAddTorrentRequiresSource(t *testing.T) {
	s := startSession(t, testConfig(t), newFakeEngine(), newFileStore(t))

	_, err := s.AddTorrent(context.Background(), AddTorrentParams{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRemoveTorrentKeepContent(t *testing.T) {
	eng := newFakeEngine()
	store := newFileStore(t)
	s := startSession(t, testConfig(t), eng, store)
	rec := recordEvents(s.Subscribe(64))

	info, _ := testInfoBytes("keeper")
	id, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	require.NoError(t, s.RemoveTorrent(context.Background(), id, KeepContent))

	// Engine was told to keep the content.
	calls := eng.removeCalls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].deleteContent)

	// After the engine confirms, the torrent and its resume entry are gone.
	require.Eventually(t, func() bool {
		known, err := s.IsKnownTorrent(context.Background(), id)
		if err != nil || known {
			return false
		}
		entries, _, err := store.List(context.Background())
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, rec.has(EventRemovalPending))
	assert.True(t, rec.has(EventTorrentRemoved))
}

func TestRemoveTorrentContentPendingUntilBothConfirmations(t *testing.T) {
	eng := newFakeEngine()
	eng.autoConfirmRemove = false
	s := startSession(t, testConfig(t), eng, newFileStore(t))

	info, _ := testInfoBytes("deleted")
	id, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	require.NoError(t, s.RemoveTorrent(context.Background(), id, RemoveContent))

	calls := eng.removeCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].deleteContent)

	// Re-adding while the removal is unconfirmed is rejected, and the ID
	// still counts as known.
	_, err = s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	assert.ErrorIs(t, err, ErrRemovalPending)

	// Engine teardown alone is not enough when content deletion was asked.
	eng.push(engine.TorrentRemovedAlert{ID: id})
	time.Sleep(50 * time.Millisecond)
	known, err := s.IsKnownTorrent(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, known)

	// The content confirmation releases the ID.
	eng.push(engine.TorrentDeletedAlert{ID: id})
	require.Eventually(t, func() bool {
		known, err := s.IsKnownTorrent(context.Background(), id)
		return err == nil && !known
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartupRestore(t *testing.T) {
	eng := newFakeEngine()
	dir := t.TempDir()
	store, err := resumedata.NewFileStore(dir)
	require.NoError(t, err)

	// Persist three entries with sparse queue positions.
	for i, seed := range []string{"one", "two", "three"} {
		_, id := testInfoBytes(seed)
		require.NoError(t, store.Put(context.Background(), id, resumedata.Entry{
			ID:            id,
			Name:          seed,
			SavePath:      "/data",
			QueuePosition: (i + 1) * 3,
			AddedAt:       time.Now(),
		}))
	}
	// And one corrupted file alongside them.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "torrents", "garbage.json"), []byte("{not json"), 0o644))

	cfg := testConfig(t)
	cfg.QueueingEnabled = true
	s := New(cfg, eng, store)
	rec := recordEvents(s.Subscribe(64))
	require.NoError(t, s.Start(context.Background()))
	select {
	case <-s.Restored():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish restoring")
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	torrents, err := s.Torrents(context.Background())
	require.NoError(t, err)
	require.Len(t, torrents, 3)

	// Sparse persisted positions renumber densely.
	positions := make(map[int]bool)
	for _, info := range torrents {
		positions[info.QueuePosition] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, positions)

	assert.True(t, rec.has(EventRestored))
	assert.Equal(t, 1, rec.count(EventLoadTorrentFailed))
}

func TestStartupRestoreLoadFailure(t *testing.T) {
	eng := newFakeEngine()
	store := newFileStore(t)

	_, badID := testInfoBytes("bad")
	_, goodID := testInfoBytes("good")
	for _, id := range []engine.ID{badID, goodID} {
		require.NoError(t, store.Put(context.Background(), id, resumedata.Entry{
			ID:       id,
			SavePath: "/data",
			AddedAt:  time.Now(),
		}))
	}
	eng.addErr[badID] = fmt.Errorf("tracker exploded")

	s := New(testConfig(t), eng, store)
	rec := recordEvents(s.Subscribe(64))
	require.NoError(t, s.Start(context.Background()))
	select {
	case <-s.Restored():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish restoring")
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	// The failed load is skipped, the rest of the session comes up.
	torrents, err := s.Torrents(context.Background())
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, goodID, torrents[0].ID)
	assert.Equal(t, 1, rec.count(EventLoadTorrentFailed))
}

func TestMoveStorageSerializedPerTorrent(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))

	info, _ := testInfoBytes("mover")
	id, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	require.NoError(t, s.MoveStorage(context.Background(), id, "/first", engine.MoveKeepExistingFiles))
	require.NoError(t, s.MoveStorage(context.Background(), id, "/second", engine.MoveOverwrite))

	// Only the first move reaches the engine while it is in flight.
	require.Eventually(t, func() bool {
		return len(eng.moveCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/first", eng.moveCalls()[0].path)

	// Completing it releases the queued move, in submission order.
	eng.push(engine.StorageMovedAlert{ID: id, Path: "/first"})
	require.Eventually(t, func() bool {
		calls := eng.moveCalls()
		return len(calls) == 2 && calls[1].path == "/second"
	}, 2*time.Second, 10*time.Millisecond)

	eng.push(engine.StorageMovedAlert{ID: id, Path: "/second"})
	require.Eventually(t, func() bool {
		torrent, err := s.Torrent(context.Background(), id)
		return err == nil && torrent.SavePath == "/second"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMoveStorageFailureReleasesQueue(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	info, _ := testInfoBytes("failmove")
	id, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	require.NoError(t, s.MoveStorage(context.Background(), id, "/target", engine.MoveKeepExistingFiles))
	eng.push(engine.StorageMoveFailedAlert{ID: id, Path: "/target", Reason: "disk full"})

	require.Eventually(t, func() bool {
		return rec.has(EventStorageMoveFailed)
	}, 2*time.Second, 10*time.Millisecond)

	// The torrent keeps its original path and accepts new moves.
	torrent, err := s.Torrent(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, "/target", torrent.SavePath)
	require.NoError(t, s.MoveStorage(context.Background(), id, "/elsewhere", engine.MoveKeepExistingFiles))
	require.Eventually(t, func() bool {
		calls := eng.moveCalls()
		return len(calls) == 2 && calls[1].path == "/elsewhere"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDownloadMetadata(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	_, id := testInfoBytes("magnetized")
	magnet := "magnet:?xt=urn:btih:" + string(id)

	got, err := s.DownloadMetadata(context.Background(), magnet)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	// Metadata-only fetches never appear in listings.
	torrents, err := s.Torrents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, torrents)

	known, err := s.IsKnownTorrent(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, known)

	eng.push(engine.MetadataReceivedAlert{ID: id, Info: engine.Metainfo{ID: id, Name: "magnetized"}})
	require.Eventually(t, func() bool {
		return rec.has(EventMetadataDownloaded)
	}, 2*time.Second, 10*time.Millisecond)

	// The engine-side torrent is dropped once the descriptor is delivered.
	require.Eventually(t, func() bool {
		return len(eng.removeCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelDownloadMetadataLosesRaceToCompletion(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	_, id := testInfoBytes("racer")
	magnet := "magnet:?xt=urn:btih:" + string(id)
	_, err := s.DownloadMetadata(context.Background(), magnet)
	require.NoError(t, err)

	// The metadata alert is already queued when the cancel arrives: the
	// fetch completes and the cancel reports the entry as gone.
	eng.push(engine.MetadataReceivedAlert{ID: id, Info: engine.Metainfo{ID: id, Name: "racer"}})
	err = s.CancelDownloadMetadata(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownTorrent)
	assert.True(t, rec.has(EventMetadataDownloaded))
}

func TestCancelDownloadMetadata(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	_, id := testInfoBytes("cancelled")
	magnet := "magnet:?xt=urn:btih:" + string(id)
	_, err := s.DownloadMetadata(context.Background(), magnet)
	require.NoError(t, err)

	require.NoError(t, s.CancelDownloadMetadata(context.Background(), id))

	known, err := s.IsKnownTorrent(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, known)
	assert.False(t, rec.has(EventMetadataDownloaded))
	require.Len(t, eng.removeCalls(), 1)
}

func TestCategoryDrivenSavePaths(t *testing.T) {
	eng := newFakeEngine()
	cfg := testConfig(t)
	s := startSession(t, cfg, eng, newFileStore(t))

	moviesPath := "/data/movies"
	require.NoError(t, s.CreateCategory(context.Background(), "movies", CategoryOptions{SavePath: &moviesPath}))

	info, id := testInfoBytes("categorized")
	auto := true
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{
		InfoBytes:   info,
		Category:    "movies",
		AutoManaged: &auto,
	})
	require.NoError(t, err)

	torrent, err := s.Torrent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, moviesPath, torrent.SavePath)
	assert.True(t, torrent.AutoManaged)
}

func TestEditCategoryRelocatesAutomaticTorrents(t *testing.T) {
	eng := newFakeEngine()
	cfg := testConfig(t)
	cfg.DisableAutoTMMWhenCategorySavePathChanged = false
	s := startSession(t, cfg, eng, newFileStore(t))

	oldPath := "/data/old"
	require.NoError(t, s.CreateCategory(context.Background(), "movies", CategoryOptions{SavePath: &oldPath}))

	info, id := testInfoBytes("relocated")
	auto := true
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{
		InfoBytes:   info,
		Category:    "movies",
		AutoManaged: &auto,
	})
	require.NoError(t, err)

	newPath := "/data/new"
	require.NoError(t, s.EditCategory(context.Background(), "movies", CategoryOptions{SavePath: &newPath}))

	require.Eventually(t, func() bool {
		calls := eng.moveCalls()
		return len(calls) == 1 && calls[0].id == id && calls[0].path == newPath
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEditCategoryOverrideFlagSwitchesToManual(t *testing.T) {
	eng := newFakeEngine()
	cfg := testConfig(t)
	cfg.DisableAutoTMMWhenCategorySavePathChanged = true
	s := startSession(t, cfg, eng, newFileStore(t))

	oldPath := "/data/old"
	require.NoError(t, s.CreateCategory(context.Background(), "movies", CategoryOptions{SavePath: &oldPath}))

	info, id := testInfoBytes("pinned")
	auto := true
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{
		InfoBytes:   info,
		Category:    "movies",
		AutoManaged: &auto,
	})
	require.NoError(t, err)

	newPath := "/data/new"
	require.NoError(t, s.EditCategory(context.Background(), "movies", CategoryOptions{SavePath: &newPath}))

	torrent, err := s.Torrent(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, torrent.AutoManaged)
	assert.Equal(t, oldPath, torrent.SavePath)
	assert.Empty(t, eng.moveCalls())
}

func TestQueueOpsRequireQueueing(t *testing.T) {
	s := startSession(t, testConfig(t), newFakeEngine(), newFileStore(t))

	err := s.QueueTop(context.Background(), []engine.ID{"whatever"})
	assert.ErrorIs(t, err, ErrQueueingDisabled)
}

func TestQueueOpsThroughSession(t *testing.T) {
	eng := newFakeEngine()
	cfg := testConfig(t)
	cfg.QueueingEnabled = true
	s := startSession(t, cfg, eng, newFileStore(t))

	var added []engine.ID
	for _, seed := range []string{"q1", "q2", "q3"} {
		info, _ := testInfoBytes(seed)
		id, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
		require.NoError(t, err)
		added = append(added, id)
	}

	require.NoError(t, s.QueueTop(context.Background(), []engine.ID{added[2]}))

	torrent, err := s.Torrent(context.Background(), added[2])
	require.NoError(t, err)
	assert.Equal(t, 0, torrent.QueuePosition)

	torrent, err = s.Torrent(context.Background(), added[0])
	require.NoError(t, err)
	assert.Equal(t, 1, torrent.QueuePosition)
}

func TestPauseResume(t *testing.T) {
	s := startSession(t, testConfig(t), newFakeEngine(), newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	require.NoError(t, s.Pause(context.Background()))
	assert.True(t, s.IsPaused())

	// New torrents start stopped while the session is paused.
	info, id := testInfoBytes("paused-add")
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)
	torrent, err := s.Torrent(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, torrent.Stopped)

	require.NoError(t, s.Resume(context.Background()))
	assert.False(t, s.IsPaused())

	assert.True(t, rec.has(EventPaused))
	assert.True(t, rec.has(EventResumed))
}

func TestPauseStopsEngineTransfers(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))

	info, runningID := testInfoBytes("transferring")
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	stoppedInfo, stoppedID := testInfoBytes("parked")
	stop := true
	_, err = s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: stoppedInfo, Stopped: &stop})
	require.NoError(t, err)

	// Pausing halts transfers in the engine for running torrents only.
	require.NoError(t, s.Pause(context.Background()))
	assert.Equal(t, []engine.ID{runningID}, eng.stopCalls())

	// Resuming restarts them; individually stopped torrents stay stopped.
	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, []engine.ID{runningID}, eng.startCalls())

	torrent, err := s.Torrent(context.Background(), stoppedID)
	require.NoError(t, err)
	assert.True(t, torrent.Stopped)
}

func TestStopConditionHaltsEngineTransfers(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	info, id := testInfoBytes("checked-then-stopped")
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{
		InfoBytes:     info,
		StopCondition: engine.StopOnFilesChecked,
	})
	require.NoError(t, err)

	eng.push(engine.TorrentCheckedAlert{ID: id})

	require.Eventually(t, func() bool {
		torrent, err := s.Torrent(context.Background(), id)
		return err == nil && torrent.Stopped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []engine.ID{id}, eng.stopCalls())
	assert.True(t, rec.has(EventTorrentStopped))
}

func TestFileErrorMarksTorrentError(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))
	rec := recordEvents(s.Subscribe(64))

	info, id := testInfoBytes("diskfull")
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	eng.push(engine.FileErrorAlert{ID: id, File: "/data/diskfull", Reason: "no space left on device"})

	require.Eventually(t, func() bool {
		torrent, err := s.Torrent(context.Background(), id)
		return err == nil && torrent.State == engine.StateError
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.has(EventFullDiskError))
}

func TestConcurrentAddOfSameTorrent(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))

	info, id := testInfoBytes("contended")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	eng.addHook = func(engine.ID) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
		errCh <- err
	}()
	<-entered

	// The ID is reserved while the first submission sits inside the engine:
	// a duplicate fails fast instead of racing it.
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	assert.ErrorIs(t, err, ErrDuplicateTorrent)

	close(release)
	require.NoError(t, <-errCh)

	// The winner's torrent survives: the loser never reached the engine, so
	// nothing was dropped.
	torrent, err := s.Torrent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, torrent.ID)
	assert.Empty(t, eng.removeCalls())
}

func TestCompleteStartupYieldsToShutdown(t *testing.T) {
	s := New(testConfig(t), newFakeEngine(), newFileStore(t))

	// A shutdown that began mid-restore owns the lifecycle state; finishing
	// the restore must not flip it back to running.
	s.state.Store(int32(StateShuttingDown))
	s.completeStartup(time.Now())

	assert.Equal(t, StateShuttingDown, s.State())
	select {
	case <-s.Restored():
	default:
		t.Fatal("restore completion did not release waiters")
	}
}

func TestShutdownFlushesState(t *testing.T) {
	eng := newFakeEngine()
	store := newFileStore(t)
	s := startSession(t, testConfig(t), eng, store)

	info, id := testInfoBytes("flushed")
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info, Name: "flushed"})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, s.State())

	entries, failures, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	// Requests after shutdown are rejected.
	_, err = s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	assert.ErrorIs(t, err, ErrSessionNotRunning)
}

func TestHandlerFailureIsolation(t *testing.T) {
	eng := newFakeEngine()
	s := startSession(t, testConfig(t), eng, newFileStore(t))

	info, id := testInfoBytes("sturdy")
	_, err := s.AddTorrent(context.Background(), AddTorrentParams{InfoBytes: info})
	require.NoError(t, err)

	// An alert for a torrent the session never saw is ignored, and alerts
	// behind it still apply.
	eng.push(
		engine.TorrentFinishedAlert{ID: "feedfacefeedfacefeedfacefeedfacefeedface"},
		engine.TorrentFinishedAlert{ID: id},
	)

	require.Eventually(t, func() bool {
		torrent, err := s.Torrent(context.Background(), id)
		return err == nil && torrent.Finished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInfoHashFromMagnet(t *testing.T) {
	hexHash := "0123456789abcdef0123456789abcdef01234567"

	tests := []struct {
		name    string
		uri     string
		want    engine.ID
		wantErr bool
	}{
		{
			name: "hex",
			uri:  "magnet:?xt=urn:btih:" + hexHash + "&dn=test",
			want: engine.ID(hexHash),
		},
		{
			name: "uppercase_hex",
			uri:  "magnet:?xt=urn:btih:" + "0123456789ABCDEF0123456789ABCDEF01234567",
			want: engine.ID(hexHash),
		},
		{
			name: "base32",
			uri:  "magnet:?xt=urn:btih:AEBAGBAFAYDQQCIKBMGA2DQPCAIREEYU",
			want: engine.ID("0102030405060708090a0b0c0d0e0f1011121314"),
		},
		{
			name:    "not_magnet",
			uri:     "https://example.com/file.torrent",
			wantErr: true,
		},
		{
			name:    "missing_btih",
			uri:     "magnet:?dn=test",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := infoHashFromMagnet(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
