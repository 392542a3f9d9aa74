// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog/log"
)

const stateUpdateInterval = time.Second

// AnacrolixConfig tunes the embedded transfer engine.
type AnacrolixConfig struct {
	DataDir    string
	ListenPort int
	DisableDHT bool
	DisablePEX bool
	Seed       bool
}

// Anacrolix adapts github.com/anacrolix/torrent to the Engine port. The
// library reports progress through per-torrent channels and method calls; the
// adapter folds those into the single alert queue the session drains.
type Anacrolix struct {
	client *torrent.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	alerts   []Alert
	wake     chan struct{}
	handles  map[ID]*anacrolixHandle
	lastDone map[ID]int64
	closed   bool
}

type anacrolixHandle struct {
	id ID

	mu       sync.Mutex
	t        *torrent.Torrent
	name     string
	savePath string
	watched  bool
}

func (h *anacrolixHandle) ID() ID { return h.id }

func (h *anacrolixHandle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.t != nil && h.t.Info() != nil {
		return h.t.Name()
	}
	return h.name
}

func (h *anacrolixHandle) HaveMetadata() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t != nil && h.t.Info() != nil
}

func (h *anacrolixHandle) BytesCompleted() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.t == nil {
		return 0
	}
	return h.t.BytesCompleted()
}

func (h *anacrolixHandle) Length() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.t == nil || h.t.Info() == nil {
		return 0
	}
	return h.t.Length()
}

func (h *anacrolixHandle) torrent() *torrent.Torrent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

// beginWatch reports whether the caller won the right to run the completion
// watcher for this handle. At most one watcher runs per handle lifetime.
func (h *anacrolixHandle) beginWatch() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watched {
		return false
	}
	h.watched = true
	return true
}

func (h *anacrolixHandle) contentPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := h.name
	if h.t != nil && h.t.Info() != nil {
		name = h.t.Name()
	}
	return filepath.Join(h.savePath, name)
}

// NewAnacrolix starts an embedded transfer engine.
func NewAnacrolix(cfg AnacrolixConfig) (*Anacrolix, error) {
	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.DataDir = cfg.DataDir
	clientCfg.Seed = cfg.Seed
	clientCfg.NoDHT = cfg.DisableDHT
	clientCfg.DisablePEX = cfg.DisablePEX
	if cfg.ListenPort != 0 {
		clientCfg.ListenPort = cfg.ListenPort
	}

	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start transfer engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Anacrolix{
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		handles:  make(map[ID]*anacrolixHandle),
		lastDone: make(map[ID]int64),
	}

	e.wg.Add(1)
	go e.stateUpdateLoop()

	return e, nil
}

func (e *Anacrolix) push(alerts ...Alert) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.alerts = append(e.alerts, alerts...)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// PollAlerts waits up to timeout for pending alerts and drains them all.
func (e *Anacrolix) PollAlerts(ctx context.Context, timeout time.Duration) []Alert {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if len(e.alerts) > 0 {
			out := e.alerts
			e.alerts = nil
			e.mu.Unlock()
			return out
		}
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-e.wake:
		}
	}
}

func (e *Anacrolix) Add(ctx context.Context, params AddParams) (Handle, error) {
	spec, err := e.buildSpec(params)
	if err != nil {
		return nil, err
	}

	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to add torrent %s: %w", params.ID, err)
	}

	id := params.ID
	if id == "" {
		id = ID(t.InfoHash().HexString())
	}

	h := &anacrolixHandle{
		id:       id,
		t:        t,
		name:     params.Name,
		savePath: params.SavePath,
	}

	e.mu.Lock()
	e.handles[id] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.watchTorrent(h, params)

	return h, nil
}

func (e *Anacrolix) buildSpec(params AddParams) (*torrent.TorrentSpec, error) {
	switch {
	case len(params.InfoBytes) > 0:
		mi := &metainfo.MetaInfo{InfoBytes: params.InfoBytes}
		spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return nil, fmt.Errorf("invalid metainfo for %s: %w", params.ID, err)
		}
		if len(params.Trackers) > 0 {
			spec.Trackers = append(spec.Trackers, params.Trackers)
		}
		spec.Storage = e.storageFor(params.SavePath)
		return spec, nil

	case params.MagnetURI != "":
		spec, err := torrent.TorrentSpecFromMagnetUri(params.MagnetURI)
		if err != nil {
			return nil, fmt.Errorf("invalid magnet uri: %w", err)
		}
		spec.Storage = e.storageFor(params.SavePath)
		return spec, nil

	default:
		raw, err := hex.DecodeString(string(params.ID))
		if err != nil || len(raw) != 20 {
			return nil, fmt.Errorf("cannot resolve torrent %q without metainfo or magnet", params.ID)
		}
		var hash metainfo.Hash
		copy(hash[:], raw)
		spec := &torrent.TorrentSpec{
			AddTorrentOpts: torrent.AddTorrentOpts{
				InfoHash: hash,
				Storage:  e.storageFor(params.SavePath),
			},
			DisplayName: params.Name,
		}
		if len(params.Trackers) > 0 {
			spec.Trackers = append(spec.Trackers, params.Trackers)
		}
		return spec, nil
	}
}

func (e *Anacrolix) storageFor(savePath string) storage.ClientImpl {
	if savePath == "" {
		return nil
	}
	return storage.NewFile(savePath)
}

// watchTorrent turns per-torrent library events into alerts: metadata arrival,
// the post-check transition and final completion.
func (e *Anacrolix) watchTorrent(h *anacrolixHandle, params AddParams) {
	defer e.wg.Done()

	t := h.torrent()

	select {
	case <-e.ctx.Done():
		return
	case <-t.GotInfo():
	}

	mi := t.Metainfo()
	var fileCount int
	if info := t.Info(); info != nil {
		fileCount = len(info.UpvertedFiles())
	}

	e.push(MetadataReceivedAlert{
		ID: h.id,
		Info: Metainfo{
			ID:        h.id,
			Name:      t.Name(),
			Length:    t.Length(),
			FileCount: fileCount,
			InfoBytes: mi.InfoBytes,
		},
	})

	if params.MetadataOnly {
		return
	}

	// The library verifies existing data as part of info resolution; by the
	// time GotInfo fires the initial check is complete.
	e.push(TorrentCheckedAlert{ID: h.id})

	if params.Stopped {
		return
	}

	t.DownloadAll()
	if h.beginWatch() {
		e.waitForCompletion(h)
	}
}

// Stop halts piece transfer for the torrent. The torrent stays registered and
// keeps answering metadata queries; only data movement is disabled.
func (e *Anacrolix) Stop(h Handle) error {
	ah, ok := h.(*anacrolixHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	t := ah.torrent()
	if t == nil {
		return fmt.Errorf("torrent %s no longer in engine", ah.id)
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	return nil
}

// Start re-enables piece transfer for a torrent previously stopped, either at
// add time or via Stop.
func (e *Anacrolix) Start(h Handle) error {
	ah, ok := h.(*anacrolixHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	t := ah.torrent()
	if t == nil {
		return fmt.Errorf("torrent %s no longer in engine", ah.id)
	}
	t.AllowDataDownload()
	t.AllowDataUpload()
	if t.Info() != nil {
		t.DownloadAll()
	}
	if ah.beginWatch() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.waitForCompletion(ah)
		}()
	}
	return nil
}

func (e *Anacrolix) waitForCompletion(h *anacrolixHandle) {
	ticker := time.NewTicker(stateUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			t := h.torrent()
			if t == nil {
				return
			}
			if t.Info() != nil && t.BytesCompleted() >= t.Length() {
				e.push(TorrentFinishedAlert{ID: h.id})
				return
			}
		}
	}
}

// stateUpdateLoop snapshots every torrent into one coalesced batch per tick.
func (e *Anacrolix) stateUpdateLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(stateUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pushStateUpdate()
		}
	}
}

func (e *Anacrolix) pushStateUpdate() {
	e.mu.Lock()
	handles := make([]*anacrolixHandle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	statuses := make([]Status, 0, len(handles))
	e.mu.Lock()
	for _, h := range handles {
		t := h.torrent()
		if t == nil {
			continue
		}
		var st Status
		st.ID = h.id
		st.BytesCompleted = t.BytesCompleted()
		if t.Info() != nil {
			st.Length = t.Length()
			if st.Length > 0 {
				st.Progress = float64(st.BytesCompleted) / float64(st.Length)
			}
			if st.BytesCompleted >= st.Length {
				st.State = StateSeeding
			} else {
				st.State = StateDownloading
			}
		} else {
			st.State = StateDownloadingMetadata
		}
		if prev, ok := e.lastDone[h.id]; ok {
			delta := st.BytesCompleted - prev
			if delta > 0 {
				st.DownloadRate = delta * int64(time.Second) / int64(stateUpdateInterval)
			}
		}
		e.lastDone[h.id] = st.BytesCompleted
		statuses = append(statuses, st)
	}
	e.mu.Unlock()

	if len(statuses) > 0 {
		e.push(StateUpdateAlert{Statuses: statuses})
	}
}

// Remove drops the torrent from the engine. When deleteContent is set the
// content directory is removed afterwards; both steps confirm via alerts on
// their own schedules.
func (e *Anacrolix) Remove(h Handle, deleteContent bool) error {
	ah, ok := h.(*anacrolixHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	contentPath := ah.contentPath()

	e.mu.Lock()
	delete(e.handles, ah.id)
	delete(e.lastDone, ah.id)
	e.mu.Unlock()

	if t := ah.torrent(); t != nil {
		t.Drop()
	}
	ah.mu.Lock()
	ah.t = nil
	ah.mu.Unlock()

	e.push(TorrentRemovedAlert{ID: ah.id})

	if deleteContent {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := os.RemoveAll(contentPath); err != nil {
				e.push(TorrentDeleteFailedAlert{ID: ah.id, Reason: err.Error()})
				return
			}
			e.push(TorrentDeletedAlert{ID: ah.id})
		}()
	}

	return nil
}

// MoveStorage relocates a torrent's content. The library cannot rebind live
// storage, so the torrent is dropped, the content directory moved, and the
// torrent re-added against the new path.
func (e *Anacrolix) MoveStorage(h Handle, targetPath string, mode MoveMode) error {
	ah, ok := h.(*anacrolixHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.moveStorage(ah, targetPath, mode); err != nil {
			log.Debug().Err(err).Str("hash", string(ah.id)).Str("target", targetPath).Msg("storage move failed")
			e.push(StorageMoveFailedAlert{ID: ah.id, Path: targetPath, Reason: err.Error()})
			return
		}
		e.push(StorageMovedAlert{ID: ah.id, Path: targetPath})
	}()

	return nil
}

func (e *Anacrolix) moveStorage(ah *anacrolixHandle, targetPath string, mode MoveMode) error {
	t := ah.torrent()
	if t == nil {
		return fmt.Errorf("torrent %s no longer in engine", ah.id)
	}
	if t.Info() == nil {
		return fmt.Errorf("torrent %s has no metadata yet", ah.id)
	}

	mi := t.Metainfo()
	name := t.Name()
	src := filepath.Join(ah.savePath, name)
	dst := filepath.Join(targetPath, name)

	if mode == MoveKeepExistingFiles {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("target %s already exists", dst)
		}
	}

	t.Drop()

	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(src); err == nil {
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}

	spec, err := torrent.TorrentSpecFromMetaInfoErr(&mi)
	if err != nil {
		return err
	}
	spec.Storage = storage.NewFile(targetPath)

	newT, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return err
	}
	newT.DownloadAll()

	ah.mu.Lock()
	ah.t = newT
	ah.savePath = targetPath
	ah.mu.Unlock()

	return nil
}

func (e *Anacrolix) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.client.Close()
	e.wg.Wait()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	return nil
}
