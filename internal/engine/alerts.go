// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

// Kind discriminates alert variants. Unrecognized kinds are ignored by
// consumers, never treated as errors, so engines may grow new kinds freely.
type Kind int

const (
	KindStateUpdate Kind = iota + 1
	KindMetadataReceived
	KindTorrentRemoved
	KindTorrentDeleted
	KindTorrentDeleteFailed
	KindStorageMoved
	KindStorageMoveFailed
	KindFileError
	KindTrackerReply
	KindTrackerWarning
	KindTrackerError
	KindTorrentFinished
	KindTorrentChecked
	KindAddFailed
)

// Alert is an asynchronous engine notification. Torrent returns the subject
// torrent ID, or the empty ID for session-level alerts.
type Alert interface {
	Kind() Kind
	Torrent() ID
}

// StateUpdateAlert carries a coalesced status batch for many torrents.
type StateUpdateAlert struct {
	Statuses []Status
}

func (StateUpdateAlert) Kind() Kind  { return KindStateUpdate }
func (StateUpdateAlert) Torrent() ID { return "" }

// MetadataReceivedAlert reports that the descriptor of a magnet download
// became available.
type MetadataReceivedAlert struct {
	ID   ID
	Info Metainfo
}

func (MetadataReceivedAlert) Kind() Kind    { return KindMetadataReceived }
func (a MetadataReceivedAlert) Torrent() ID { return a.ID }

// TorrentRemovedAlert confirms engine-side teardown of a torrent. Content
// deletion, if requested, is reported separately and independently timed.
type TorrentRemovedAlert struct {
	ID ID
}

func (TorrentRemovedAlert) Kind() Kind    { return KindTorrentRemoved }
func (a TorrentRemovedAlert) Torrent() ID { return a.ID }

// TorrentDeletedAlert confirms content deletion from disk.
type TorrentDeletedAlert struct {
	ID ID
}

func (TorrentDeletedAlert) Kind() Kind    { return KindTorrentDeleted }
func (a TorrentDeletedAlert) Torrent() ID { return a.ID }

type TorrentDeleteFailedAlert struct {
	ID     ID
	Reason string
}

func (TorrentDeleteFailedAlert) Kind() Kind    { return KindTorrentDeleteFailed }
func (a TorrentDeleteFailedAlert) Torrent() ID { return a.ID }

// StorageMovedAlert confirms a completed MoveStorage request.
type StorageMovedAlert struct {
	ID   ID
	Path string
}

func (StorageMovedAlert) Kind() Kind    { return KindStorageMoved }
func (a StorageMovedAlert) Torrent() ID { return a.ID }

type StorageMoveFailedAlert struct {
	ID     ID
	Path   string
	Reason string
}

func (StorageMoveFailedAlert) Kind() Kind    { return KindStorageMoveFailed }
func (a StorageMoveFailedAlert) Torrent() ID { return a.ID }

// FileErrorAlert reports a disk-level failure (full disk, permissions) on a
// torrent's storage.
type FileErrorAlert struct {
	ID     ID
	File   string
	Reason string
}

func (FileErrorAlert) Kind() Kind    { return KindFileError }
func (a FileErrorAlert) Torrent() ID { return a.ID }

type TrackerReplyAlert struct {
	ID       ID
	Tracker  string
	NumPeers int
}

func (TrackerReplyAlert) Kind() Kind    { return KindTrackerReply }
func (a TrackerReplyAlert) Torrent() ID { return a.ID }

type TrackerWarningAlert struct {
	ID      ID
	Tracker string
	Message string
}

func (TrackerWarningAlert) Kind() Kind    { return KindTrackerWarning }
func (a TrackerWarningAlert) Torrent() ID { return a.ID }

type TrackerErrorAlert struct {
	ID      ID
	Tracker string
	Message string
}

func (TrackerErrorAlert) Kind() Kind    { return KindTrackerError }
func (a TrackerErrorAlert) Torrent() ID { return a.ID }

// TorrentFinishedAlert reports that all wanted data finished downloading.
type TorrentFinishedAlert struct {
	ID ID
}

func (TorrentFinishedAlert) Kind() Kind    { return KindTorrentFinished }
func (a TorrentFinishedAlert) Torrent() ID { return a.ID }

// TorrentCheckedAlert reports completion of a file recheck.
type TorrentCheckedAlert struct {
	ID ID
}

func (TorrentCheckedAlert) Kind() Kind    { return KindTorrentChecked }
func (a TorrentCheckedAlert) Torrent() ID { return a.ID }

// AddFailedAlert reports an asynchronous add failure after Add already
// returned a handle.
type AddFailedAlert struct {
	ID     ID
	Reason string
}

func (AddFailedAlert) Kind() Kind    { return KindAddFailed }
func (a AddFailedAlert) Torrent() ID { return a.ID }
