// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exports session internals as Prometheus metrics. The
// collector reads a point-in-time snapshot on every scrape instead of
// keeping its own counters, so it can never drift from the session.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torrentd/internal/session"
)

const scrapeTimeout = 5 * time.Second

var (
	descTorrents = prometheus.NewDesc(
		"torrentd_torrents",
		"Number of registered torrents",
		nil, nil)
	descTorrentsByState = prometheus.NewDesc(
		"torrentd_torrents_by_state",
		"Number of registered torrents by engine state",
		[]string{"state"}, nil)
	descQueued = prometheus.NewDesc(
		"torrentd_queued_torrents",
		"Number of torrents in the download queue",
		nil, nil)
	descActiveMoves = prometheus.NewDesc(
		"torrentd_storage_moves_active",
		"Number of storage moves in flight",
		nil, nil)
	descQueuedMoves = prometheus.NewDesc(
		"torrentd_storage_moves_queued",
		"Number of storage moves waiting behind an in-flight move",
		nil, nil)
	descPendingMetadata = prometheus.NewDesc(
		"torrentd_metadata_downloads_pending",
		"Number of metadata-only downloads in flight",
		nil, nil)
	descPendingRemovals = prometheus.NewDesc(
		"torrentd_removals_pending",
		"Number of removals awaiting engine confirmation",
		nil, nil)
	descAlertsDispatched = prometheus.NewDesc(
		"torrentd_alerts_dispatched_total",
		"Total engine alerts dispatched to handlers",
		nil, nil)
	descHandlerFailures = prometheus.NewDesc(
		"torrentd_alert_handler_failures_total",
		"Total alert handler failures",
		nil, nil)
	descFlushedEntries = prometheus.NewDesc(
		"torrentd_resume_writes_total",
		"Total resume data writes applied",
		nil, nil)
	descFlushErrors = prometheus.NewDesc(
		"torrentd_resume_write_errors_total",
		"Total resume data writes that failed",
		nil, nil)
	descSessionState = prometheus.NewDesc(
		"torrentd_session_state",
		"Session lifecycle state (1 for the active state)",
		[]string{"state"}, nil)
)

// SessionCollector scrapes a live session.
type SessionCollector struct {
	session *session.Session
}

func NewSessionCollector(s *session.Session) *SessionCollector {
	return &SessionCollector{session: s}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTorrents
	ch <- descTorrentsByState
	ch <- descQueued
	ch <- descActiveMoves
	ch <- descQueuedMoves
	ch <- descPendingMetadata
	ch <- descPendingRemovals
	ch <- descAlertsDispatched
	ch <- descHandlerFailures
	ch <- descFlushedEntries
	ch <- descFlushErrors
	ch <- descSessionState
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	snap, err := c.session.MetricsSnapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Metrics scrape skipped, session unavailable")
		return
	}

	ch <- prometheus.MustNewConstMetric(descTorrents, prometheus.GaugeValue, float64(snap.Torrents))
	for state, n := range snap.TorrentsByState {
		ch <- prometheus.MustNewConstMetric(descTorrentsByState, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(snap.Queued))
	ch <- prometheus.MustNewConstMetric(descActiveMoves, prometheus.GaugeValue, float64(snap.ActiveMoves))
	ch <- prometheus.MustNewConstMetric(descQueuedMoves, prometheus.GaugeValue, float64(snap.QueuedMoves))
	ch <- prometheus.MustNewConstMetric(descPendingMetadata, prometheus.GaugeValue, float64(snap.PendingMetadata))
	ch <- prometheus.MustNewConstMetric(descPendingRemovals, prometheus.GaugeValue, float64(snap.PendingRemovals))
	ch <- prometheus.MustNewConstMetric(descAlertsDispatched, prometheus.CounterValue, float64(snap.AlertsDispatched))
	ch <- prometheus.MustNewConstMetric(descHandlerFailures, prometheus.CounterValue, float64(snap.HandlerFailures))
	ch <- prometheus.MustNewConstMetric(descFlushedEntries, prometheus.CounterValue, float64(snap.FlushedEntries))
	ch <- prometheus.MustNewConstMetric(descFlushErrors, prometheus.CounterValue, float64(snap.FlushErrors))
	ch <- prometheus.MustNewConstMetric(descSessionState, prometheus.GaugeValue, 1, snap.State)
}
