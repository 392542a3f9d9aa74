// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemovalKeepContent(t *testing.T) {
	tr := NewRemovalTracker()
	tr.Begin("a", "name-a", "/data/a", KeepContent)
	require.True(t, tr.Pending("a"))

	// Keep-content removals complete on the engine confirmation alone.
	p, done := tr.EngineRemoved("a")
	require.NotNil(t, p)
	assert.True(t, done)
	assert.False(t, tr.Pending("a"))
}

func TestRemovalContentWaitsForBothConfirmations(t *testing.T) {
	tests := []struct {
		name        string
		engineFirst bool
	}{
		{name: "engine_then_content", engineFirst: true},
		{name: "content_then_engine", engineFirst: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr := NewRemovalTracker()
			tr.Begin("a", "name-a", "/data/a", RemoveContent)

			if tt.engineFirst {
				p, done := tr.EngineRemoved("a")
				require.NotNil(t, p)
				assert.False(t, done)
				require.True(t, tr.Pending("a"))

				p, done = tr.ContentResolved("a")
				require.NotNil(t, p)
				assert.True(t, done)
			} else {
				p, done := tr.ContentResolved("a")
				require.NotNil(t, p)
				assert.False(t, done)
				require.True(t, tr.Pending("a"))

				p, done = tr.EngineRemoved("a")
				require.NotNil(t, p)
				assert.True(t, done)
			}
			assert.False(t, tr.Pending("a"))
			assert.Zero(t, tr.Len())
		})
	}
}

func TestRemovalUnknownID(t *testing.T) {
	tr := NewRemovalTracker()

	p, done := tr.EngineRemoved("ghost")
	assert.Nil(t, p)
	assert.False(t, done)

	p, done = tr.ContentResolved("ghost")
	assert.Nil(t, p)
	assert.False(t, done)
}
