package player

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tanq16/hlsplay/internal/playlist"
	"github.com/tanq16/hlsplay/internal/source"
)

func variant(index, bandwidth int) *source.Source {
	return &source.Source{
		Playlist:     &playlist.MediaPlaylist{TargetDuration: 4},
		Bandwidth:    bandwidth,
		VariantIndex: index,
	}
}

func TestSelectBest(t *testing.T) {
	low := variant(2, 200_000)
	mid := variant(1, 500_000)
	high := variant(0, 1_000_000)
	unknown := variant(3, 0)
	sources := []*source.Source{mid, unknown, low, high}

	tests := []struct {
		name   string
		target int
		want   *source.Source
	}{
		{"exact match", 500_000, mid},
		{"between variants", 900_000, mid},
		{"above all", 10_000_000, high},
		{"below all falls back to lowest", 100_000, low},
		{"zero target", 0, low},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, SelectBest(sources, tt.target))
		})
	}
}

func TestSelectBestIsIdempotent(t *testing.T) {
	sources := []*source.Source{variant(0, 300), variant(1, 300), variant(2, 100)}
	first := SelectBest(sources, 500)
	for range 10 {
		assert.Same(t, first, SelectBest(sources, 500))
	}
	assert.Equal(t, 0, first.VariantIndex)
}

func TestSelectBestWithoutBandwidth(t *testing.T) {
	only := variant(-1, 0)
	assert.Same(t, only, SelectBest([]*source.Source{only}, 1_000_000))
	assert.Nil(t, SelectBest(nil, 1000))
}

func TestSelectFirst(t *testing.T) {
	a := variant(2, 100)
	b := variant(0, 50)
	c := variant(1, 900)
	assert.Same(t, b, SelectFirst([]*source.Source{a, b, c}))
	assert.Nil(t, SelectFirst(nil))
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		on   trigger
		want State
	}{
		{StateIdle, triggerPrepare, StateResolving},
		{StateIdle, triggerResolved, StateIdle},
		{StateResolving, triggerPrepare, StateResolving},
		{StateResolving, triggerResolved, StateReady},
		{StateResolving, triggerFailed, StateFailed},
		{StateFailed, triggerPrepare, StateResolving},
		{StateReady, triggerPrepare, StateReady},
		{StateReady, triggerFailed, StateReady},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, transition(tt.from, tt.on), "%s on %d", tt.from, tt.on)
	}
}
