// Package source wraps one resolved media playlist with time and byte-offset
// lookups.
package source

import (
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/tanq16/hlsplay/internal/playlist"
	"github.com/tanq16/hlsplay/internal/utils"
)

type Source struct {
	Playlist   *playlist.MediaPlaylist
	BaseURL    *url.URL
	Bandwidth  int // bits/sec, 0 when the master playlist did not declare one
	Resolution string
	Codecs     string
	// VariantIndex is the position of the variant in its master playlist, or
	// -1 for a source built from a bare media playlist.
	VariantIndex int
}

func New(pl *playlist.MediaPlaylist, baseURL *url.URL) *Source {
	return &Source{Playlist: pl, BaseURL: baseURL, VariantIndex: -1}
}

func (s *Source) HasBandwidth() bool {
	return s.Bandwidth > 0
}

func (s *Source) SegmentCount() int {
	return len(s.Playlist.Segments)
}

func (s *Source) TotalDuration() float64 {
	total := 0.0
	for _, seg := range s.Playlist.Segments {
		total += seg.Duration
	}
	return total
}

// SegmentIndexForTime returns the first segment whose cumulative end time is
// at or past t.
func (s *Source) SegmentIndexForTime(t float64) (int, bool) {
	total := 0.0
	for i, seg := range s.Playlist.Segments {
		if total+seg.Duration >= t {
			return i, true
		}
		total += seg.Duration
	}
	return 0, false
}

// TotalDurationBefore sums the durations of segments [0, index).
func (s *Source) TotalDurationBefore(index int) (float64, bool) {
	if index <= 0 {
		return 0, true
	}
	if index > len(s.Playlist.Segments) {
		return 0, false
	}
	total := 0.0
	for _, seg := range s.Playlist.Segments[:index] {
		total += seg.Duration
	}
	return total, true
}

// ByteOffsetBefore is the implicit start of segment index's byte range. The
// first segment starts at 0; later ones start at the end of the map's range
// plus the lengths of every earlier segment range.
func (s *Source) ByteOffsetBefore(index int) (int64, bool) {
	if index <= 0 {
		return 0, true
	}
	if index > len(s.Playlist.Segments) {
		return 0, false
	}
	var offset int64
	if m := s.Playlist.Map; m != nil && m.ByteRange != nil {
		offset = m.ByteRange.Extent()
	}
	for _, seg := range s.Playlist.Segments[:index] {
		if seg.ByteRange != nil {
			offset += seg.ByteRange.Length
		}
	}
	return offset, true
}

func (s *Source) SegmentURL(index int) (string, error) {
	u, err := utils.ResolveURL(s.BaseURL, s.Playlist.Segments[index].URL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *Source) MapURL() (string, error) {
	u, err := utils.ResolveURL(s.BaseURL, s.Playlist.Map.URL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// ResolutionSize parses the "WxH" resolution attribute.
func (s *Source) ResolutionSize() (width, height int, ok bool) {
	w, h, found := strings.Cut(strings.ToLower(s.Resolution), "x")
	if !found {
		return 0, 0, false
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil || width <= 0 {
		return 0, 0, false
	}
	height, err = strconv.Atoi(strings.TrimSpace(h))
	if err != nil || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

// Equal reports structural equality; two nil sources are equal.
func (s *Source) Equal(other *Source) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s, other)
}
