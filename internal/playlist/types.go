// Package playlist models and parses M3U8 documents.
package playlist

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ByteRange is a sub-range of a resource. A nil Offset means the range starts
// immediately after the previous one.
type ByteRange struct {
	Length int64
	Offset *int64
}

// Start returns the explicit offset, or fallback when none was declared.
func (r ByteRange) Start(fallback int64) int64 {
	if r.Offset != nil {
		return *r.Offset
	}
	return fallback
}

// Extent is offset+length, with a missing offset counted as 0.
func (r ByteRange) Extent() int64 {
	return r.Start(0) + r.Length
}

func (r ByteRange) String() string {
	if r.Offset == nil {
		return strconv.FormatInt(r.Length, 10)
	}
	return fmt.Sprintf("%d@%d", r.Length, *r.Offset)
}

type MediaSegment struct {
	Duration  float64
	Title     string
	URL       string
	ByteRange *ByteRange
}

// Fingerprint derives the on-disk cache key for the segment from its URL and
// byte range. It is only meaningful within one process run.
func (s MediaSegment) Fingerprint() string {
	return Fingerprint(s.URL, s.ByteRange)
}

// Fingerprint hashes a resource URL and optional byte range. Callers should
// pass a range with its offset resolved so implicit ranges do not collide.
func Fingerprint(url string, r *ByteRange) string {
	d := xxhash.New()
	_, _ = d.WriteString(url)
	if r != nil {
		_, _ = d.WriteString("#" + r.String())
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// Map is the shared initialization section prepended to every segment.
type Map struct {
	URL       string
	ByteRange *ByteRange
}

type VariantStream struct {
	Bandwidth  int
	Resolution string
	Codecs     string
	URL        string
}

type Type int

const (
	Media Type = iota
	Master
)

func (t Type) String() string {
	if t == Master {
		return "master"
	}
	return "media"
}

// Playlist is either a *MediaPlaylist or a *MasterPlaylist.
type Playlist interface {
	Type() Type
}

type MediaPlaylist struct {
	TargetDuration int
	Segments       []MediaSegment
	IsEndList      bool
	Map            *Map
}

func (*MediaPlaylist) Type() Type { return Media }

type MasterPlaylist struct {
	VariantStreams []VariantStream
}

func (*MasterPlaylist) Type() Type { return Master }
