package playlist

import (
	"bufio"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNotPlaylist = errors.New("not a playlist")
	ErrUnknownType = errors.New("no identifiable playlist type")
)

const (
	tagHeader         = "#EXTM3U"
	tagInf            = "#EXTINF:"
	tagTargetDuration = "#EXT-X-TARGETDURATION:"
	tagByteRange      = "#EXT-X-BYTERANGE:"
	tagMap            = "#EXT-X-MAP:"
	tagEndList        = "#EXT-X-ENDLIST"
	tagStreamInf      = "#EXT-X-STREAM-INF:"
)

// Quoted values may contain commas (CODECS="avc1.4d401f,mp4a.40.2").
var reKeyValue = regexp.MustCompile(`([a-zA-Z0-9_-]+)=("[^"]*"|[^",]+)`)

type pendingSegment struct {
	duration  *float64
	title     string
	byteRange *ByteRange
}

type pendingVariant struct {
	bandwidth  *int
	resolution string
	codecs     string
}

func Parse(data []byte) (Playlist, error) {
	if !utf8.Valid(data) {
		return nil, ErrNotPlaylist
	}
	return ParseString(string(data))
}

func ParseString(content string) (Playlist, error) {
	content = strings.TrimLeftFunc(content, unicode.IsSpace)
	if !strings.HasPrefix(content, tagHeader) {
		return nil, ErrNotPlaylist
	}

	media := &MediaPlaylist{}
	master := &MasterPlaylist{}
	isMaster := false
	hasTargetDuration := false
	var seg pendingSegment
	var variant pendingVariant

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, tagStreamInf):
			isMaster = true
			variant = parseStreamInf(line[len(tagStreamInf):])
		case strings.HasPrefix(line, tagInf):
			seg.duration, seg.title = parseInf(line[len(tagInf):])
		case strings.HasPrefix(line, tagByteRange):
			seg.byteRange = parseByteRange(line[len(tagByteRange):])
		case strings.HasPrefix(line, tagTargetDuration):
			if v, err := strconv.Atoi(strings.TrimSpace(line[len(tagTargetDuration):])); err == nil && v >= 0 {
				media.TargetDuration = v
				hasTargetDuration = true
			}
		case strings.HasPrefix(line, tagMap):
			if m := parseMap(line[len(tagMap):]); m != nil {
				media.Map = m
			}
		case strings.HasPrefix(line, tagEndList):
			media.IsEndList = true
		case strings.HasPrefix(line, "#"):
			// comment or unsupported tag
		default:
			if isMaster {
				if variant.bandwidth != nil {
					master.VariantStreams = append(master.VariantStreams, VariantStream{
						Bandwidth:  *variant.bandwidth,
						Resolution: variant.resolution,
						Codecs:     variant.codecs,
						URL:        line,
					})
				}
				variant = pendingVariant{}
			} else {
				if seg.duration != nil {
					media.Segments = append(media.Segments, MediaSegment{
						Duration:  *seg.duration,
						Title:     seg.title,
						URL:       line,
						ByteRange: seg.byteRange,
					})
				}
				seg = pendingSegment{}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if isMaster {
		return master, nil
	}
	if hasTargetDuration {
		return media, nil
	}
	return nil, ErrUnknownType
}

func parseInf(value string) (*float64, string) {
	parts := strings.SplitN(value, ",", 2)
	var title string
	if len(parts) == 2 {
		title = strings.TrimSpace(parts[1])
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || d < 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return nil, title
	}
	return &d, title
}

func parseByteRange(value string) *ByteRange {
	parts := strings.SplitN(strings.Trim(strings.TrimSpace(value), `"`), "@", 2)
	length, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || length <= 0 {
		return nil
	}
	r := &ByteRange{Length: length}
	if len(parts) == 2 {
		if offset, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil && offset >= 0 {
			r.Offset = &offset
		}
	}
	return r
}

func parseMap(value string) *Map {
	attrs := parseAttributes(value)
	uri, ok := attrs["URI"]
	if !ok || uri == "" {
		return nil
	}
	m := &Map{URL: uri}
	if br, ok := attrs["BYTERANGE"]; ok {
		m.ByteRange = parseByteRange(br)
	}
	return m
}

func parseStreamInf(value string) pendingVariant {
	attrs := parseAttributes(value)
	var v pendingVariant
	if bw, ok := attrs["BANDWIDTH"]; ok {
		if n, err := strconv.Atoi(bw); err == nil && n >= 0 {
			v.bandwidth = &n
		}
	}
	v.resolution = attrs["RESOLUTION"]
	v.codecs = attrs["CODECS"]
	return v
}

func parseAttributes(value string) map[string]string {
	attrs := make(map[string]string)
	for _, match := range reKeyValue.FindAllStringSubmatch(value, -1) {
		attrs[strings.ToUpper(match[1])] = strings.Trim(match[2], `"`)
	}
	return attrs
}
