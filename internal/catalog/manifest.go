package catalog

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/grafov/m3u8"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

// Manifest MIME types returned by the playback-info endpoints.
const (
	MimeDASH = "application/dash+xml"
	MimeBTS  = "application/vnd.tidal.bts"
	MimeEMU  = "application/vnd.tidal.emu"
	MimeHLS  = "application/vnd.apple.mpegurl"
)

// btsManifest is the decoded form of a vnd.tidal.bts manifest.
type btsManifest struct {
	MimeType       string   `json:"mimeType"`
	Codecs         string   `json:"codecs"`
	EncryptionType string   `json:"encryptionType"`
	EncryptionKey  string   `json:"encryptionKey,omitempty"`
	URLs           []string `json:"urls"`
}

func decodeBase64(manifest string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(manifest))
	if err != nil {
		return nil, apperrors.InvalidResponse("manifest is not valid base64").WithCause(err)
	}
	return data, nil
}

// ParseBTS decodes a base64 JSON manifest listing direct file URLs.
func ParseBTS(manifest string) (*Stream, error) {
	data, err := decodeBase64(manifest)
	if err != nil {
		return nil, err
	}

	var m btsManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.InvalidResponse("failed to decode bts manifest").WithCause(err)
	}
	if len(m.URLs) == 0 {
		return nil, apperrors.InvalidResponse("bts manifest has no urls")
	}

	return &Stream{
		URLs:       m.URLs,
		MimeType:   m.MimeType,
		Codecs:     m.Codecs,
		Extension:  FileExtension(m.URLs[0]),
		Encryption: m.EncryptionType,
	}, nil
}

// emuManifest wraps the HLS master playlist URL for videos.
type emuManifest struct {
	MimeType string   `json:"mimeType"`
	URLs     []string `json:"urls"`
}

// ParseEMU returns the master playlist URL embedded in a video manifest.
func ParseEMU(manifest string) (string, error) {
	data, err := decodeBase64(manifest)
	if err != nil {
		return "", err
	}
	var m emuManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", apperrors.InvalidResponse("failed to decode emu manifest").WithCause(err)
	}
	if len(m.URLs) == 0 {
		return "", apperrors.InvalidResponse("emu manifest has no urls")
	}
	return m.URLs[0], nil
}

type mpd struct {
	Periods []struct {
		AdaptationSets []struct {
			MimeType        string `xml:"mimeType,attr"`
			Representations []struct {
				ID              string           `xml:"id,attr"`
				Codecs          string           `xml:"codecs,attr"`
				Bandwidth       int              `xml:"bandwidth,attr"`
				SegmentTemplate *segmentTemplate `xml:"SegmentTemplate"`
			} `xml:"Representation"`
		} `xml:"AdaptationSet"`
	} `xml:"Period"`
}

type segmentTemplate struct {
	Initialization string `xml:"initialization,attr"`
	Media          string `xml:"media,attr"`
	StartNumber    *int   `xml:"startNumber,attr"`
	Timeline       []struct {
		Duration int64 `xml:"d,attr"`
		Repeat   int   `xml:"r,attr"`
	} `xml:"SegmentTimeline>S"`
}

// ParseDASH decodes a base64 MPD with a single SegmentTemplate and expands
// it into the initialization URL followed by every media segment URL.
func ParseDASH(manifest string) (*Stream, error) {
	data, err := decodeBase64(manifest)
	if err != nil {
		return nil, err
	}

	var doc mpd
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, apperrors.InvalidResponse("failed to parse mpd").WithCause(err)
	}
	if len(doc.Periods) == 0 || len(doc.Periods[0].AdaptationSets) == 0 ||
		len(doc.Periods[0].AdaptationSets[0].Representations) == 0 {
		return nil, apperrors.InvalidResponse("mpd has no representation")
	}

	set := doc.Periods[0].AdaptationSets[0]
	rep := set.Representations[0]
	tmpl := rep.SegmentTemplate
	if tmpl == nil || tmpl.Media == "" {
		return nil, apperrors.InvalidResponse("mpd representation has no segment template")
	}

	expand := func(s string, number int) string {
		s = strings.ReplaceAll(s, "$RepresentationID$", rep.ID)
		s = strings.ReplaceAll(s, "$Bandwidth$", strconv.Itoa(rep.Bandwidth))
		return strings.ReplaceAll(s, "$Number$", strconv.Itoa(number))
	}

	count := 0
	for _, s := range tmpl.Timeline {
		count += 1 + max(s.Repeat, 0)
	}
	if count == 0 {
		return nil, apperrors.InvalidResponse("mpd segment timeline is empty")
	}

	start := 1
	if tmpl.StartNumber != nil {
		start = *tmpl.StartNumber
	}

	urls := make([]string, 0, count+1)
	if tmpl.Initialization != "" {
		urls = append(urls, expand(tmpl.Initialization, start))
	}
	for n := start; n < start+count; n++ {
		urls = append(urls, expand(tmpl.Media, n))
	}

	return &Stream{
		URLs:      urls,
		MimeType:  set.MimeType,
		Codecs:    rep.Codecs,
		Extension: FileExtension(urls[len(urls)-1]),
	}, nil
}

// Variant is one rendition of an HLS master playlist.
type Variant struct {
	URL    string
	Height int
	Codecs string
}

// SelectVariant parses a master playlist and picks the tallest rendition not
// exceeding maxHeight, or the shortest one when all exceed it.
func SelectVariant(r io.Reader, base *url.URL, maxHeight int) (*Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, apperrors.InvalidResponse("failed to parse hls playlist").WithCause(err)
	}
	if listType != m3u8.MASTER {
		return nil, apperrors.InvalidResponse("expected hls master playlist")
	}
	master := playlist.(*m3u8.MasterPlaylist)

	var best, lowest *Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		candidate := &Variant{
			URL:    resolveURI(base, v.URI),
			Height: resolutionHeight(v.Resolution),
			Codecs: v.Codecs,
		}
		if lowest == nil || candidate.Height < lowest.Height {
			lowest = candidate
		}
		if candidate.Height <= maxHeight && (best == nil || candidate.Height > best.Height) {
			best = candidate
		}
	}

	if best == nil {
		best = lowest
	}
	if best == nil {
		return nil, apperrors.InvalidResponse("hls master playlist has no variants")
	}
	return best, nil
}

// MediaSegments parses a media playlist into absolute segment URLs, with the
// EXT-X-MAP initialization section first when present.
func MediaSegments(r io.Reader, base *url.URL) ([]string, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, apperrors.InvalidResponse("failed to parse hls playlist").WithCause(err)
	}
	if listType != m3u8.MEDIA {
		return nil, apperrors.InvalidResponse("expected hls media playlist")
	}
	media := playlist.(*m3u8.MediaPlaylist)

	var urls []string
	if media.Map != nil && media.Map.URI != "" {
		urls = append(urls, resolveURI(base, media.Map.URI))
	}
	for _, seg := range media.Segments {
		// Segments is a ring buffer padded with nil entries.
		if seg == nil {
			continue
		}
		if seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
			return nil, apperrors.InvalidResponse(fmt.Sprintf("hls segment encrypted with %s", seg.Key.Method))
		}
		urls = append(urls, resolveURI(base, seg.URI))
	}
	if len(urls) == 0 {
		return nil, apperrors.InvalidResponse("hls media playlist has no segments")
	}
	return urls, nil
}

func resolveURI(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func resolutionHeight(resolution string) int {
	_, h, ok := strings.Cut(resolution, "x")
	if !ok {
		return 0
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return height
}
