// Package catalog resolves user requests against the media service: it
// expands albums, playlists and mixes into their items and turns an item's
// playback manifest into the ordered list of URLs a transfer must fetch.
package catalog

import (
	"context"
	"fmt"
	"strings"
)

// MediaType identifies what a request points at.
type MediaType string

const (
	MediaTrack    MediaType = "track"
	MediaVideo    MediaType = "video"
	MediaAlbum    MediaType = "album"
	MediaPlaylist MediaType = "playlist"
	MediaMix      MediaType = "mix"
)

// ParseMediaType validates a media type name.
func ParseMediaType(s string) (MediaType, error) {
	switch t := MediaType(strings.ToLower(strings.TrimSpace(s))); t {
	case MediaTrack, MediaVideo, MediaAlbum, MediaPlaylist, MediaMix:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported media type %q", s)
	}
}

// IsList reports whether the type expands into several items.
func (t MediaType) IsList() bool {
	return t == MediaAlbum || t == MediaPlaylist || t == MediaMix
}

// Item is one downloadable track or video with the metadata used to build
// its destination path.
type Item struct {
	Kind            MediaType `json:"kind"`
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Version         string    `json:"version,omitempty"`
	Artists         []string  `json:"artists,omitempty"`
	AlbumID         string    `json:"album_id,omitempty"`
	AlbumTitle      string    `json:"album_title,omitempty"`
	AlbumArtist     string    `json:"album_artist,omitempty"`
	ReleaseDate     string    `json:"release_date,omitempty"`
	TrackNumber     int       `json:"track_number,omitempty"`
	VolumeNumber    int       `json:"volume_number,omitempty"`
	NumberOfVolumes int       `json:"number_of_volumes,omitempty"`
	NumberOfTracks  int       `json:"number_of_tracks,omitempty"`
	DurationSeconds int       `json:"duration,omitempty"`
	ISRC            string    `json:"isrc,omitempty"`
	Explicit        bool      `json:"explicit,omitempty"`
	CoverID         string    `json:"cover_id,omitempty"`
}

// Artist returns the primary artist name.
func (i Item) Artist() string {
	if len(i.Artists) == 0 {
		return i.AlbumArtist
	}
	return i.Artists[0]
}

// FullTitle returns the title with its version suffix, e.g. "Song (Remastered)".
func (i Item) FullTitle() string {
	if i.Version == "" || strings.Contains(i.Title, i.Version) {
		return i.Title
	}
	return fmt.Sprintf("%s (%s)", i.Title, i.Version)
}

// Year returns the four-digit release year, if known.
func (i Item) Year() string {
	if len(i.ReleaseDate) >= 4 {
		return i.ReleaseDate[:4]
	}
	return ""
}

// Collection is the resolved form of a request. Single tracks and videos
// resolve to a collection of one item.
type Collection struct {
	Type    MediaType `json:"type"`
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	CoverID string    `json:"cover_id,omitempty"`
	Items   []Item    `json:"items"`
}

// Stream describes where an item's bytes live. Multi-URL streams are
// segmented and must be concatenated in order.
type Stream struct {
	URLs       []string `json:"urls"`
	MimeType   string   `json:"mime_type,omitempty"`
	Codecs     string   `json:"codecs,omitempty"`
	Extension  string   `json:"extension"`
	Encryption string   `json:"encryption,omitempty"`
}

// Encrypted reports whether the stream needs decrypting after transfer.
func (s *Stream) Encrypted() bool {
	return s.Encryption != "" && !strings.EqualFold(s.Encryption, "NONE")
}

// Segmented reports whether the stream is made of several URLs.
func (s *Stream) Segmented() bool {
	return len(s.URLs) > 1
}

// Resolver looks up collections and streams on the media service.
type Resolver interface {
	// Resolve expands a request into its items, in service order.
	Resolve(ctx context.Context, mediaType MediaType, id string) (*Collection, error)
	// Stream resolves the playback manifest for one item.
	Stream(ctx context.Context, item Item) (*Stream, error)
}

// CoverDimensions are the square sizes the image service serves.
var CoverDimensions = []int{80, 160, 320, 640, 1280}

const coverURLFormat = "https://resources.tidal.com/images/%s/%d.jpg"

// CoverURL builds the image URL for a cover id at the closest supported
// dimension not larger than dim. An empty id yields "".
func CoverURL(coverID string, dim int) string {
	if coverID == "" {
		return ""
	}
	size := CoverDimensions[0]
	for _, d := range CoverDimensions {
		if d <= dim {
			size = d
		}
	}
	return fmt.Sprintf(coverURLFormat, strings.ReplaceAll(coverID, "-", "/"), size)
}

// FileExtension infers a container extension from a stream URL.
func FileExtension(streamURL string) string {
	switch {
	case strings.Contains(streamURL, ".flac"):
		return ".flac"
	case strings.Contains(streamURL, ".mp4"):
		return ".mp4"
	case strings.Contains(streamURL, ".ts"):
		return ".ts"
	default:
		return ".m4a"
	}
}
