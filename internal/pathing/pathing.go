// Package pathing turns item metadata into sanitized destination paths and
// applies the skip-existing policy.
package pathing

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
)

const (
	// Placeholder replaces characters that are invalid in file names.
	Placeholder = "_"
	// UniquifyLimit is the highest " (n)" suffix tried before giving up.
	UniquifyLimit = 99
	// maxComponentBytes keeps each path component within common filesystem limits.
	maxComponentBytes = 255
	// nameReserve leaves room in a file name for a " (99)" uniquifier and
	// the ".part.json" index written beside an unfinished download.
	nameReserve = len(" (99)") + len(".part.json")
)

// DefaultTemplate lays files out as Artist/Album/NN. Title.
const DefaultTemplate = "{artist_name}/{album_title}/{track_volume_num_optional}{album_track_num}. {track_title}"

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// invalidChars are rejected by at least one common filesystem.
var invalidChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// Context carries the list a track was expanded from, if any.
type Context struct {
	ListType  catalog.MediaType
	ListTitle string
	Position  int // 1-based position within the list
	ListSize  int

	// Transliterate strips diacritics from every rendered component.
	Transliterate bool
}

// Format renders template for item. Each path component is sanitized; the
// result is relative and has no extension.
func Format(template string, item catalog.Item, ctx Context) string {
	if template == "" {
		template = DefaultTemplate
	}

	components := strings.Split(filepath.ToSlash(template), "/")
	out := make([]string, 0, len(components))
	for _, component := range components {
		rendered := placeholderRe.ReplaceAllStringFunc(component, func(m string) string {
			return value(m[1:len(m)-1], item, ctx)
		})
		if ctx.Transliterate {
			rendered = Transliterate(rendered)
		}
		if clean := Sanitize(rendered); clean != "" {
			out = append(out, clean)
		}
	}
	if len(out) == 0 {
		return Sanitize(item.ID)
	}
	return filepath.Join(out...)
}

func value(name string, item catalog.Item, ctx Context) string {
	switch name {
	case "artist_name":
		return item.Artist()
	case "artist_names":
		return strings.Join(item.Artists, ", ")
	case "album_artist":
		return firstNonEmpty(item.AlbumArtist, item.Artist())
	case "track_title":
		return item.FullTitle()
	case "track_id":
		return item.ID
	case "track_num", "album_track_num":
		return pad(item.TrackNumber, max(item.NumberOfTracks, 10))
	case "track_volume_num":
		return strconv.Itoa(max(item.VolumeNumber, 1))
	case "track_volume_num_optional":
		if item.NumberOfVolumes > 1 && item.VolumeNumber > 0 {
			return strconv.Itoa(item.VolumeNumber) + "-"
		}
		return ""
	case "track_duration_seconds":
		return strconv.Itoa(item.DurationSeconds)
	case "track_explicit":
		if item.Explicit {
			return " (Explicit)"
		}
		return ""
	case "isrc":
		return item.ISRC
	case "album_title":
		return firstNonEmpty(item.AlbumTitle, ctx.ListTitle)
	case "album_year":
		return item.Year()
	case "album_num_volumes":
		return strconv.Itoa(max(item.NumberOfVolumes, 1))
	case "list_name", "playlist_name", "mix_name":
		return ctx.ListTitle
	case "list_pos":
		return pad(ctx.Position, max(ctx.ListSize, 10))
	case "media_type":
		return string(item.Kind)
	default:
		return ""
	}
}

func pad(n, total int) string {
	width := len(strconv.Itoa(total))
	return fmt.Sprintf("%0*d", width, n)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Sanitize makes s safe to use as a single path component.
func Sanitize(s string) string {
	s = norm.NFC.String(s)
	s = invalidChars.ReplaceAllString(s, Placeholder)
	s = strings.Map(func(r rune) rune {
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ". ")

	if s == "." || s == ".." {
		return Placeholder
	}
	return truncate(s, maxComponentBytes)
}

// Transliterate strips diacritics, for filesystems that mangle them.
func Transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return strings.TrimSpace(s)
}

// Join builds the absolute destination for a rendered relative path,
// keeping the file name within component limits after adding ext and any
// suffix a later uniquify or partial download appends.
func Join(root, relative, ext string) string {
	dir, name := filepath.Split(relative)
	name = truncate(name, maxComponentBytes-len(ext)-nameReserve)
	return filepath.Join(root, dir, name+ext)
}

// Exists reports whether path is an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
