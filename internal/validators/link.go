package validators

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
)

const canonicalFormat = "https://tidal.com/browse/%s/%s"

var (
	numericID = regexp.MustCompile(`^[0-9]+$`)
	uuidID    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	mixID     = regexp.MustCompile(`^[0-9a-zA-Z]{10,40}$`)
)

// validID checks an id against the shape the service uses for t.
func validID(t catalog.MediaType, id string) bool {
	switch t {
	case catalog.MediaTrack, catalog.MediaVideo, catalog.MediaAlbum:
		return numericID.MatchString(id)
	case catalog.MediaPlaylist:
		return uuidID.MatchString(id)
	case catalog.MediaMix:
		return mixID.MatchString(id)
	}
	return false
}

// LinkValidator handles share links such as
// https://tidal.com/browse/album/123 or https://listen.tidal.com/track/5/u.
type LinkValidator struct{}

func NewLinkValidator() *LinkValidator {
	return &LinkValidator{}
}

func (v *LinkValidator) Name() string {
	return "link"
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "listen.")
	return strings.TrimPrefix(host, "embed.")
}

// CanHandle returns true if the input is a link to the media service.
func (v *LinkValidator) CanHandle(input string) bool {
	parsed, err := url.Parse(strings.TrimSpace(input))
	if err != nil {
		return false
	}
	return normalizeHost(parsed.Host) == "tidal.com"
}

// Validate extracts the media type and id from the link path.
func (v *LinkValidator) Validate(input string) ValidationResult {
	input = strings.TrimSpace(input)

	parsed, err := url.Parse(input)
	if err != nil {
		return invalid(input, "invalid URL format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return invalid(input, "invalid URL scheme")
	}
	if normalizeHost(parsed.Host) != "tidal.com" {
		return invalid(input, "not a supported link")
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) > 0 && segments[0] == "browse" {
		segments = segments[1:]
	}
	// Share links may carry a trailing "/u".
	if len(segments) < 2 {
		return invalid(input, "could not extract media from URL")
	}

	mediaType, err := catalog.ParseMediaType(segments[0])
	if err != nil {
		return invalid(input, err.Error())
	}
	id := segments[1]
	if !validID(mediaType, id) {
		r := invalid(input, fmt.Sprintf("invalid %s id format", mediaType))
		r.MediaType = mediaType
		r.MediaID = id
		return r
	}

	return ValidationResult{
		Valid:     true,
		MediaType: mediaType,
		MediaID:   id,
		Input:     input,
		Canonical: fmt.Sprintf(canonicalFormat, mediaType, id),
	}
}

// ShorthandValidator handles "album/123" and "album:123".
type ShorthandValidator struct{}

func NewShorthandValidator() *ShorthandValidator {
	return &ShorthandValidator{}
}

func (v *ShorthandValidator) Name() string {
	return "shorthand"
}

func splitShorthand(input string) (string, string, bool) {
	if strings.Contains(input, "://") {
		return "", "", false
	}
	if t, id, ok := strings.Cut(input, ":"); ok {
		return t, id, true
	}
	return strings.Cut(input, "/")
}

func (v *ShorthandValidator) CanHandle(input string) bool {
	_, _, ok := splitShorthand(strings.TrimSpace(input))
	return ok
}

func (v *ShorthandValidator) Validate(input string) ValidationResult {
	input = strings.TrimSpace(input)
	t, id, ok := splitShorthand(input)
	if !ok {
		return invalid(input, "expected type/id")
	}
	mediaType, err := catalog.ParseMediaType(t)
	if err != nil {
		return invalid(input, err.Error())
	}
	id = strings.TrimSpace(id)
	if !validID(mediaType, id) {
		r := invalid(input, fmt.Sprintf("invalid %s id format", mediaType))
		r.MediaType = mediaType
		r.MediaID = id
		return r
	}
	return ValidationResult{
		Valid:     true,
		MediaType: mediaType,
		MediaID:   id,
		Input:     input,
		Canonical: fmt.Sprintf(canonicalFormat, mediaType, id),
	}
}
