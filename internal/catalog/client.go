package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/ratelimit"
)

const (
	DefaultBaseURL      = "https://api.tidal.com/v1"
	DefaultTimeout      = 45 * time.Second
	DefaultAudioQuality = "HI_RES_LOSSLESS"
	defaultPageSize     = 100
	pageConcurrency     = 4
	maxBodySize         = 16 << 20
)

// ClientConfig configures the HTTP catalog client.
type ClientConfig struct {
	BaseURL       string
	Token         string
	CountryCode   string
	AudioQuality  string
	VideoQuality  int
	IncludeVideos bool
	Timeout       time.Duration
	PageSize      int

	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Retry      *apperrors.RetryConfig
	Logger     *logger.Logger
}

// Client resolves requests against the media service's JSON API.
type Client struct {
	cfg    ClientConfig
	base   *url.URL
	http   *http.Client
	log    *logger.Logger
	retry  *apperrors.RetryConfig
	paging int
}

// NewClient creates a catalog client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog base url: %w", err)
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "US"
	}
	if cfg.AudioQuality == "" {
		cfg.AudioQuality = DefaultAudioQuality
	}
	if cfg.VideoQuality <= 0 {
		cfg.VideoQuality = 1080
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = apperrors.CatalogRetryConfig()
	}
	paging := cfg.PageSize
	if paging <= 0 {
		paging = defaultPageSize
	}

	return &Client{
		cfg:    cfg,
		base:   base,
		http:   httpClient,
		log:    log.WithComponent("catalog"),
		retry:  retry,
		paging: paging,
	}, nil
}

// Resolve expands a request into its items.
func (c *Client) Resolve(ctx context.Context, mediaType MediaType, id string) (*Collection, error) {
	if id == "" {
		return nil, apperrors.ValidationError("media id is required")
	}

	switch mediaType {
	case MediaTrack:
		return c.single(ctx, MediaTrack, "tracks/"+url.PathEscape(id))
	case MediaVideo:
		return c.single(ctx, MediaVideo, "videos/"+url.PathEscape(id))
	case MediaAlbum:
		return c.album(ctx, id)
	case MediaPlaylist:
		return c.playlist(ctx, id)
	case MediaMix:
		return c.mix(ctx, id)
	default:
		return nil, apperrors.UnsupportedMedia(string(mediaType))
	}
}

func (c *Client) single(ctx context.Context, kind MediaType, path string) (*Collection, error) {
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	item := parseItem(gjson.ParseBytes(body), kind)
	return &Collection{
		Type:    kind,
		ID:      item.ID,
		Title:   item.FullTitle(),
		CoverID: item.CoverID,
		Items:   []Item{item},
	}, nil
}

func (c *Client) album(ctx context.Context, id string) (*Collection, error) {
	body, err := c.get(ctx, "albums/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	meta := gjson.ParseBytes(body)

	items, err := c.items(ctx, "albums/"+url.PathEscape(id)+"/items")
	if err != nil {
		return nil, err
	}

	// Album item payloads omit some album fields; fill them from the album.
	for i := range items {
		if items[i].AlbumTitle == "" {
			items[i].AlbumTitle = meta.Get("title").String()
		}
		if items[i].AlbumArtist == "" {
			items[i].AlbumArtist = meta.Get("artist.name").String()
		}
		if items[i].ReleaseDate == "" {
			items[i].ReleaseDate = meta.Get("releaseDate").String()
		}
		if items[i].CoverID == "" {
			items[i].CoverID = meta.Get("cover").String()
		}
		items[i].NumberOfTracks = int(meta.Get("numberOfTracks").Int())
		items[i].NumberOfVolumes = int(meta.Get("numberOfVolumes").Int())
	}

	return &Collection{
		Type:    MediaAlbum,
		ID:      id,
		Title:   meta.Get("title").String(),
		CoverID: meta.Get("cover").String(),
		Items:   items,
	}, nil
}

func (c *Client) playlist(ctx context.Context, id string) (*Collection, error) {
	body, err := c.get(ctx, "playlists/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	meta := gjson.ParseBytes(body)

	items, err := c.items(ctx, "playlists/"+url.PathEscape(id)+"/items")
	if err != nil {
		return nil, err
	}

	return &Collection{
		Type:    MediaPlaylist,
		ID:      id,
		Title:   meta.Get("title").String(),
		CoverID: lo.CoalesceOrEmpty(meta.Get("squareImage").String(), meta.Get("image").String()),
		Items:   items,
	}, nil
}

func (c *Client) mix(ctx context.Context, id string) (*Collection, error) {
	items, err := c.items(ctx, "mixes/"+url.PathEscape(id)+"/items")
	if err != nil {
		return nil, err
	}
	return &Collection{
		Type:  MediaMix,
		ID:    id,
		Title: "Mix " + id,
		Items: items,
	}, nil
}

// items fetches every page of a list endpoint. The first page reports the
// total; the rest are fetched concurrently and reassembled in order.
func (c *Client) items(ctx context.Context, path string) ([]Item, error) {
	first, err := c.page(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	total := int(first.Get("totalNumberOfItems").Int())

	pages := [][]Item{c.pageItems(first)}
	if total > c.paging {
		offsets := lo.RangeWithSteps(c.paging, total, c.paging)
		rest := make([][]Item, len(offsets))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pageConcurrency)
		for i, offset := range offsets {
			g.Go(func() error {
				res, err := c.page(gctx, path, offset)
				if err != nil {
					return err
				}
				rest[i] = c.pageItems(res)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		pages = append(pages, rest...)
	}

	return lo.Flatten(pages), nil
}

func (c *Client) page(ctx context.Context, path string, offset int) (gjson.Result, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.paging))
	params.Set("offset", strconv.Itoa(offset))
	body, err := c.get(ctx, path, params)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

func (c *Client) pageItems(page gjson.Result) []Item {
	entries := page.Get("items").Array()
	entries = lo.Filter(entries, func(e gjson.Result, _ int) bool {
		switch e.Get("type").String() {
		case "track", "":
			return true
		case "video":
			return c.cfg.IncludeVideos
		default:
			return false
		}
	})
	return lo.Map(entries, func(e gjson.Result, _ int) Item {
		kind := MediaTrack
		if e.Get("type").String() == "video" {
			kind = MediaVideo
		}
		if inner := e.Get("item"); inner.Exists() {
			return parseItem(inner, kind)
		}
		return parseItem(e, kind)
	})
}

func parseItem(r gjson.Result, kind MediaType) Item {
	artists := lo.Map(r.Get("artists").Array(), func(a gjson.Result, _ int) string {
		return a.Get("name").String()
	})
	if len(artists) == 0 {
		if name := r.Get("artist.name").String(); name != "" {
			artists = []string{name}
		}
	}

	return Item{
		Kind:            kind,
		ID:              r.Get("id").String(),
		Title:           r.Get("title").String(),
		Version:         r.Get("version").String(),
		Artists:         artists,
		AlbumID:         r.Get("album.id").String(),
		AlbumTitle:      r.Get("album.title").String(),
		AlbumArtist:     r.Get("album.artist.name").String(),
		ReleaseDate:     lo.CoalesceOrEmpty(r.Get("album.releaseDate").String(), r.Get("releaseDate").String()),
		TrackNumber:     int(r.Get("trackNumber").Int()),
		VolumeNumber:    int(r.Get("volumeNumber").Int()),
		DurationSeconds: int(r.Get("duration").Int()),
		ISRC:            r.Get("isrc").String(),
		Explicit:        r.Get("explicit").Bool(),
		CoverID:         lo.CoalesceOrEmpty(r.Get("album.cover").String(), r.Get("imageId").String()),
	}
}

// Stream resolves the playback manifest for an item.
func (c *Client) Stream(ctx context.Context, item Item) (*Stream, error) {
	params := url.Values{}
	params.Set("playbackmode", "STREAM")
	params.Set("assetpresentation", "FULL")

	var path string
	switch item.Kind {
	case MediaVideo:
		path = "videos/" + url.PathEscape(item.ID) + "/playbackinfopostpaywall"
		params.Set("videoquality", "HIGH")
	default:
		path = "tracks/" + url.PathEscape(item.ID) + "/playbackinfopostpaywall"
		params.Set("audioquality", c.cfg.AudioQuality)
	}

	body, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	info := gjson.ParseBytes(body)
	mimeType := info.Get("manifestMimeType").String()
	manifest := info.Get("manifest").String()

	switch mimeType {
	case MimeBTS:
		return ParseBTS(manifest)
	case MimeDASH:
		return ParseDASH(manifest)
	case MimeEMU:
		master, err := ParseEMU(manifest)
		if err != nil {
			return nil, err
		}
		return c.hls(ctx, master)
	case MimeHLS:
		return c.hls(ctx, manifest)
	default:
		return nil, apperrors.InvalidResponse(fmt.Sprintf("unknown manifest type %q", mimeType))
	}
}

// hls resolves a master playlist into the segment URLs of one variant.
func (c *Client) hls(ctx context.Context, masterURL string) (*Stream, error) {
	base, err := url.Parse(masterURL)
	if err != nil {
		return nil, apperrors.InvalidResponse("invalid master playlist url").WithCause(err)
	}

	masterBody, err := c.fetch(ctx, masterURL)
	if err != nil {
		return nil, err
	}
	variant, err := SelectVariant(bytes.NewReader(masterBody), base, c.cfg.VideoQuality)
	if err != nil {
		return nil, err
	}

	mediaBase, err := url.Parse(variant.URL)
	if err != nil {
		return nil, apperrors.InvalidResponse("invalid media playlist url").WithCause(err)
	}
	mediaBody, err := c.fetch(ctx, variant.URL)
	if err != nil {
		return nil, err
	}
	urls, err := MediaSegments(bytes.NewReader(mediaBody), mediaBase)
	if err != nil {
		return nil, err
	}

	return &Stream{
		URLs:      urls,
		MimeType:  "video/mp2t",
		Codecs:    variant.Codecs,
		Extension: FileExtension(urls[len(urls)-1]),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("countryCode", c.cfg.CountryCode)
	u.RawQuery = q.Encode()

	body, err := c.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.InvalidResponse(fmt.Sprintf("%s: response is not valid json", path))
	}
	return body, nil
}

// fetch performs a rate-limited GET with retries and returns the body.
func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return apperrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.cfg.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, apperrors.InternalError("failed to build catalog request").WithCause(err)
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apperrors.ExternalTimeout("catalog").WithCause(err)
			}
			return nil, apperrors.Transient("catalog request failed").WithCause(err)
		}
		defer resp.Body.Close()

		if appErr := apperrors.ClassifyHTTPStatus(resp.StatusCode, req.URL.Path); appErr != nil {
			c.log.Debug(ctx, "catalog request rejected", logger.Fields{
				"path":   req.URL.Path,
				"status": resp.StatusCode,
			})
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, appErr
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, apperrors.Transient("failed to read catalog response").WithCause(err)
		}
		return body, nil
	})
}
