package catalog

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestParseBTS(t *testing.T) {
	manifest := b64(`{"mimeType":"audio/flac","codecs":"flac","encryptionType":"NONE","urls":["https://cdn.example/track.flac?token=x"]}`)

	s, err := ParseBTS(manifest)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://cdn.example/track.flac?token=x"}, s.URLs)
	assert.Equal(t, ".flac", s.Extension)
	assert.Equal(t, "flac", s.Codecs)
	assert.False(t, s.Encrypted())
	assert.False(t, s.Segmented())
}

func TestParseBTS_Encrypted(t *testing.T) {
	manifest := b64(`{"mimeType":"audio/mp4","codecs":"mp4a.40.2","encryptionType":"OLD_AES","encryptionKey":"abc","urls":["https://cdn.example/a.mp4"]}`)

	s, err := ParseBTS(manifest)
	require.NoError(t, err)
	assert.True(t, s.Encrypted())
}

func TestParseBTS_Invalid(t *testing.T) {
	_, err := ParseBTS("not base64!!")
	assert.Equal(t, apperrors.CodeInvalidResponse, apperrors.CodeOf(err))

	_, err = ParseBTS(b64(`{"urls":[]}`))
	assert.Equal(t, apperrors.CodeInvalidResponse, apperrors.CodeOf(err))
}

const testMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" profiles="urn:mpeg:dash:profile:isoff-main:2011" type="static">
  <Period id="0">
    <AdaptationSet id="0" contentType="audio" mimeType="audio/mp4" segmentAlignment="true">
      <Representation id="FLAC" codecs="flac" bandwidth="1411200" audioSamplingRate="44100">
        <SegmentTemplate timescale="44100" initialization="https://sp.example/$RepresentationID$/0.mp4" media="https://sp.example/$RepresentationID$/$Number$.mp4" startNumber="1">
          <SegmentTimeline>
            <S d="176128" r="3"/>
            <S d="90000"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseDASH(t *testing.T) {
	s, err := ParseDASH(b64(testMPD))
	require.NoError(t, err)

	want := []string{
		"https://sp.example/FLAC/0.mp4",
		"https://sp.example/FLAC/1.mp4",
		"https://sp.example/FLAC/2.mp4",
		"https://sp.example/FLAC/3.mp4",
		"https://sp.example/FLAC/4.mp4",
		"https://sp.example/FLAC/5.mp4",
	}
	assert.Equal(t, want, s.URLs)
	assert.Equal(t, "audio/mp4", s.MimeType)
	assert.Equal(t, "flac", s.Codecs)
	assert.Equal(t, ".mp4", s.Extension)
	assert.True(t, s.Segmented())
}

func TestParseDASH_NoTemplate(t *testing.T) {
	doc := `<MPD><Period><AdaptationSet mimeType="audio/mp4"><Representation id="x"/></AdaptationSet></Period></MPD>`
	_, err := ParseDASH(b64(doc))
	assert.Equal(t, apperrors.CodeInvalidResponse, apperrors.CodeOf(err))
}

const testMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
360/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"
720/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
1080/index.m3u8
`

func TestSelectVariant(t *testing.T) {
	base, _ := url.Parse("https://cdn.example/v/master.m3u8")

	tests := []struct {
		maxHeight int
		wantURL   string
	}{
		{1080, "https://cdn.example/v/1080/index.m3u8"},
		{720, "https://cdn.example/v/720/index.m3u8"},
		{480, "https://cdn.example/v/360/index.m3u8"},
		{240, "https://cdn.example/v/360/index.m3u8"},
	}

	for _, tt := range tests {
		v, err := SelectVariant(strings.NewReader(testMaster), base, tt.maxHeight)
		require.NoError(t, err)
		assert.Equal(t, tt.wantURL, v.URL, "maxHeight=%d", tt.maxHeight)
	}
}

const testMedia = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXT-X-ENDLIST
`

func TestMediaSegments(t *testing.T) {
	base, _ := url.Parse("https://cdn.example/v/720/index.m3u8")

	urls, err := MediaSegments(strings.NewReader(testMedia), base)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example/v/720/seg0.ts",
		"https://cdn.example/v/720/seg1.ts",
		"https://cdn.example/v/720/seg2.ts",
	}, urls)
}

func TestMediaSegments_RejectsMaster(t *testing.T) {
	_, err := MediaSegments(strings.NewReader(testMaster), nil)
	assert.Equal(t, apperrors.CodeInvalidResponse, apperrors.CodeOf(err))
}

func TestFileExtension(t *testing.T) {
	assert.Equal(t, ".flac", FileExtension("https://x/a.flac?t=1"))
	assert.Equal(t, ".mp4", FileExtension("https://x/a.mp4"))
	assert.Equal(t, ".ts", FileExtension("https://x/seg.ts"))
	assert.Equal(t, ".m4a", FileExtension("https://x/stream"))
}

func TestCoverURL(t *testing.T) {
	assert.Equal(t, "https://resources.tidal.com/images/ab/cd/ef/1280.jpg", CoverURL("ab-cd-ef", 1280))
	assert.Equal(t, "https://resources.tidal.com/images/ab/cd/640.jpg", CoverURL("ab-cd", 1000))
	assert.Equal(t, "https://resources.tidal.com/images/ab/80.jpg", CoverURL("ab", 10))
	assert.Empty(t, CoverURL("", 320))
}

func TestParseMediaType(t *testing.T) {
	mt, err := ParseMediaType(" Album ")
	require.NoError(t, err)
	assert.Equal(t, MediaAlbum, mt)
	assert.True(t, mt.IsList())

	_, err = ParseMediaType("podcast")
	assert.Error(t, err)
}
