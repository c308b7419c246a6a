// Package tagging writes catalog metadata into finished MP4 family files.
package tagging

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/zhaarey/go-mp4tag"

	"github.com/openmusicplayer/mediafetch/internal/download"
	"github.com/openmusicplayer/mediafetch/internal/logger"
)

// extensions lists the containers go-mp4tag can rewrite.
var extensions = map[string]bool{
	".m4a": true,
	".m4b": true,
	".mp4": true,
}

// Writer tags .m4a and .mp4 destinations. Other containers are left alone.
type Writer struct {
	log *logger.Logger
}

func NewWriter(log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Discard()
	}
	return &Writer{log: log.WithComponent("tagging")}
}

// Supports reports whether files with ext can be tagged.
func Supports(ext string) bool {
	return extensions[strings.ToLower(ext)]
}

// Tag writes job's tags into its destination file.
func (w *Writer) Tag(ctx context.Context, job download.JobSnapshot) error {
	if job.Asset.Tags == nil || !Supports(filepath.Ext(job.DestinationPath)) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mp4, err := mp4tag.Open(job.DestinationPath)
	if err != nil {
		return err
	}
	defer mp4.Close()

	if err := mp4.Write(Build(job.Asset.Tags), []string{}); err != nil {
		return err
	}
	w.log.Debug(ctx, "tagged file", logger.Fields{"path": job.DestinationPath})
	return nil
}

// Build converts tags to the atoms go-mp4tag writes.
func Build(tags *download.Tags) *mp4tag.MP4Tags {
	artist := strings.Join(tags.Artists, ", ")
	albumArtist := tags.AlbumArtist
	if albumArtist == "" && len(tags.Artists) > 0 {
		albumArtist = tags.Artists[0]
	}

	t := &mp4tag.MP4Tags{
		Title:       tags.Title,
		Artist:      artist,
		Album:       tags.Album,
		AlbumArtist: albumArtist,
		TrackNumber: int16(tags.TrackNumber),
		TrackTotal:  int16(tags.TrackTotal),
		DiscNumber:  int16(tags.DiscNumber),
		DiscTotal:   int16(tags.DiscTotal),
		Date:        tags.ReleaseDate,
		Custom:      map[string]string{},
	}
	if tags.ISRC != "" {
		t.Custom["ISRC"] = tags.ISRC
	}
	if tags.Explicit {
		t.ItunesAdvisory = mp4tag.ItunesAdvisoryExplicit
	} else {
		t.ItunesAdvisory = mp4tag.ItunesAdvisoryNone
	}
	return t
}
