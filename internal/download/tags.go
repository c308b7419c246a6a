package download

import (
	"context"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

// Tags is the descriptive metadata written into a finished media file.
type Tags struct {
	Title       string   `json:"title"`
	Artists     []string `json:"artists,omitempty"`
	Album       string   `json:"album,omitempty"`
	AlbumArtist string   `json:"album_artist,omitempty"`
	TrackNumber int      `json:"track_number,omitempty"`
	TrackTotal  int      `json:"track_total,omitempty"`
	DiscNumber  int      `json:"disc_number,omitempty"`
	DiscTotal   int      `json:"disc_total,omitempty"`
	ReleaseDate string   `json:"release_date,omitempty"`
	ISRC        string   `json:"isrc,omitempty"`
	Explicit    bool     `json:"explicit,omitempty"`
}

// TagsFor copies the taggable fields of item.
func TagsFor(item catalog.Item) *Tags {
	return &Tags{
		Title:       item.FullTitle(),
		Artists:     item.Artists,
		Album:       item.AlbumTitle,
		AlbumArtist: item.AlbumArtist,
		TrackNumber: item.TrackNumber,
		TrackTotal:  item.NumberOfTracks,
		DiscNumber:  item.VolumeNumber,
		DiscTotal:   item.NumberOfVolumes,
		ReleaseDate: item.ReleaseDate,
		ISRC:        item.ISRC,
		Explicit:    item.Explicit,
	}
}

// Tagger writes a job's tags into its finished destination file.
type Tagger interface {
	Tag(ctx context.Context, job JobSnapshot) error
}

// taggingRunner tags each file its inner runner completes. A tagging failure
// fails the job with metadata_write; the file itself stays in place.
type taggingRunner struct {
	Runner
	tagger Tagger
}

func (r taggingRunner) Run(ctx context.Context, job *Job) error {
	if err := r.Runner.Run(ctx, job); err != nil {
		return err
	}
	snap := job.Snapshot()
	if snap.Asset.Tags == nil {
		return nil
	}
	if err := r.tagger.Tag(ctx, snap); err != nil {
		return apperrors.MetadataWrite(snap.DestinationPath).WithCause(err)
	}
	return nil
}
