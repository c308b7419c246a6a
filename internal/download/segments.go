package download

import (
	"errors"
	"io/fs"
	"os"

	"github.com/goccy/go-json"
)

// IndexSuffix names the file beside a segmented asset's partial file that
// records how many segments it already holds.
const IndexSuffix = ".json"

// segmentIndex is the on-disk record of finished segments. Bytes in the
// partial file past Offset belong to segment Done.
type segmentIndex struct {
	Segments int   `json:"segments"`
	Done     int   `json:"done"`
	Offset   int64 `json:"offset"`
}

// loadSegmentIndex reads the index beside part. It reports false when the
// index is missing, unreadable or was written for a different segment list.
func loadSegmentIndex(part string, segments int) (segmentIndex, bool) {
	data, err := os.ReadFile(part + IndexSuffix)
	if err != nil {
		return segmentIndex{}, false
	}
	var idx segmentIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return segmentIndex{}, false
	}
	if idx.Segments != segments || idx.Done < 0 || idx.Done > segments || idx.Offset < 0 {
		return segmentIndex{}, false
	}
	return idx, true
}

// saveSegmentIndex replaces the index beside part atomically.
func saveSegmentIndex(part string, idx segmentIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := part + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, part+IndexSuffix)
}

func removeSegmentIndex(part string) error {
	if err := os.Remove(part + IndexSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
