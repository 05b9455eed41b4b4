package uploader

import (
	"fmt"
	"time"

	"logship/internal/fileutil"
	"logship/internal/queue"
)

// RemoteKey builds the deterministic object key for an entry:
// {vehicle_id}/{YYYY-MM-DD}/{label}/{relative_path}. The date segment comes
// from the file's own modification time, never the upload wall clock, so
// re-processing an entry always lands on the same key.
func RemoteKey(vehicleID string, entry *queue.Entry) (string, error) {
	rel, err := fileutil.SafeRelPath(entry.Root, entry.Identity.Path)
	if err != nil {
		return "", err
	}
	date := entry.Identity.ModTime.UTC().Format(time.DateOnly)
	return fmt.Sprintf("%s/%s/%s/%s", vehicleID, date, entry.Label, rel), nil
}
