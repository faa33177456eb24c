package playlist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// Tags holds the track identities readable from an audio file's metadata.
type Tags struct {
	Title  string
	Artist string
	ISRC   string
}

// ReadTags reads title, artist, and ISRC from the file's metadata. Files with
// no readable tags return empty Tags and no error; the caller falls back to
// filename-derived metadata.
func ReadTags(path string) (Tags, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to open track: %w", err)
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return Tags{}, nil
	}

	t := Tags{
		Title:  meta.Title(),
		Artist: meta.Artist(),
	}

	// ISRC has no first-class accessor; look it up in the raw frame map
	// under the ids the common formats use.
	for key, value := range meta.Raw() {
		upper := strings.ToUpper(key)
		if upper == "TSRC" || upper == "ISRC" || strings.HasSuffix(upper, ":ISRC") {
			if s, ok := value.(string); ok {
				t.ISRC = strings.TrimSpace(s)
				break
			}
		}
	}

	return t, nil
}

// FallbackQuery derives title and artist from a file path shaped like
// "Artist - Title.ext" when no tags are present.
func FallbackQuery(path string) (title, artist string) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if idx := strings.Index(base, " - "); idx >= 0 {
		return strings.TrimSpace(base[idx+3:]), strings.TrimSpace(base[:idx])
	}
	return strings.TrimSpace(base), ""
}
