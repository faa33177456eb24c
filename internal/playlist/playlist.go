// package playlist reads and writes .m3u files and expands naming templates
package playlist

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Order modes for flat playlists.
const (
	OrderAlphabetical = "alphabetical"
	OrderSync         = "sync_order"
)

// Linked reference formats.
const (
	RefAbsolute = "absolute"
	RefRelative = "relative"
)

// ExpandTemplate substitutes the recognized placeholders in a playlist naming
// template. ${relative_path} expands to the full logical path of the folder
// itself, i.e. pathToParent + folderName.
func ExpandTemplate(template, folderName, pathToParent string) string {
	fullPath := pathToParent + folderName

	expanded := strings.ReplaceAll(template, "${folder_name}", folderName)
	expanded = strings.ReplaceAll(expanded, "${path_to_parent}", pathToParent)
	expanded = strings.ReplaceAll(expanded, "${relative_path}", fullPath)
	return expanded
}

// ParseM3U reads entries from an .m3u stream: one path per line, comment and
// extended-info lines (#...) skipped, blank lines ignored.
func ParseM3U(r io.Reader) ([]string, error) {
	var entries []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}

	return entries, nil
}

// ParseM3UFile reads entries from an .m3u file on disk.
func ParseM3UFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open playlist: %w", err)
	}
	defer f.Close()

	return ParseM3U(f)
}

// WriteFlat writes a flat .m3u for a folder: every audio file under it
// (recursively), one absolute path per line. orderMode selects alphabetical
// order or modification-time order ([OrderSync]). extensions filters by file
// suffix; empty means every file.
func WriteFlat(folder, playlistPath, orderMode string, extensions []string) error {
	type entry struct {
		path    string
		modTime time.Time
	}

	var entries []entry
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !MatchesExtension(path, extensions) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, entry{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk folder %s: %w", folder, err)
	}

	if orderMode == OrderSync {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].modTime.Before(entries[j].modTime)
		})
	} else {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].path < entries[j].path
		})
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.path
	}

	return writeLines(playlistPath, lines)
}

// WriteLinked writes a linked .m3u for a folder: one reference per immediate
// child folder, pointing at that child's own playlist file. referenceFormat
// selects absolute paths or paths relative to the folder.
func WriteLinked(folder, playlistPath, referenceFormat, localTemplate string) error {
	dirEntries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("failed to read folder %s: %w", folder, err)
	}

	var children []string
	for _, e := range dirEntries {
		if e.IsDir() {
			children = append(children, filepath.Join(folder, e.Name()))
		}
	}
	sort.Strings(children)

	var lines []string
	for _, child := range children {
		folderName := filepath.Base(child)
		childPlaylist := filepath.Join(child, ExpandTemplate(localTemplate, folderName, child+string(filepath.Separator)))

		line := childPlaylist
		if referenceFormat != RefAbsolute {
			rel, err := filepath.Rel(folder, childPlaylist)
			if err == nil {
				line = rel
			}
		}
		lines = append(lines, line)
	}

	return writeLines(playlistPath, lines)
}

// MatchesExtension reports whether path ends in one of the configured audio
// extensions (case-insensitive). Config accepts "mp3", ".mp3" or "*.mp3"
// spellings. Playlist files themselves never match.
func MatchesExtension(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".m3u" || ext == ".m3u8" {
		return false
	}
	if len(extensions) == 0 {
		return true
	}
	for _, allowed := range extensions {
		allowed = strings.TrimPrefix(strings.ToLower(allowed), "*")
		if !strings.HasPrefix(allowed, ".") {
			allowed = "." + allowed
		}
		if ext == allowed {
			return true
		}
	}
	return false
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create playlist file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("failed to write playlist file: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush playlist file: %w", err)
	}
	return nil
}
