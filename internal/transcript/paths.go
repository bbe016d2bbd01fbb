package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SessionIDFromPath derives the stable session identifier from a transcript
// filename. The filename (minus extension) is unique per session and does
// not change when the producer rewrites internal session IDs.
func SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// IsTranscript reports whether path names a transcript file.
func IsTranscript(path string) bool {
	return strings.HasSuffix(path, ".jsonl")
}

// EncodeProjectPath converts a project directory into the transcript
// directory name convention: path separators become dashes, including the
// leading one, so /home/user/proj becomes -home-user-proj.
func EncodeProjectPath(path string) string {
	return strings.ReplaceAll(filepath.Clean(path), "/", "-")
}

// DecodeProjectPath reverses EncodeProjectPath. Dashes are ambiguous for
// directories whose names contain them, so candidates are checked against
// the filesystem, preferring the longest valid directory split.
func DecodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}

	candidate := strings.ReplaceAll(encoded, "-", "/")
	if isDir(candidate) {
		return candidate
	}

	// Treat trailing dashes as literal: split at each dash position from
	// right to left and keep the first split that names a real directory.
	parts := strings.Split(encoded[1:], "-")
	for n := len(parts) - 1; n > 0; n-- {
		candidate := "/" + strings.Join(parts[:n], "/")
		if n < len(parts) {
			candidate += "/" + strings.Join(parts[n:], "-")
		}
		if isDir(candidate) {
			return candidate
		}
	}

	// Best effort: no split resolved on disk, return the naive decoding.
	return "/" + strings.Join(parts, "/")
}

// ProjectPathForTranscript returns the project directory a transcript
// belongs to, decoded from its parent directory name.
func ProjectPathForTranscript(transcriptPath string) string {
	parent := filepath.Base(filepath.Dir(transcriptPath))
	if parent == "" || parent == "." || parent == "/" {
		return ""
	}
	return DecodeProjectPath(parent)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ListTranscripts walks one level of project directories under root and
// returns every transcript file with its modification time. Used by the
// watcher's polling fallback and for initial discovery.
func ListTranscripts(root string) (map[string]time.Time, error) {
	projects, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	found := make(map[string]time.Time)
	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		dir := filepath.Join(root, proj.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !IsTranscript(f.Name()) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			found[filepath.Join(dir, f.Name())] = info.ModTime()
		}
	}
	return found, nil
}
