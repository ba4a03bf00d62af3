package paths

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	dotDir      = ".darkroom"
	dbFile      = "darkroom.db"
	configFile  = "config.toml"
	envFile     = ".env"
	stampLayout = "20060102_150405"
)

// DotDir returns the darkroom state directory under root (e.g. ".darkroom").
func DotDir(root string) string {
	return filepath.Join(root, dotDir)
}

// ConfigPath returns the config file location under root.
func ConfigPath(root string) string {
	return filepath.Join(root, dotDir, configFile)
}

// JournalPath returns the sqlite journal location under root.
func JournalPath(root string) string {
	return filepath.Join(root, dotDir, dbFile)
}

// EnvPath returns the dotenv file location under root.
func EnvPath(root string) string {
	return filepath.Join(root, envFile)
}

// Timestamp formats t in the compact form embedded in output filenames,
// e.g. "20240131_093045". Second resolution; two attempts inside the same
// second would collide, which is accepted (retries are seconds apart).
func Timestamp(t time.Time) string {
	return t.Format(stampLayout)
}

// ResponseFile returns the path for the raw API response of one attempt:
// <dir>/response_<slot>_<timestamp>.json. Written on every attempt,
// including failed ones.
func ResponseFile(dir string, slot int, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("response_%d_%s.json", slot, Timestamp(t)))
}

// ImageFile returns the path for a decoded image:
// <dir>/image_<slot>_<timestamp>.png. Written only when decoding succeeded.
func ImageFile(dir string, slot int, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("image_%d_%s.png", slot, Timestamp(t)))
}
