package credentials

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var ErrEmptyKey = errors.New("credentials: empty api key")

// NormalizeKey trims whitespace and a leading "Bearer " that people tend to
// paste along with the key.
func NormalizeKey(s string) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 7 && strings.EqualFold(trimmed[:7], "bearer ") {
		trimmed = strings.TrimSpace(trimmed[7:])
	}
	return trimmed
}

// FileKeyLoader reads an API key from disk and remembers the last value so
// callers can tell a rotation from a touch.
type FileKeyLoader struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewFileKeyLoader(path string) *FileKeyLoader {
	return &FileKeyLoader{path: path}
}

func (l *FileKeyLoader) Path() string { return l.path }

// Load returns the key and whether it differs from the previous load.
func (l *FileKeyLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, errors.Wrapf(err, "credentials: read %s", l.path)
	}

	key := NormalizeKey(firstLine(string(data)))
	if key == "" {
		l.cached = ""
		return "", false, ErrEmptyKey
	}
	if key == l.cached {
		return key, false, nil
	}
	l.cached = key
	return key, true, nil
}

// SetCached seeds the loader with a key obtained elsewhere, e.g. from env.
func (l *FileKeyLoader) SetCached(key string) {
	l.mu.Lock()
	l.cached = NormalizeKey(key)
	l.mu.Unlock()
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n\t ")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
