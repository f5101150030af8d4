package credentials

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/ailicia-topchat/internal/session"
)

// Target receives credentials after a reload.
type Target interface {
	UpdateCredentials(session.Credentials)
}

// Reloader rebuilds session credentials from the static config plus the key
// file, if one is configured.
type Reloader struct {
	base   session.Credentials
	loader *FileKeyLoader

	mu     sync.Mutex
	target Target
}

func NewReloader(base session.Credentials, keyFile string, target Target) *Reloader {
	r := &Reloader{base: base, target: target}
	if strings.TrimSpace(keyFile) != "" {
		r.loader = NewFileKeyLoader(keyFile)
		if base.APIKey != "" {
			r.loader.SetCached(base.APIKey)
		}
	}
	return r
}

// KeyFile returns the watched path or "".
func (r *Reloader) KeyFile() string {
	if r.loader == nil {
		return ""
	}
	return r.loader.Path()
}

// Current returns the credentials the next reload would start from.
func (r *Reloader) Current() session.Credentials {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

// Reload re-reads the key file and pushes the credentials to the target even
// when nothing changed, restarting the stream. It returns the channel the
// session will join.
func (r *Reloader) Reload() (string, error) {
	channel, _, err := r.reload(true)
	return channel, err
}

// ReloadIfChanged pushes only when the key file holds a different key. An
// identical rewrite keeps the running session and its stats.
func (r *Reloader) ReloadIfChanged() (bool, error) {
	_, pushed, err := r.reload(false)
	return pushed, err
}

func (r *Reloader) reload(force bool) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.target == nil {
		return "", false, errors.New("credentials: no session to update")
	}
	creds := r.base
	changed := false
	if r.loader != nil {
		key, rotated, err := r.loader.Load()
		if err != nil {
			return "", false, errors.Wrap(err, "credentials: reload key")
		}
		creds.APIKey = key
		changed = rotated || creds != r.base
		if rotated {
			slog.Info("credentials: api key rotated", "file", r.loader.Path(), "len", len(key))
		}
	}
	if !creds.Complete() {
		return "", false, errors.New("credentials: api key and channel are required")
	}
	if !force && !changed {
		slog.Debug("credentials: key file rewritten with the same key", "file", r.KeyFile())
		return creds.Channel, false, nil
	}
	r.base = creds
	r.target.UpdateCredentials(creds)
	slog.Info("credentials: reloaded and restarted stream", "channel", creds.Channel)
	return creds.Channel, true, nil
}
