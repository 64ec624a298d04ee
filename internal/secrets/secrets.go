// Package secrets resolves profile credential references into login
// material. The engine never stores what it receives here; it hands the
// material to the broker's login call and drops it.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoCredentials is returned when a reference resolves to nothing.
var ErrNoCredentials = errors.New("no credentials for profile")

// Credentials is opaque login material keyed by broker-specific field names
// (e.g. USER_ID, PASSWORD, APP_KEY).
type Credentials map[string]string

// Get returns the value for key, matching case-insensitively.
func (c Credentials) Get(key string) string {
	if v, ok := c[key]; ok {
		return v
	}
	for k, v := range c {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Loader resolves a credential reference.
type Loader interface {
	LoadCredentials(ctx context.Context, ref string) (Credentials, error)
}

// FileStore reads credentials from a YAML file of the form
//
//	profiles:
//	  ACC1:
//	    USER_ID: ...
//	    PASSWORD: ...
//
// and overlays environment variables named TRADEDESK_<REF>_<KEY>. The file
// is re-read on every call so rotated secrets are picked up without restart.
type FileStore struct {
	path    string
	environ func() []string

	mu sync.Mutex
}

// NewFileStore returns a FileStore reading path. An empty path means
// environment variables only.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, environ: os.Environ}
}

type secretsFile struct {
	Profiles map[string]map[string]string `yaml:"profiles"`
}

// LoadCredentials implements Loader.
func (s *FileStore) LoadCredentials(_ context.Context, ref string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := Credentials{}
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets: %w", err)
		}
		if err == nil {
			var f secretsFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("parsing secrets: %w", err)
			}
			for k, v := range f.Profiles[ref] {
				creds[k] = v
			}
		}
	}

	prefix := "TRADEDESK_" + envName(ref) + "_"
	for _, kv := range s.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || value == "" {
			continue
		}
		creds[strings.TrimPrefix(name, prefix)] = value
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoCredentials, ref)
	}
	return creds, nil
}

// Static is an in-memory Loader, used for paper profiles and tests.
type Static map[string]Credentials

// LoadCredentials implements Loader.
func (s Static) LoadCredentials(_ context.Context, ref string) (Credentials, error) {
	c, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoCredentials, ref)
	}
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}

func envName(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ref)
}
