// Package resolver allocates the final and temp paths of a task before its
// first transfer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/titan/internal/data"
)

const (
	maxNameLength = 128
	maxRenames    = 999
)

var (
	ErrFileExists    = errors.New("target file already exists")
	ErrNameExhausted = errors.New("no free file name")
)

var illegalChars = strings.NewReplacer(
	`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// Resolved is the outcome of path allocation.
type Resolved struct {
	FinalPath string
	TempPath  string
	FileName  string
}

type Options struct {
	FinalDir string
	TempDir  string
	Policy   CollisionPolicy
	// Client issues the HEAD request used to discover a server-side name.
	Client *http.Client
	Logger *slog.Logger
	Now    func() time.Time
}

// Resolver turns a task's name and path hints into reserved paths. Calls
// are serialised so that two tasks never reserve the same name.
type Resolver struct {
	mu       sync.Mutex
	finalDir string
	tempDir  string
	policy   CollisionPolicy
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
}

func New(opts Options) *Resolver {
	r := &Resolver{
		finalDir: opts.FinalDir,
		tempDir:  opts.TempDir,
		policy:   ParseCollisionPolicy(string(opts.Policy)),
		client:   opts.Client,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 30 * time.Second}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Resolve picks the file name, reserves the final path according to the
// collision policy and allocates a fresh temp path.
func (r *Resolver) Resolve(ctx context.Context, t *data.Task) (Resolved, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, name := r.target(t)
	if name == "" {
		name = r.rawName(ctx, t)
	}
	name = r.sanitize(name)

	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return Resolved{}, fmt.Errorf("create temp dir: %w", err)
	}
	tempPath := filepath.Join(r.tempDir, "dl-temp-"+uuid.NewString()+".tmp")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Resolved{}, fmt.Errorf("create target dir: %w", err)
	}
	name, err := r.reserve(dir, name)
	if err != nil {
		return Resolved{}, err
	}
	r.log.Debug("resolved paths", "id", t.ID, "dir", dir, "name", name)
	return Resolved{FinalPath: filepath.Join(dir, name), TempPath: tempPath, FileName: name}, nil
}

// target returns the destination directory and the name implied by the
// request path, if any.
func (r *Resolver) target(t *data.Task) (dir, name string) {
	name = t.FileName
	hint := t.FinalPath
	if hint == "" {
		return r.finalDir, name
	}
	if strings.HasSuffix(hint, "/") || strings.HasSuffix(hint, string(os.PathSeparator)) || isDir(hint) {
		return hint, name
	}
	if name == "" {
		name = filepath.Base(hint)
	}
	return filepath.Dir(hint), name
}

// rawName applies the name priority after the request name: URL path
// segment with an extension, then the server's headers, then a timestamp.
func (r *Resolver) rawName(ctx context.Context, t *data.Task) string {
	if n := nameFromURL(t.URL); n != "" && strings.Contains(n, ".") {
		return n
	}
	if n := r.nameFromServer(ctx, t); n != "" {
		return n
	}
	return r.millis() + ".bin"
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

func (r *Resolver) nameFromServer(ctx context.Context, t *data.Task) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.URL, nil)
	if err != nil {
		return ""
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("head request failed", "id", t.ID, "err", err)
		return ""
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ""
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
				return r.millis() + exts[0]
			}
		}
	}
	return ""
}

func (r *Resolver) sanitize(raw string) string {
	name, _, _ := strings.Cut(raw, "?")
	name = illegalChars.Replace(name)
	if len([]rune(name)) > maxNameLength {
		stem, ext := splitExt(name)
		keep := maxNameLength
		if ext != "" {
			keep -= len([]rune(ext)) + 1
		}
		if keep < 0 {
			keep = 0
		}
		stem = string([]rune(stem)[:min(keep, len([]rune(stem)))])
		switch {
		case ext != "" && stem != "":
			name = stem + "." + ext
		case ext != "":
			name = string([]rune(ext)[:min(maxNameLength, len([]rune(ext)))])
		default:
			name = stem
		}
	}
	if strings.TrimSpace(name) == "" {
		return r.millis() + "_sanitized.bin"
	}
	return name
}

// reserve claims name in dir per the collision policy. Rename and error
// create a 0-byte placeholder so a concurrent allocation sees the name taken.
func (r *Resolver) reserve(dir, name string) (string, error) {
	switch r.policy {
	case CollisionOverwrite:
		return name, nil
	case CollisionError:
		if err := createPlaceholder(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, os.ErrExist) {
				return "", fmt.Errorf("%w: %s", ErrFileExists, name)
			}
			return "", err
		}
		return name, nil
	}

	err := createPlaceholder(filepath.Join(dir, name))
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return "", err
	}
	stem, ext := splitExt(name)
	for n := 1; n <= maxRenames; n++ {
		candidate := stem + "(" + strconv.Itoa(n) + ")"
		if ext != "" {
			candidate += "." + ext
		}
		err := createPlaceholder(filepath.Join(dir, candidate))
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts", ErrNameExhausted, name, maxRenames)
}

func (r *Resolver) millis() string {
	return strconv.FormatInt(r.now().UnixMilli(), 10)
}

func createPlaceholder(p string) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// splitExt splits at the last dot. A name without a dot has no extension.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
