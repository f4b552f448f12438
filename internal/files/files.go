// Package files stores uploaded bytes on local disk and hands back opaque
// ids. Runs and messages only ever reference the id.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

var (
	// ErrTooLarge is returned when an upload exceeds the store's size cap.
	ErrTooLarge = errors.New("files: upload too large")

	// ErrNotFound is returned for unknown or foreign file ids.
	ErrNotFound = errors.New("files: not found")
)

// Owner scopes uploads to a tenant and user.
type Owner struct {
	TenantID string
	UserID   string
}

// Store is a disk-backed upload store. Files live under
// <root>/<tenant>/<user>/<id> with a sidecar <id>.json holding metadata.
type Store struct {
	root     string
	maxBytes int64
	now      func() time.Time
}

// NewStore creates the root directory if needed. maxBytes <= 0 disables the cap.
func NewStore(root string, maxBytes int64) (*Store, error) {
	if root == "" {
		return nil, errors.New("files: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("files: create root: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes, now: time.Now}, nil
}

// MaxBytes reports the per-upload cap.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

func (s *Store) dir(owner Owner) string {
	return filepath.Join(s.root, unsafeSegment.ReplaceAllString(owner.TenantID, "_"),
		unsafeSegment.ReplaceAllString(owner.UserID, "_"))
}

// Save copies r to disk and returns the new upload's metadata. A partial
// file is removed when the copy fails or exceeds the cap.
func (s *Store) Save(ctx context.Context, owner Owner, name, contentType string, r io.Reader) (model.FileUpload, error) {
	if err := ctx.Err(); err != nil {
		return model.FileUpload{}, err
	}
	dir := s.dir(owner)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.FileUpload{}, fmt.Errorf("files: save: %w", err)
	}

	up := model.FileUpload{
		ID:          "file_" + uuid.NewString(),
		Name:        filepath.Base(name),
		ContentType: contentType,
		CreatedAt:   s.now().UTC(),
	}
	if up.ContentType == "" {
		up.ContentType = "application/octet-stream"
	}

	path := filepath.Join(dir, up.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("files: save: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return model.FileUpload{}, fmt.Errorf("files: save %q: %w (max %d bytes)", up.Name, ErrTooLarge, s.maxBytes)
		}
		return model.FileUpload{}, fmt.Errorf("files: save: %w", err)
	}
	up.Size = n

	meta, err := json.Marshal(up)
	if err != nil {
		_ = os.Remove(path)
		return model.FileUpload{}, fmt.Errorf("files: save: marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".json", meta, 0o640); err != nil {
		_ = os.Remove(path)
		return model.FileUpload{}, fmt.Errorf("files: save: write metadata: %w", err)
	}
	return up, nil
}

// Stat returns the metadata of an upload owned by owner.
func (s *Store) Stat(_ context.Context, owner Owner, id string) (model.FileUpload, error) {
	if !validID(id) {
		return model.FileUpload{}, fmt.Errorf("files: stat %q: %w", id, ErrNotFound)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir(owner), id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return model.FileUpload{}, fmt.Errorf("files: stat %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("files: stat %q: %w", id, err)
	}
	var up model.FileUpload
	if err := json.Unmarshal(raw, &up); err != nil {
		return model.FileUpload{}, fmt.Errorf("files: stat %q: decode metadata: %w", id, err)
	}
	return up, nil
}

// Exists reports whether every id refers to an upload owned by owner. It
// returns the first missing id wrapped in ErrNotFound.
func (s *Store) Exists(ctx context.Context, owner Owner, ids []string) error {
	for _, id := range ids {
		if _, err := s.Stat(ctx, owner, id); err != nil {
			return err
		}
	}
	return nil
}

func validID(id string) bool {
	const prefix = "file_"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return false
	}
	_, err := uuid.Parse(id[len(prefix):])
	return err == nil
}
