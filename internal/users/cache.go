package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// cachedUser is one entry of the local cache file.
type cachedUser struct {
	ID       *int      `json:"id"`
	Name     *string   `json:"name"`
	Encoding []float32 `json:"encoding"`
}

// LoadCache adds the users stored in the local cache file to the local list and
// returns how many were added. A missing file is not an error. Entries whose id
// was already in the list before loading (a re-run) are skipped quietly, other
// failing entries are logged and skipped.
func (d *Directory) LoadCache(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if errors.Is(err, os.ErrNotExist) {
		d.logger.Info("Encoded local users weren't found", "path", path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading local cache: %w", err)
	}

	var entries []cachedUser
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("parsing local cache %s: %w", path, err)
	}
	d.logger.Debug("Read local users from the cache", "path", path, "count", len(entries))

	preexisting := make(map[int]struct{})
	for _, u := range d.LocalUsers() {
		preexisting[u.ID] = struct{}{}
	}

	added := 0
	for i, entry := range entries {
		if entry.ID == nil || entry.Name == nil {
			d.logger.Error("Failed to load local user: id and name are required", "index", i)
			continue
		}
		if _, ok := preexisting[*entry.ID]; ok {
			d.logger.Debug("Local user already loaded", "user_id", *entry.ID)
			continue
		}
		_, err := d.AddUser(ctx, UserInput{
			ID:        *entry.ID,
			Name:      *entry.Name,
			IsLocal:   true,
			Embedding: entry.Encoding,
		})
		if err != nil {
			d.logger.Error("Failed to load local user", "index", i, "user_id", *entry.ID, "error", err)
			continue
		}
		added++
	}
	return added, nil
}

// SaveCache rewrites the local cache file with the whole local list. The write
// is atomic: readers and crashes see either the old file or the new one.
func (d *Directory) SaveCache(path string) error {
	local := d.LocalUsers()
	entries := make([]cachedUser, 0, len(local))
	for _, u := range local {
		id, name := u.ID, u.Name
		entries = append(entries, cachedUser{ID: &id, Name: &name, Encoding: u.Embedding})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding local cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing local cache: %w", err)
	}
	return nil
}
