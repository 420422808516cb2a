package crostestutils

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/houstar/crostestutils/internal/storage"
)

// CachePathForImage returns where the payload cache database lives for a
// given target image: next to it, so repeat runs against the same build
// skip generation.
func CachePathForImage(imagePath string) string {
	return filepath.Join(filepath.Dir(imagePath), CacheFileName)
}

// LoadCache reads the persisted payload cache at path. A missing or empty
// database yields an empty cache, not an error; lookups against it fail
// per-identifier.
func LoadCache(path string) (*UpdateCache, error) {
	store, err := storage.OpenCacheStore(path)
	if err != nil {
		return nil, errors.Wrap(err, "open payload cache")
	}
	defer store.Close()
	rows, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load payload cache")
	}
	entries := make(map[UpdateID]string, len(rows))
	for _, row := range rows {
		id := UpdateID{
			Target:     row.Target,
			Base:       row.Base,
			SigningKey: row.SigningKey,
			ForVM:      row.ForVM,
		}
		entries[id] = row.CachePath
	}
	return NewUpdateCache(entries), nil
}

// SaveCache persists the cache to path.
func SaveCache(path string, cache *UpdateCache) error {
	store, err := storage.OpenCacheStore(path)
	if err != nil {
		return errors.Wrap(err, "open payload cache")
	}
	defer store.Close()
	entries := cache.Entries()
	rows := make([]storage.CacheRow, 0, len(entries))
	for id, cachePath := range entries {
		rows = append(rows, storage.CacheRow{
			Key:        id.Key(),
			Target:     id.Target,
			Base:       id.Base,
			SigningKey: id.SigningKey,
			ForVM:      id.ForVM,
			CachePath:  cachePath,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return store.Save(rows)
}
