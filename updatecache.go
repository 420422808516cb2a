package crostestutils

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// UpdateID identifies one pregenerated update payload. It is used purely as a
// cache key: Target and Base are opaque image paths, never dereferenced here.
// An absent Base means a full (non-delta) update. ForVM distinguishes VM
// payloads, which must not patch the boot kernel the way device payloads do.
type UpdateID struct {
	Target     string
	Base       string
	SigningKey string
	ForVM      bool
}

// Key returns the composite string form used for cache lookups and for the
// persisted cache file, e.g. "base.bin->target.bin+key.pem+vm".
func (id UpdateID) Key() string {
	key := id.Target
	if id.Base != "" {
		key = id.Base + "->" + key
	}
	if id.SigningKey != "" {
		key = key + "+" + id.SigningKey
	}
	if id.ForVM {
		key = key + "+vm"
	}
	return key
}

// UpdateCache maps update identifiers to payload locations inside the
// devserver's static store. It is populated once per run (either loaded from
// a prior serialization or built by pregenerating every payload) and is
// read-only afterwards, so many workers can share one cache without locking.
type UpdateCache struct {
	entries map[UpdateID]string
}

// NewUpdateCache copies entries into a read-only cache.
func NewUpdateCache(entries map[UpdateID]string) *UpdateCache {
	copied := make(map[UpdateID]string, len(entries))
	for id, path := range entries {
		copied[id] = path
	}
	return &UpdateCache{entries: copied}
}

// Lookup returns the cache path for id. Absence is a *MissingPayloadError:
// it indicates the payload generation step did not cover this identifier,
// and callers must not guess a path instead.
func (c *UpdateCache) Lookup(id UpdateID) (string, error) {
	if c == nil {
		return "", &MissingPayloadError{ID: id}
	}
	path, ok := c.entries[id]
	if !ok || path == "" {
		return "", &MissingPayloadError{ID: id}
	}
	return path, nil
}

// Len returns the number of cached payloads.
func (c *UpdateCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns a copy of the cache contents, used by the store when
// persisting the cache next to the target image.
func (c *UpdateCache) Entries() map[UpdateID]string {
	out := make(map[UpdateID]string, len(c.entries))
	for id, path := range c.entries {
		out[id] = path
	}
	return out
}

// PayloadGenerator is the boundary to the external payload generation tool.
// GenerateArgs returns the argv that pregenerates the payload for id; the
// process must emit a single "PREGENERATED_UPDATE=<path>" line on success and
// exit non-zero on failure.
type PayloadGenerator interface {
	GenerateArgs(id UpdateID) []string
}

// BuildCache pregenerates every payload in ids through gen, running the
// generator processes with bounded concurrency, and returns the resulting
// cache. Generation is all-or-nothing: if any required payload fails, the
// whole call fails with *PayloadGenerationError and no cache is returned.
func BuildCache(ctx context.Context, ids []UpdateID, gen PayloadGenerator, sched *Scheduler) (*UpdateCache, error) {
	if len(ids) == 0 {
		return NewUpdateCache(nil), nil
	}
	// Deterministic generation order keeps logs and retries comparable
	// across runs.
	ordered := make([]UpdateID, len(ids))
	copy(ordered, ids)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key() < ordered[j].Key() })

	jobs := make([]ProcessJob, 0, len(ordered))
	for _, id := range ordered {
		argv := gen.GenerateArgs(id)
		jobs = append(jobs, ProcessJob{
			Name: fmt.Sprintf("generate %s", id.Key()),
			Argv: argv,
		})
	}

	log.Info().Int("payloads", len(jobs)).Msg("generating update payloads in parallel")
	results, err := sched.RunBounded(ctx, jobs)
	if err != nil {
		return nil, &PayloadGenerationError{Reason: err.Error()}
	}

	entries := make(map[UpdateID]string, len(ordered))
	for i, res := range results {
		if res.Err != nil || res.ExitCode != 0 {
			log.Error().
				Str("update_id", ordered[i].Key()).
				Int("exit_code", res.ExitCode).
				Msg("payload generation job failed")
			return nil, &PayloadGenerationError{
				Reason: fmt.Sprintf("failed to generate a required update for %s", ordered[i].Key()),
			}
		}
		cachePath, err := ParsePregeneratedUpdate(res.Output)
		if err != nil {
			return nil, &PayloadGenerationError{
				Reason: fmt.Sprintf("payload generated for %s but no cache path found in output", ordered[i].Key()),
			}
		}
		entries[ordered[i]] = cachePath
	}
	return NewUpdateCache(entries), nil
}
