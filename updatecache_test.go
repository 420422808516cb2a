package crostestutils

import (
	"context"
	"errors"
	"testing"
)

func TestUpdateIDKey(t *testing.T) {
	cases := []struct {
		name string
		id   UpdateID
		want string
	}{
		{"full update", UpdateID{Target: "target.bin"}, "target.bin"},
		{"delta update", UpdateID{Target: "target.bin", Base: "base.bin"}, "base.bin->target.bin"},
		{"signed", UpdateID{Target: "target.bin", SigningKey: "key.pem"}, "target.bin+key.pem"},
		{"vm delta", UpdateID{Target: "target.bin", Base: "base.bin", ForVM: true}, "base.bin->target.bin+vm"},
		{
			"everything",
			UpdateID{Target: "target.bin", Base: "base.bin", SigningKey: "key.pem", ForVM: true},
			"base.bin->target.bin+key.pem+vm",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.id.Key(); got != tc.want {
				t.Fatalf("Key() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUpdateCacheLookup(t *testing.T) {
	hit := UpdateID{Target: "target.bin", Base: "base.bin"}
	cache := NewUpdateCache(map[UpdateID]string{hit: "update/au/abc"})

	path, err := cache.Lookup(hit)
	if err != nil {
		t.Fatalf("Lookup(hit): %v", err)
	}
	if path != "update/au/abc" {
		t.Fatalf("Lookup(hit) = %q", path)
	}

	miss := UpdateID{Target: "target.bin"}
	_, err = cache.Lookup(miss)
	var missErr *MissingPayloadError
	if !errors.As(err, &missErr) {
		t.Fatalf("expected *MissingPayloadError, got %v", err)
	}
	if missErr.ID != miss {
		t.Fatalf("error carries id %+v, want %+v", missErr.ID, miss)
	}
}

// echoGenerator emits a PREGENERATED_UPDATE line derived from the target so
// each payload gets a distinct cache path.
type echoGenerator struct{}

func (echoGenerator) GenerateArgs(id UpdateID) []string {
	return []string{"sh", "-c", "echo PREGENERATED_UPDATE=au/" + id.Target + "/update.gz"}
}

type failingGenerator struct{}

func (failingGenerator) GenerateArgs(id UpdateID) []string {
	return []string{"sh", "-c", "echo generation exploded >&2; exit 1"}
}

func TestBuildCache(t *testing.T) {
	ids := []UpdateID{
		{Target: "one.bin"},
		{Target: "two.bin"},
		{Target: "two.bin", ForVM: true},
	}
	cache, err := BuildCache(context.Background(), ids, echoGenerator{}, NewScheduler(2))
	if err != nil {
		t.Fatalf("BuildCache: %v", err)
	}
	if cache.Len() != len(ids) {
		t.Fatalf("cache has %d entries, want %d", cache.Len(), len(ids))
	}
	for _, id := range ids {
		path, err := cache.Lookup(id)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", id.Key(), err)
		}
		if want := "update/au/" + id.Target; path != want {
			t.Fatalf("Lookup(%s) = %q, want %q", id.Key(), path, want)
		}
	}
}

func TestBuildCacheAllOrNothing(t *testing.T) {
	ids := []UpdateID{{Target: "one.bin"}, {Target: "two.bin"}}
	cache, err := BuildCache(context.Background(), ids, failingGenerator{}, NewScheduler(2))
	var genErr *PayloadGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *PayloadGenerationError, got %v", err)
	}
	if cache != nil {
		t.Fatal("no partial cache may be returned on generation failure")
	}
}

func TestBuildCacheEmpty(t *testing.T) {
	cache, err := BuildCache(context.Background(), nil, echoGenerator{}, NewScheduler(1))
	if err != nil {
		t.Fatalf("BuildCache(nil): %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("empty plan produced %d entries", cache.Len())
	}
}
