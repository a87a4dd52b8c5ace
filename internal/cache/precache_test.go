package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// fakeFetcher 以内存映射模拟上游，记录每个路径被拉取的次数。
type fakeFetcher struct {
	resources map[string][]byte
	failures  map[string]error
	fetches   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		resources: make(map[string][]byte),
		failures:  make(map[string]error),
		fetches:   make(map[string]int),
	}
}

func (f *fakeFetcher) FetchResource(ctx context.Context, path string) (*Entry, error) {
	f.fetches[path]++
	if err, ok := f.failures[path]; ok {
		return nil, err
	}
	body, ok := f.resources[path]
	if !ok {
		return nil, fmt.Errorf("unexpected fetch: %s", path)
	}
	return &Entry{Status: 200, Body: body}, nil
}

func (f *fakeFetcher) add(path string, body []byte) PrecacheItem {
	f.resources[path] = body
	return PrecacheItem{URL: path, Hash: HashBody(body)}
}

func newTestPrecacher(t *testing.T) (*Precacher, *Registry, *fakeFetcher) {
	t.Helper()
	registry := newTestRegistry(t)
	fetcher := newFakeFetcher()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPrecacher(registry, fetcher, logger), registry, fetcher
}

func TestPrecacheInstallWritesManifest(t *testing.T) {
	precacher, registry, fetcher := newTestPrecacher(t)
	items := []PrecacheItem{
		fetcher.add("/offline.html", []byte("<h1>offline</h1>")),
		fetcher.add("/assets/app.js", []byte("js")),
	}

	if err := precacher.Install(context.Background(), "v1", items); err != nil {
		t.Fatalf("install error: %v", err)
	}

	partition := Partition{Class: ClassStatic, Version: "v1"}
	for _, item := range items {
		entry, err := registry.Get(context.Background(), partition, EntryKey("GET", item.URL))
		if err != nil {
			t.Fatalf("precached entry missing for %s: %v", item.URL, err)
		}
		if entry.Hash != item.Hash {
			t.Fatalf("hash mismatch for %s", item.URL)
		}
		if len(entry.Body) == 0 {
			t.Fatalf("precached body empty for %s", item.URL)
		}
	}
}

func TestPrecacheInstallIdempotent(t *testing.T) {
	precacher, _, fetcher := newTestPrecacher(t)
	items := []PrecacheItem{fetcher.add("/offline.html", []byte("<h1>offline</h1>"))}

	if err := precacher.Install(context.Background(), "v1", items); err != nil {
		t.Fatalf("first install error: %v", err)
	}
	if err := precacher.Install(context.Background(), "v1", items); err != nil {
		t.Fatalf("second install error: %v", err)
	}

	if fetcher.fetches["/offline.html"] != 1 {
		t.Fatalf("清单未变化的重装不应产生额外回源，实际 %d 次", fetcher.fetches["/offline.html"])
	}
}

func TestPrecacheInstallFailsOnFetchError(t *testing.T) {
	precacher, _, fetcher := newTestPrecacher(t)
	item := fetcher.add("/offline.html", []byte("offline"))
	fetcher.failures["/offline.html"] = errors.New("connection refused")

	err := precacher.Install(context.Background(), "v1", []PrecacheItem{item})
	var precacheErr *PrecacheError
	if !errors.As(err, &precacheErr) {
		t.Fatalf("expected PrecacheError, got %v", err)
	}
	if precacheErr.URL != "/offline.html" {
		t.Fatalf("错误应携带出错的资源路径: %s", precacheErr.URL)
	}
}

func TestPrecacheInstallFailsOnHashMismatch(t *testing.T) {
	precacher, _, fetcher := newTestPrecacher(t)
	item := fetcher.add("/assets/app.js", []byte("served body"))
	item.Hash = HashBody([]byte("expected body"))

	err := precacher.Install(context.Background(), "v1", []PrecacheItem{item})
	var precacheErr *PrecacheError
	if !errors.As(err, &precacheErr) {
		t.Fatalf("哈希不匹配应返回 PrecacheError, got %v", err)
	}
}

func TestPrecacheRefetchesChangedHash(t *testing.T) {
	precacher, _, fetcher := newTestPrecacher(t)
	item := fetcher.add("/offline.html", []byte("v1 body"))
	if err := precacher.Install(context.Background(), "v1", []PrecacheItem{item}); err != nil {
		t.Fatalf("install error: %v", err)
	}

	updated := fetcher.add("/offline.html", []byte("v2 body"))
	if err := precacher.Install(context.Background(), "v1", []PrecacheItem{updated}); err != nil {
		t.Fatalf("reinstall error: %v", err)
	}
	if fetcher.fetches["/offline.html"] != 2 {
		t.Fatalf("哈希变化的条目应重新回源，实际 %d 次", fetcher.fetches["/offline.html"])
	}
}
