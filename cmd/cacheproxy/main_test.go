package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/always-cache/cacheproxy"
)

func TestOpenCacheMemory(t *testing.T) {
	dir := t.TempDir()
	c, err := openCache(cacheproxy.StorageConfig{
		Provider: "memory",
		DB:       filepath.Join(dir, "index.db"),
		Blobs:    filepath.Join(dir, "files"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// nothing touches the disk
	if files, _ := os.ReadDir(dir); len(files) != 0 {
		t.Fatalf("memory provider created %d files", len(files))
	}
	if c.Len() != 0 {
		t.Fatalf("cache has %d entries", c.Len())
	}
}

func TestOpenCacheSQLite(t *testing.T) {
	dir := t.TempDir()
	c, err := openCache(cacheproxy.StorageConfig{
		Provider: "sqlite",
		DB:       filepath.Join(dir, "cache", "index.db"),
		Blobs:    filepath.Join(dir, "cache", "files"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, name := range []string{"index.db", "files"} {
		if _, err := os.Stat(filepath.Join(dir, "cache", name)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpenCacheUnknownProvider(t *testing.T) {
	if _, err := openCache(cacheproxy.StorageConfig{Provider: "redis"}); err == nil {
		t.Fatal("unknown provider accepted")
	}
}
