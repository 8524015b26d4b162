package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	codec "github.com/always-cache/cacheproxy/pkg/entry-codec"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)
}

func entry(url, body string) codec.Entry {
	return codec.Entry{
		URL:    url,
		Status: 200,
		Header: codec.Header{{Name: "Content-Type", Values: []string{"text/plain"}}},
		Body:   []byte(body),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// syncWorker enqueues a sentinel record and waits until it is visible.
// Records are committed in order, so everything queued before it has been handled.
func syncWorker(t *testing.T, c *Cache) {
	t.Helper()
	key := fmt.Sprintf("sentinel-%d", time.Now().UnixNano())
	if err := c.PutAsync(key, entry(key, "")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sentinel", func() bool {
		_, ok, _ := c.Get(key)
		return ok
	})
}

func readBody(t *testing.T, c *Cache, e codec.Entry) string {
	t.Helper()
	body, size, err := c.OpenBody(e)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(b)) != size {
		t.Fatalf("body is %d bytes, reported %d", len(b), size)
	}
	return string(b)
}

func TestGetAfterCommit(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	key := "http://example.test/a"
	if _, ok, err := c.Get(key); ok || err != nil {
		t.Fatalf("empty cache returned ok=%v err=%v", ok, err)
	}
	want := entry(key, "hello")
	if err := c.PutAsync(key, want); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "commit", func() bool {
		_, ok, _ := c.Get(key)
		return ok
	})
	got, _, err := c.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %+v", got)
	}
}

func TestLastWriteWins(t *testing.T) {
	c, _ := New(Config{})
	defer c.Close()

	key := "http://example.test/a"
	c.PutAsync(key, entry(key, "first"))
	c.PutAsync(key, entry(key, "second"))
	syncWorker(t, c)

	got, ok, err := c.Get(key)
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "second" {
		t.Fatalf("body is %s", got.Body)
	}
}

func TestConcurrentPutAsync(t *testing.T) {
	c, _ := New(Config{Store: newMemStore()})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("http://example.test/%d", i)
			if err := c.PutAsync(key, entry(key, key)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	syncWorker(t, c)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("http://example.test/%d", i)
		got, ok, err := c.Get(key)
		if !ok || err != nil || string(got.Body) != key {
			t.Fatalf("%s: ok=%v err=%v body=%s", key, ok, err, got.Body)
		}
	}
	if c.Len() != 51 {
		t.Fatalf("index has %d entries", c.Len())
	}
}

func TestBlobStorage(t *testing.T) {
	root := filepath.Join(t.TempDir(), "files")
	c, err := New(Config{BlobRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	key := "http://example.test/blob"
	c.PutAsync(key, entry(key, "blob body"))
	syncWorker(t, c)

	got, ok, err := c.Get(key)
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !got.HasBlob() || len(got.Body) != 0 {
		t.Fatalf("entry not blob backed: %+v", got)
	}
	if got.BodyRef != codec.Digest(key) {
		t.Fatalf("ref is %s", got.BodyRef)
	}
	if b, err := os.ReadFile(codec.StoragePath(root, key)); err != nil || string(b) != "blob body" {
		t.Fatalf("blob file: %s, %v", b, err)
	}
	if body := readBody(t, c, got); body != "blob body" {
		t.Fatalf("body is %s", body)
	}
	if got.URL != key || got.Status != 200 || got.Header.Values("content-type")[0] != "text/plain" {
		t.Fatalf("metadata is %+v", got)
	}
}

func TestMissingBlobFailsClosed(t *testing.T) {
	root := t.TempDir()
	c, _ := New(Config{BlobRoot: root})
	defer c.Close()

	key := "http://example.test/gone"
	c.PutAsync(key, entry(key, "body"))
	syncWorker(t, c)
	if err := os.Remove(codec.StoragePath(root, key)); err != nil {
		t.Fatal(err)
	}

	got, ok, _ := c.Get(key)
	if !ok {
		t.Fatal("entry not found")
	}
	if _, _, err := c.OpenBody(got); err == nil {
		t.Fatal("opened a missing blob")
	}
	if _, _, err := c.OpenBody(codec.Entry{BodyRef: "../escape"}); err == nil {
		t.Fatal("opened a blob outside the root")
	}
}

func TestSQLiteReload(t *testing.T) {
	dir := t.TempDir()
	dbFile := filepath.Join(dir, "index.db")
	blobs := filepath.Join(dir, "files")

	store, err := NewSQLiteStore(dbFile)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{Store: store, BlobRoot: blobs})
	if err != nil {
		t.Fatal(err)
	}
	key := "http://example.test/durable"
	c.PutAsync(key, entry(key, "still here"))
	syncWorker(t, c)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewSQLiteStore(dbFile)
	if err != nil {
		t.Fatal(err)
	}
	c, err = New(Config{Store: store, BlobRoot: blobs})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, ok, err := c.Get(key)
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if body := readBody(t, c, got); body != "still here" {
		t.Fatalf("body is %s", body)
	}
}

func TestCorruptStoredEntry(t *testing.T) {
	store := newMemStore()
	store.Put("http://example.test/corrupt", []byte("garbage"))
	good, _ := codec.Encode(entry("http://example.test/good", "ok"))
	store.Put("http://example.test/truncated", good[:len(good)-3])

	c, err := New(Config{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok, err := c.Get("http://example.test/corrupt"); ok || !errors.Is(err, codec.ErrFormatTag) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.Get("http://example.test/truncated"); ok || !errors.Is(err, codec.ErrTruncated) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestPersistFailureDropsRecord(t *testing.T) {
	store := newMemStore()
	c, _ := New(Config{Store: store})
	defer c.Close()

	key := "http://example.test/invalid"
	bad := entry(key, "x")
	bad.Status = 0
	c.PutAsync(key, bad)
	syncWorker(t, c)

	if _, ok, err := c.Get(key); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, ok := store.get(key); ok {
		t.Fatal("invalid record reached the store")
	}
}

func TestStoreFailureKeepsVisibleBlob(t *testing.T) {
	root := t.TempDir()
	store := newFlakyStore()
	c, _ := New(Config{Store: store, BlobRoot: root})
	defer c.Close()

	key := "http://example.test/page"
	c.PutAsync(key, entry(key, "AAAA"))
	syncWorker(t, c)

	store.failPutsFor(key)
	replacement := entry(key, "<html>BBBBBBBB</html>")
	replacement.Header = codec.Header{{Name: "Content-Type", Values: []string{"text/html"}}}
	c.PutAsync(key, replacement)
	syncWorker(t, c)

	got, ok, err := c.Get(key)
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ct := got.Header.Values("Content-Type"); len(ct) != 1 || ct[0] != "text/plain" {
		t.Fatalf("Content-Type is %v", ct)
	}
	if body := readBody(t, c, got); body != "AAAA" {
		t.Fatalf("body is %s", body)
	}
	files, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if strings.Contains(f.Name(), ".tmp-") {
			t.Fatalf("temporary blob %s left behind", f.Name())
		}
	}
}

func TestPutAfterClose(t *testing.T) {
	c, _ := New(Config{})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.PutAsync("k", entry("k", "v")); err != ErrClosed {
		t.Fatalf("err is %v", err)
	}
	// closing twice is fine
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	idx := newIndex(nil)
	idx.publish(map[string][]byte{"a": []byte("1")})
	before := *idx.snapshot.Load()
	idx.publish(map[string][]byte{"a": []byte("2"), "b": []byte("3")})

	if string(before["a"]) != "1" || len(before) != 1 {
		t.Fatalf("published snapshot changed: %v", before)
	}
	if data, _ := idx.get("a"); string(data) != "2" {
		t.Fatalf("a is %s", data)
	}
	if idx.len() != 2 {
		t.Fatalf("len is %d", idx.len())
	}
}
