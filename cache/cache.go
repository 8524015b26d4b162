package cache

import (
	"bytes"
	"io"
	"os"
	"sync"

	codec "github.com/always-cache/cacheproxy/pkg/entry-codec"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by PutAsync after the cache has been closed.
var ErrClosed = errors.New("cache closed")

type Config struct {
	// Durable storage for encoded entries. Entries are kept in memory only if nil.
	Store Store
	// Directory for body blobs. Bodies are stored inline in the entry if empty.
	BlobRoot string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Cache is a write-behind response cache.
// Reads are served from an in-memory snapshot index; writes are queued and
// applied by a single persistence worker, which is the only writer of the
// index, the store and the blob files.
type Cache struct {
	store    Store
	blobRoot string
	index    *index
	queue    *queue
	log      zerolog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates the cache, loads all stored entries into the index
// and starts the persistence worker.
func New(config Config) (*Cache, error) {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	c := &Cache{
		store:    config.Store,
		blobRoot: config.BlobRoot,
		queue:    newQueue(),
		log:      logger.With().Str("component", "cache").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if c.blobRoot != "" {
		if err := os.MkdirAll(c.blobRoot, 0755); err != nil {
			return nil, errors.Wrap(err, "create blob directory")
		}
	}

	initial := make(map[string][]byte)
	if c.store != nil {
		err := c.store.Load(func(key string, data []byte) {
			initial[key] = data
		})
		if err != nil {
			return nil, errors.Wrap(err, "load stored entries")
		}
	}
	c.index = newIndex(initial)
	c.log.Debug().Int("entries", len(initial)).Str("blobs", c.blobRoot).Msg("Cache loaded")

	go c.run()

	return c, nil
}

// Get returns the entry currently visible for key.
// It never waits for pending writes, so an entry that is still queued is not found.
// A stored entry that cannot be decoded is reported as an error and not found.
func (c *Cache) Get(key string) (codec.Entry, bool, error) {
	data, ok := c.index.get(key)
	if !ok {
		return codec.Entry{}, false, nil
	}
	entry, err := codec.Decode(data)
	if err != nil {
		return codec.Entry{}, false, errors.Wrapf(err, "decode entry %s", key)
	}
	return entry, true, nil
}

// PutAsync queues the entry for persistence and returns immediately.
// The only failure is ErrClosed; caching is best effort.
func (c *Cache) PutAsync(key string, entry codec.Entry) error {
	return c.queue.push(Record{Key: key, Entry: entry})
}

// OpenBody returns a reader for the entry's body along with its length in bytes.
func (c *Cache) OpenBody(entry codec.Entry) (io.ReadCloser, int64, error) {
	if !entry.HasBlob() {
		return io.NopCloser(bytes.NewReader(entry.Body)), int64(len(entry.Body)), nil
	}
	if c.blobRoot == "" {
		return nil, 0, errors.Errorf("entry references blob %s but no blob directory is configured", entry.BodyRef)
	}
	return openBlob(c.blobRoot, entry.BodyRef)
}

// Len returns the number of entries in the current index snapshot.
func (c *Cache) Len() int {
	return c.index.len()
}

// Close stops the persistence worker and closes the store.
// Queued records that have not been persisted yet are lost.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.queue.close()
		close(c.stop)
		<-c.done
		if c.store != nil {
			err = c.store.Close()
		}
	})
	return err
}
