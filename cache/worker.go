package cache

import (
	"os"

	codec "github.com/always-cache/cacheproxy/pkg/entry-codec"

	"github.com/pkg/errors"
)

// run is the persistence worker loop.
// It waits for queued records, commits them in FIFO order and publishes
// the result as a new index snapshot, one snapshot per batch.
func (c *Cache) run() {
	defer close(c.done)
	c.log.Trace().Msg("Starting persistence worker")
	for {
		select {
		case <-c.stop:
			c.log.Trace().Msg("Stopping persistence worker")
			return
		case <-c.queue.ready:
		}
		c.persist(c.queue.drain())
	}
}

func (c *Cache) persist(records []Record) {
	if len(records) == 0 {
		return
	}
	updates := make(map[string][]byte, len(records))
	for _, rec := range records {
		data, err := c.commit(rec)
		if err != nil {
			// the response was delivered already, nothing else to do
			c.log.Warn().Err(err).Str("key", rec.Key).Msg("Could not persist cache entry, dropping it")
			continue
		}
		updates[rec.Key] = data
	}
	c.index.publish(updates)
	c.log.Trace().
		Int("records", len(records)).
		Int("published", len(updates)).
		Msg("Published index snapshot")
}

// commit writes the encoded entry to durable storage and returns it for the index.
// With blobs enabled the body goes to a temporary file first and only replaces
// the blob of the current entry once the store has accepted the new metadata,
// so a dropped record never changes what readers see.
func (c *Cache) commit(rec Record) ([]byte, error) {
	entry := rec.Entry
	var path, tmp string
	if c.blobRoot != "" && !entry.HasBlob() {
		path = codec.StoragePath(c.blobRoot, rec.Key)
		var err error
		if tmp, err = createBlob(path, entry.Body); err != nil {
			return nil, err
		}
		entry.Body = nil
		entry.BodyRef = codec.Digest(rec.Key)
	}

	data, err := codec.Encode(entry)
	if err != nil {
		discardBlob(tmp)
		return nil, errors.Wrap(err, "encode entry")
	}
	if c.store != nil {
		if err := c.store.Put(rec.Key, data); err != nil {
			discardBlob(tmp)
			return nil, err
		}
	}

	if tmp != "" {
		if err := commitBlob(tmp, path); err != nil {
			c.restore(rec.Key)
			return nil, err
		}
		c.log.Trace().Str("key", rec.Key).Str("path", path).Int("bytes", len(rec.Entry.Body)).Msg("Wrote body blob")
	}
	return data, nil
}

// restore puts the indexed entry for key back into the store
// after a commit failed past Store.Put.
func (c *Cache) restore(key string) {
	if c.store == nil {
		return
	}
	prev, ok := c.index.get(key)
	if !ok {
		return
	}
	if err := c.store.Put(key, prev); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not restore stored entry")
	}
}

func discardBlob(tmp string) {
	if tmp != "" {
		os.Remove(tmp)
	}
}
