package storage

import (
	"encoding/json"
	"time"

	"gitlab.com/tozd/go/errors"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var (
	// pool name -> "active" / "inactive"
	poolStateBucket = []byte("pool-state")
	// one nested bucket per pool, volume name -> JSON volume record
	volumesBucket = []byte("volumes")
)

// catalog persists pool state and volume metadata in a bbolt file.
type catalog struct {
	db *bolt.DB
}

func openCatalog(path string) (*catalog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Errorf("opening volume catalogue %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{poolStateBucket, volumesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Errorf("initializing volume catalogue: %w", err)
	}

	return &catalog{db: db}, nil
}

func (c *catalog) close() error {
	return c.db.Close()
}

func (c *catalog) setActive(pool string, active bool) error {
	value := []byte("inactive")
	if active {
		value = []byte("active")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolStateBucket).Put([]byte(pool), value)
	})
}

func (c *catalog) active(pool string) bool {
	var active bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		active = string(tx.Bucket(poolStateBucket).Get([]byte(pool))) == "active"
		return nil
	})
	return active
}

func (c *catalog) putVolume(vol Volume) error {
	data, err := json.Marshal(vol)
	if err != nil {
		return errors.Errorf("encoding volume %s: %w", vol.Name, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(volumesBucket).CreateBucketIfNotExists([]byte(vol.Pool))
		if err != nil {
			return err
		}
		return b.Put([]byte(vol.Name), data)
	})
}

func (c *catalog) deleteVolume(pool, name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(volumesBucket).Bucket([]byte(pool))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

// volumes returns the catalogued volumes of pool keyed by name.
func (c *catalog) volumes(pool string) (map[string]Volume, error) {
	out := map[string]Volume{}
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(volumesBucket).Bucket([]byte(pool))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var vol Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return errors.Errorf("decoding volume %s: %w", k, err)
			}
			out[string(k)] = vol
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forget drops every record of pool.
func (c *catalog) forget(pool string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(poolStateBucket).Delete([]byte(pool)); err != nil {
			return err
		}
		err := tx.Bucket(volumesBucket).DeleteBucket([]byte(pool))
		if err != nil && !errors.Is(err, berrors.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}
