// Package cache keeps the last telemetry record of each device in a JSON file.
package cache

import (
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/geometris/wq"
)

var ErrNotFound = errors.New("no record in cache")

type recordCache struct {
	filename string
	lock     sync.RWMutex
}

func New(filename string) wq.TelemetryCache {
	return &recordCache{
		filename: filename,
	}
}

// Store saves r under addr. With replace false an existing record is an
// error.
func (rc *recordCache) Store(addr wq.DeviceAddress, r *wq.Record, replace bool) error {
	if addr == "" {
		return &wq.Error{Code: wq.InvalidParams, Msg: "empty device address"}
	}
	if r == nil {
		return &wq.Error{Code: wq.InvalidParams, Msg: "nil record"}
	}

	rc.lock.Lock()
	defer rc.lock.Unlock()

	cache, err := rc.loadExisting()
	if err != nil {
		return err
	}

	key := addr.String()
	if _, ok := cache[key]; ok && !replace {
		return errors.Errorf("cache already contains a record for %s", key)
	}

	cache[key] = r

	return rc.storeCache(cache)
}

func (rc *recordCache) Load(addr wq.DeviceAddress) (*wq.Record, error) {
	rc.lock.RLock()
	defer rc.lock.RUnlock()

	cache, err := rc.loadExisting()
	if err != nil {
		return nil, err
	}

	r, ok := cache[addr.String()]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", addr)
	}

	return r, nil
}

func (rc *recordCache) Clear() error {
	rc.lock.Lock()
	defer rc.lock.Unlock()

	err := os.Remove(rc.filename)
	if err != nil && !os.IsNotExist(err) {
		return &wq.Error{Code: wq.FileIO, Msg: err.Error()}
	}

	return nil
}

func (rc *recordCache) loadExisting() (map[string]*wq.Record, error) {
	in, err := ioutil.ReadFile(rc.filename)
	if os.IsNotExist(err) {
		return map[string]*wq.Record{}, nil
	}
	if err != nil {
		return nil, &wq.Error{Code: wq.FileIO, Msg: err.Error()}
	}

	cache := map[string]*wq.Record{}
	if len(in) == 0 {
		return cache, nil
	}
	if err := jsoniter.Unmarshal(in, &cache); err != nil {
		return nil, errors.Wrapf(err, "corrupt cache %s", rc.filename)
	}

	return cache, nil
}

func (rc *recordCache) storeCache(cache map[string]*wq.Record) error {
	out, err := jsoniter.Marshal(cache)
	if err != nil {
		return errors.Wrap(err, "can't encode cache")
	}

	if err := ioutil.WriteFile(rc.filename, out, 0644); err != nil {
		return &wq.Error{Code: wq.FileIO, Msg: err.Error()}
	}
	return nil
}
