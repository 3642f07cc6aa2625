package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ipfs/go-datastore"
	dsync "github.com/ipfs/go-datastore/sync"
	s3ds "github.com/ipfs/go-ds-s3"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"
	"github.com/quorumcontrol/chaintree/cachedblockstore"
)

var log = logging.Logger("storage")

const (
	KindMemory = "memory"
	KindBadger = "badger"
	KindS3     = "s3"
)

// Config selects and configures the datastore a node keeps its records,
// directory, keys and notary state in.
type Config struct {
	Kind string
	// Path is the badger directory
	Path string
	// CacheSize is the transaction blockstore cache. 0 means the default
	// of 100, -1 disables the cache.
	CacheSize int

	RegionEndpoint string
	Bucket         string
	Region         string
	AccessKey      string
	SecretKey      string
	LocalS3        bool
	RootDirectory  string
}

// NewDefaultMemory backs the memory kind. Every open store is a separate
// map, nothing survives a restart.
func NewDefaultMemory() datastore.Batching {
	return dsync.MutexWrap(datastore.NewMapDatastore())
}

// Open returns the datastore for name. Badger needs a directory of its
// own per open store, so name is appended to Path for that kind.
func (c *Config) Open(name string) (datastore.Batching, error) {
	switch strings.ToLower(c.Kind) {
	case "", KindMemory:
		return NewDefaultMemory(), nil
	case KindBadger:
		return NewDefaultBadger(filepath.Join(c.Path, name))
	case KindS3:
		return NewS3(c, name)
	default:
		return nil, fmt.Errorf("error, unknown storage kind: %s", c.Kind)
	}
}

// Blockstore wraps ds in a (by default cached) blockstore.
func (c *Config) Blockstore(ds datastore.Batching) (blockstore.Blockstore, error) {
	return NewBlockstore(ds, c.CacheSize)
}

func NewBlockstore(ds datastore.Batching, cacheSize int) (blockstore.Blockstore, error) {
	bs := blockstore.NewBlockstore(ds)
	if cacheSize < 0 {
		return bs, nil
	}
	if cacheSize == 0 {
		cacheSize = 100
	}
	wrapped, err := cachedblockstore.WrapInCache(bs, cacheSize)
	if err != nil {
		return nil, fmt.Errorf("error wrapping blockstore: %w", err)
	}
	return wrapped, nil
}

func NewS3(c *Config, name string) (datastore.Batching, error) {
	conf := s3ds.Config{
		RegionEndpoint: c.RegionEndpoint,
		Bucket:         c.Bucket,
		Region:         c.Region,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		RootDirectory:  strings.TrimSuffix(c.RootDirectory, "/") + "/" + name,
	}

	ds, err := s3ds.NewS3Datastore(conf)
	if err != nil {
		return nil, errors.Wrap(err, "error creating s3 datastore")
	}
	if c.LocalS3 {
		log.Debugf("creating bucket %s", c.Bucket)
		if err := createLocalBucket(ds.S3, c.Bucket); err != nil {
			return nil, errors.Wrap(err, "error creating bucket")
		}
	}
	return ds, nil
}

func createLocalBucket(client *s3.S3, bucket string) error {
	_, err := client.CreateBucket(&s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if aerr, ok := err.(interface{ Code() string }); ok && aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou {
		err = nil
	}
	// local s3 servers need a moment before the bucket is usable
	time.Sleep(1 * time.Second)
	return err
}
