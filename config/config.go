// Package config reads a YAML collection definition and builds the running collection from it.
package config

import (
	"bytes"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/SchnorcherSepp/collectionfs/policy"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// store kinds
const (
	KindFilesystem = "filesystem"
	KindS3         = "s3"
	KindGridFS     = "gridfs"
	KindGDrive     = "gdrive"
)

// index kinds
const (
	IndexMemory = "memory"
	IndexMongo  = "mongo"
	IndexSQLite = "sqlite"
)

// transform kinds
const (
	TransformZstd      = "zstd"
	TransformGzip      = "gzip"
	TransformXChaCha20 = "xchacha20"
)

// Definition describes one collection.
//
//	name: images
//	baseURL: https://files.example.com
//	policy:
//	  maxSize: 10MiB
//	  allow:
//	    contentTypes: [image/*]
//	index:
//	  kind: sqlite
//	  dsn: /var/lib/cfs/images.db
//	stores:
//	  - name: local
//	    kind: filesystem
//	    path: /var/lib/cfs/images
//	  - name: s3
//	    kind: s3
//	    s3: {endpoint: s3.example.com, bucket: images, accessKeyID: "${S3_KEY}", secretAccessKey: "${S3_SECRET}", secure: true}
//	    transforms:
//	      - kind: zstd
//	      - {kind: xchacha20, key: "${CFS_KEY}"}
type Definition struct {
	Name        string      `yaml:"name"`
	BaseURL     string      `yaml:"baseURL"`
	Concurrency int         `yaml:"concurrency"`
	CacheMB     int         `yaml:"cacheMB"` // sector cache for random access, 0 = off
	Spool       SpoolDef    `yaml:"spool"`
	Policy      PolicyDef   `yaml:"policy"`
	Index       IndexDef    `yaml:"index"`
	Stores      []*StoreDef `yaml:"stores"`
}

type SpoolDef struct {
	Dir    string `yaml:"dir"`
	Memory string `yaml:"memory"` // example: 4MiB
}

type PolicyDef struct {
	MaxSize string       `yaml:"maxSize"` // example: 10MiB, empty = unlimited
	Allow   policy.Rules `yaml:"allow"`
	Deny    policy.Rules `yaml:"deny"`
}

type IndexDef struct {
	Kind       string `yaml:"kind"`       // memory (default), mongo, sqlite
	Snapshot   string `yaml:"snapshot"`   // memory: snapshot file (optional)
	URL        string `yaml:"url"`        // mongo
	Database   string `yaml:"database"`   // mongo
	Collection string `yaml:"collection"` // mongo (default: the collection name)
	DSN        string `yaml:"dsn"`        // sqlite
}

// StoreDef is one backend of the collection. Exactly the block matching Kind is read.
type StoreDef struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	KeyPrefix string `yaml:"keyPrefix"`

	Path   string     `yaml:"path"` // filesystem root
	S3     *S3Def     `yaml:"s3"`
	GridFS *GridFSDef `yaml:"gridfs"`
	GDrive *GDriveDef `yaml:"gdrive"`

	Transforms     []TransformDef `yaml:"transforms"`
	MaxTries       int            `yaml:"maxTries"`
	Delay          time.Duration  `yaml:"delay"`
	Timeout        time.Duration  `yaml:"timeout"`
	AllowOverwrite bool           `yaml:"allowOverwrite"`
}

type S3Def struct {
	Endpoint           string `yaml:"endpoint"`
	AccessKeyID        string `yaml:"accessKeyID"`
	SecretAccessKey    string `yaml:"secretAccessKey"`
	SessionToken       string `yaml:"sessionToken"`
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	ACL                string `yaml:"acl"`
	Folder             string `yaml:"folder"`
	Secure             bool   `yaml:"secure"`
	PartSize           string `yaml:"partSize"`
	MultipartThreshold string `yaml:"multipartThreshold"`
	CreateBucket       bool   `yaml:"createBucket"`
}

type GridFSDef struct {
	URL       string `yaml:"url"`
	Database  string `yaml:"database"`
	Bucket    string `yaml:"bucket"`
	ChunkSize string `yaml:"chunkSize"` // example: 256KiB
}

type GDriveDef struct {
	Credentials string `yaml:"credentials"` // OAuth client file
	Token       string `yaml:"token"`       // token file, created with 'cfs token'
	Folder      string `yaml:"folder"`
	CacheFile   string `yaml:"cacheFile"`
}

type TransformDef struct {
	Kind string `yaml:"kind"`
	Key  string `yaml:"key"` // xchacha20: 64 hex digits
}

// Load reads and validates the definition file.
// ${VAR} references are replaced with environment variables before parsing.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s", path)
	}
	def, err := Parse(data)
	return def, errors.Annotatef(err, "config %s", path)
}

// Parse is Load without the file.
func Parse(data []byte) (*Definition, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	def := new(Definition)
	if err := dec.Decode(def); err != nil {
		return nil, errors.NewNotValid(err, "parse yaml")
	}
	if err := def.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return def, nil
}

// Validate checks the definition without touching any backend.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.NotValidf("collection without name")
	}
	if d.Concurrency < 0 || d.CacheMB < 0 {
		return errors.NotValidf("negative concurrency or cacheMB")
	}
	if _, err := parseSize(d.Spool.Memory); err != nil {
		return errors.Annotate(err, "spool.memory")
	}
	if _, err := parseSize(d.Policy.MaxSize); err != nil {
		return errors.Annotate(err, "policy.maxSize")
	}

	switch d.Index.Kind {
	case "", IndexMemory:
	case IndexMongo:
		if d.Index.URL == "" || d.Index.Database == "" {
			return errors.NotValidf("mongo index without url or database")
		}
	case IndexSQLite:
		if d.Index.DSN == "" {
			return errors.NotValidf("sqlite index without dsn")
		}
	default:
		return errors.NotValidf("index kind %q", d.Index.Kind)
	}

	if len(d.Stores) == 0 {
		return errors.NotValidf("collection %s without stores", d.Name)
	}
	names := make(map[string]bool)
	for i, s := range d.Stores {
		if s == nil {
			return errors.NotValidf("store %d is empty", i+1)
		}
		if names[s.Name] {
			return errors.NotValidf("duplicate store %q", s.Name)
		}
		names[s.Name] = true
		if err := s.validate(); err != nil {
			return errors.Annotatef(err, "store %q", s.Name)
		}
	}
	return nil
}

func (s *StoreDef) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.NotValidf("store without name")
	}
	if s.MaxTries < 0 || s.Delay < 0 || s.Timeout < 0 {
		return errors.NotValidf("negative retry settings")
	}

	switch s.Kind {
	case KindFilesystem:
		if s.Path == "" {
			return errors.NotValidf("filesystem store without path")
		}
	case KindS3:
		if s.S3 == nil || s.S3.Endpoint == "" || s.S3.Bucket == "" {
			return errors.NotValidf("s3 store without endpoint or bucket")
		}
		for _, v := range []string{s.S3.PartSize, s.S3.MultipartThreshold} {
			if _, err := parseSize(v); err != nil {
				return errors.Trace(err)
			}
		}
	case KindGridFS:
		if s.GridFS == nil || s.GridFS.URL == "" || s.GridFS.Database == "" {
			return errors.NotValidf("gridfs store without url or database")
		}
		n, err := parseSize(s.GridFS.ChunkSize)
		if err != nil {
			return errors.Trace(err)
		}
		if n > 16*1024*1024 {
			return errors.NotValidf("gridfs chunk size %s", s.GridFS.ChunkSize)
		}
	case KindGDrive:
		if s.GDrive == nil || s.GDrive.Credentials == "" || s.GDrive.Token == "" {
			return errors.NotValidf("gdrive store without credentials or token")
		}
	default:
		return errors.NotValidf("store kind %q", s.Kind)
	}

	for _, t := range s.Transforms {
		if _, err := t.key(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// key decodes the xchacha20 key and rejects unknown kinds.
func (t TransformDef) key() ([]byte, error) {
	switch t.Kind {
	case TransformZstd, TransformGzip:
		return nil, nil
	case TransformXChaCha20:
		key, err := hex.DecodeString(strings.TrimSpace(t.Key))
		if err != nil || len(key) != 32 {
			return nil, errors.NotValidf("xchacha20 key (want 64 hex digits)")
		}
		return key, nil
	default:
		return nil, errors.NotValidf("transform kind %q", t.Kind)
	}
}

// parseSize accepts humanized sizes like 16MiB or 500kB. Empty means 0.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.NewNotValid(err, "size "+s)
	}
	if n > 1<<62 {
		return 0, errors.NotValidf("size %s", s)
	}
	return int64(n), nil
}
