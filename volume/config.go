package volume

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

// DefaultMaxWriteWorkers caps the default number of concurrent chunk writes.
const DefaultMaxWriteWorkers = 8

// Options tune a Reader or Writer.  The zero value uses defaults.
type Options struct {
	// Workers is the number of concurrent chunk reads.  Default runtime.NumCPU().
	Workers int

	// WriteWorkers is the number of concurrent chunk writes.  Default is
	// runtime.NumCPU() up to DefaultMaxWriteWorkers.
	WriteWorkers int

	// CacheMB sizes an in-memory cache of decoded chunks for a Reader.  0 disables it.
	CacheMB int

	// Config holds backend keys such as "compressor" or "compression".
	Config tsio.Config
}

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

func (o *Options) writeWorkers() int {
	if o == nil || o.WriteWorkers <= 0 {
		return min(runtime.NumCPU(), DefaultMaxWriteWorkers)
	}
	return o.WriteWorkers
}

func (o *Options) cacheMB() int {
	if o == nil {
		return 0
	}
	return o.CacheMB
}

func (o *Options) config() tsio.Config {
	if o == nil {
		return nil
	}
	return o.Config
}

// Config is the TOML configuration shared by command-line tools:
//
//	[logging]
//	logfile = "/var/log/tsio.log"
//	max_log_size = 500 # MB
//	max_log_age = 30   # days
//	level = "info"
//
//	[reader]
//	workers = 16
//	cache_mb = 256
//
//	[writer]
//	workers = 4
//
//	[store.omezarr]
//	compressor = "zstd"
//	level = 3
type Config struct {
	Logging tsio.LogConfig
	Reader  readerConfig
	Writer  writerConfig
	Store   map[string]tsio.Config
}

type readerConfig struct {
	Workers int
	CacheMB int `toml:"cache_mb"`
}

type writerConfig struct {
	Workers int
}

// LoadConfig decodes a TOML file.  A relative logfile is taken relative to the
// file's directory.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no TOML configuration file provided")
	}
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if c.Logging.Logfile != "" && !filepath.IsAbs(c.Logging.Logfile) {
		c.Logging.Logfile = filepath.Join(filepath.Dir(filename), c.Logging.Logfile)
	}
	stores := make(map[string]tsio.Config, len(c.Store))
	for name, sc := range c.Store {
		ft, err := storage.ParseFileType(name)
		if err != nil {
			return nil, fmt.Errorf("[store.%s] does not name a file type: %w", name, err)
		}
		stores[ft.String()] = sc
	}
	c.Store = stores
	tsio.Debugf("Loaded configuration %s\n", filename)
	return &c, nil
}

// SetLogger routes package logging as the [logging] section asks.
func (c *Config) SetLogger() error {
	return c.Logging.SetLogger()
}

// Options returns the reader and writer options for a file type.
func (c *Config) Options(ft storage.FileType) *Options {
	opts := &Options{
		Workers:      c.Reader.Workers,
		WriteWorkers: c.Writer.Workers,
		CacheMB:      c.Reader.CacheMB,
	}
	if sc, found := c.Store[ft.String()]; found {
		opts.Config = sc
	}
	return opts
}
