package main

import (
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// config is the benchmark setup. Every field is a flag; a YAML file given
// with --config sets the fields the command line left alone.
type config struct {
	Capacity int    `yaml:"capacity"`
	Lanes    int    `yaml:"lanes"`
	Tracker  string `yaml:"tracker"` // lru | sharded | 2q
	Shards   int    `yaml:"shards"`
	Policy   string `yaml:"write_policy"` // through | around | back | behind
	Backend  string `yaml:"backend"`      // memory | redis

	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	WALDir      string        `yaml:"wal_dir"`
	BatchSize   int           `yaml:"batch_size"`
	FlushEvery  time.Duration `yaml:"flush_interval"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`

	Workers  int           `yaml:"workers"`
	Duration time.Duration `yaml:"duration"`
	ReadPct  int           `yaml:"reads"`
	Keys     int           `yaml:"keys"`
	ZipfS    float64       `yaml:"zipf_s"`
	ZipfV    float64       `yaml:"zipf_v"`
	Seed     int64         `yaml:"seed"`
	Preload  int           `yaml:"preload"`

	PprofAddr   string `yaml:"pprof_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Dev         bool   `yaml:"dev"`
}

func (c *config) bind(fs *pflag.FlagSet) {
	fs.IntVar(&c.Capacity, "cap", 100_000, "cache capacity (entries)")
	fs.IntVar(&c.Lanes, "lanes", 0, "number of lanes (0=GOMAXPROCS)")
	fs.StringVar(&c.Tracker, "tracker", "lru", "eviction tracker: lru | sharded | 2q")
	fs.IntVar(&c.Shards, "shards", 0, "tracker shards for --tracker=sharded (0=auto)")
	fs.StringVar(&c.Policy, "write-policy", "through", "write policy: through | around | back | behind")
	fs.StringVar(&c.Backend, "backend", "memory", "backing store: memory | redis")

	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis address for --backend=redis")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "bench", "redis key prefix")
	fs.StringVar(&c.WALDir, "wal-dir", os.TempDir(), "directory of the write-behind log")
	fs.IntVar(&c.BatchSize, "batch", 0, "write-back/behind batch size (0=default)")
	fs.DurationVar(&c.FlushEvery, "flush-interval", 0, "write-back/behind flush interval (0=default)")
	fs.DurationVar(&c.DefaultTTL, "ttl", 0, "default entry TTL (0=none)")

	fs.IntVar(&c.Workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	fs.DurationVar(&c.Duration, "duration", 10*time.Second, "benchmark duration")
	fs.IntVar(&c.ReadPct, "reads", 80, "read percentage [0..100]")
	fs.IntVar(&c.Keys, "keys", 1_000_000, "keyspace size")
	fs.Float64Var(&c.ZipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	fs.Float64Var(&c.ZipfV, "zipf-v", 1.0, "Zipf v")
	fs.Int64Var(&c.Seed, "seed", time.Now().UnixNano(), "random seed")
	fs.IntVar(&c.Preload, "preload", 0, "preload entries (0 = cap/2)")

	fs.StringVar(&c.PprofAddr, "pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	fs.StringVar(&c.MetricsAddr, "http", ":8080", "serve Prometheus metrics at addr")
	fs.BoolVar(&c.Dev, "dev", false, "human-readable development logging")
}

// load overlays the YAML file at path, keeping flags set on the command line.
func (c *config) load(cmd *cobra.Command, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}

	explicit := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

	if err := yaml.Unmarshal(raw, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	for name, v := range explicit {
		if err := cmd.Flags().Set(name, v); err != nil {
			return errors.Wrapf(err, "flag --%s", name)
		}
	}
	return nil
}

func (c *config) validate() error {
	switch {
	case c.Capacity <= 0:
		return errors.Newf("capacity must be > 0, got %d", c.Capacity)
	case c.Keys <= 1:
		return errors.Newf("keys must be > 1, got %d", c.Keys)
	case c.ReadPct < 0 || c.ReadPct > 100:
		return errors.Newf("reads must be in [0,100], got %d", c.ReadPct)
	case c.ZipfS <= 1:
		return errors.Newf("zipf-s must be > 1, got %v", c.ZipfS)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return nil
}
