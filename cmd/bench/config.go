package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// profile is one benchmark run. It can be loaded from YAML with -config;
// flags given explicitly on the command line win over the file.
type profile struct {
	Path    string `yaml:"path"`
	Durable bool   `yaml:"durable"`
	Shards  int    `yaml:"shards"`

	Workers       int           `yaml:"workers"`
	Duration      time.Duration `yaml:"duration"`
	Reads         int           `yaml:"reads"`   // percent of Get calls
	Tagged        int           `yaml:"tagged"`  // percent of writes that carry a dependency tag
	Sliding       int           `yaml:"sliding"` // percent of writes with sliding expiry (rest absolute)
	TTL           time.Duration `yaml:"ttl"`     // expiry used by writes
	Tags          int           `yaml:"tags"`    // number of distinct dependency tags
	Invalidations time.Duration `yaml:"invalidate_every"`

	Keys    int     `yaml:"keys"`
	ZipfS   float64 `yaml:"zipf_s"`
	ZipfV   float64 `yaml:"zipf_v"`
	Seed    int64   `yaml:"seed"`
	Preload int     `yaml:"preload"`
	Value   int     `yaml:"value_bytes"`

	PprofAddr   string `yaml:"pprof"`
	MetricsAddr string `yaml:"http"`
}

func defaultProfile() profile {
	return profile{
		Path:          "bench.db",
		Workers:       2 * runtime.GOMAXPROCS(0),
		Duration:      10 * time.Second,
		Reads:         80,
		Tagged:        20,
		Sliding:       50,
		TTL:           30 * time.Second,
		Tags:          64,
		Invalidations: time.Second,
		Keys:          100_000,
		ZipfS:         1.1,
		ZipfV:         1.0,
		Seed:          time.Now().UnixNano(),
		Preload:       10_000,
		Value:         128,
		MetricsAddr:   ":8080",
	}
}

// parseProfile applies defaults, then the YAML file, then explicit flags.
func parseProfile(fs *flag.FlagSet, args []string) (profile, error) {
	p := defaultProfile()
	var fromFlags profile
	config := fs.String("config", "", "YAML profile; explicit flags override it")
	fs.StringVar(&fromFlags.Path, "path", p.Path, "database file (truncated on start)")
	fs.BoolVar(&fromFlags.Durable, "durable", p.Durable, "flush every Set/Remove to disk")
	fs.IntVar(&fromFlags.Shards, "shards", p.Shards, "key lock shards (0=default)")
	fs.IntVar(&fromFlags.Workers, "workers", p.Workers, "number of worker goroutines")
	fs.DurationVar(&fromFlags.Duration, "duration", p.Duration, "benchmark duration")
	fs.IntVar(&fromFlags.Reads, "reads", p.Reads, "read percentage [0..100]")
	fs.IntVar(&fromFlags.Tagged, "tagged", p.Tagged, "percentage of writes carrying a dependency tag")
	fs.IntVar(&fromFlags.Sliding, "sliding", p.Sliding, "percentage of writes using sliding expiry")
	fs.DurationVar(&fromFlags.TTL, "ttl", p.TTL, "expiry of written entries")
	fs.IntVar(&fromFlags.Tags, "tags", p.Tags, "distinct dependency tags")
	fs.DurationVar(&fromFlags.Invalidations, "invalidate_every", p.Invalidations, "RemoveByDependency period (0=off)")
	fs.IntVar(&fromFlags.Keys, "keys", p.Keys, "keyspace size")
	fs.Float64Var(&fromFlags.ZipfS, "zipf_s", p.ZipfS, "Zipf s > 1 (skew)")
	fs.Float64Var(&fromFlags.ZipfV, "zipf_v", p.ZipfV, "Zipf v")
	fs.Int64Var(&fromFlags.Seed, "seed", p.Seed, "random seed")
	fs.IntVar(&fromFlags.Preload, "preload", p.Preload, "entries written before the run")
	fs.IntVar(&fromFlags.Value, "value_bytes", p.Value, "payload size")
	fs.StringVar(&fromFlags.PprofAddr, "pprof", p.PprofAddr, "serve pprof at addr (e.g. :6060); empty = disabled")
	fs.StringVar(&fromFlags.MetricsAddr, "http", p.MetricsAddr, "serve Prometheus metrics at addr; empty = disabled")
	if err := fs.Parse(args); err != nil {
		return profile{}, err
	}

	if *config != "" {
		raw, err := os.ReadFile(*config)
		if err != nil {
			return profile{}, fmt.Errorf("read profile: %w", err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return profile{}, fmt.Errorf("parse profile %s: %w", *config, err)
		}
	}

	set := map[string]func(){
		"path":             func() { p.Path = fromFlags.Path },
		"durable":          func() { p.Durable = fromFlags.Durable },
		"shards":           func() { p.Shards = fromFlags.Shards },
		"workers":          func() { p.Workers = fromFlags.Workers },
		"duration":         func() { p.Duration = fromFlags.Duration },
		"reads":            func() { p.Reads = fromFlags.Reads },
		"tagged":           func() { p.Tagged = fromFlags.Tagged },
		"sliding":          func() { p.Sliding = fromFlags.Sliding },
		"ttl":              func() { p.TTL = fromFlags.TTL },
		"tags":             func() { p.Tags = fromFlags.Tags },
		"invalidate_every": func() { p.Invalidations = fromFlags.Invalidations },
		"keys":             func() { p.Keys = fromFlags.Keys },
		"zipf_s":           func() { p.ZipfS = fromFlags.ZipfS },
		"zipf_v":           func() { p.ZipfV = fromFlags.ZipfV },
		"seed":             func() { p.Seed = fromFlags.Seed },
		"preload":          func() { p.Preload = fromFlags.Preload },
		"value_bytes":      func() { p.Value = fromFlags.Value },
		"pprof":            func() { p.PprofAddr = fromFlags.PprofAddr },
		"http":             func() { p.MetricsAddr = fromFlags.MetricsAddr },
	}
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
	return p, p.validate()
}

func (p profile) validate() error {
	switch {
	case p.Path == "":
		return fmt.Errorf("path must not be empty")
	case p.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", p.Workers)
	case p.Reads < 0 || p.Reads > 100:
		return fmt.Errorf("reads must be in [0,100], got %d", p.Reads)
	case p.Tagged < 0 || p.Tagged > 100:
		return fmt.Errorf("tagged must be in [0,100], got %d", p.Tagged)
	case p.Sliding < 0 || p.Sliding > 100:
		return fmt.Errorf("sliding must be in [0,100], got %d", p.Sliding)
	case p.TTL <= 0:
		return fmt.Errorf("ttl must be positive, got %v", p.TTL)
	case p.Keys <= 1:
		return fmt.Errorf("keys must be > 1, got %d", p.Keys)
	case p.Tags <= 0:
		return fmt.Errorf("tags must be positive, got %d", p.Tags)
	case p.ZipfS <= 1:
		return fmt.Errorf("zipf_s must be > 1, got %v", p.ZipfS)
	case p.ZipfV < 1:
		return fmt.Errorf("zipf_v must be >= 1, got %v", p.ZipfV)
	}
	return nil
}
