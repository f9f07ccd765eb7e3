// Package config contains slabcached input configuration. Values are merged
// from defaults, JSON config file (comments allowed), SLABCACHE_* environment
// variables and command line flags, each source overriding the previous one.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookgo/stackerr"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tailscale/hujson"

	"github.com/skipor/slabcache"
	"github.com/skipor/slabcache/log"
)

const EnvPrefix = "SLABCACHE"

type Config struct {
	Port           int    `json:"port" mapstructure:"port"`
	Host           string `json:"host" mapstructure:"host"`
	LogDestination string `json:"log-destination" mapstructure:"log-destination"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level" mapstructure:"log-level"`
	// Size values 1GiB, 64MiB, 1024k, 1000000b
	CacheSize       string `json:"cache-size" mapstructure:"cache-size"`
	SliceSize       string `json:"slice-size" mapstructure:"slice-size"`
	SlicesPerRegion int    `json:"slices-per-region" mapstructure:"slices-per-region"`
	MaxItemSize     string `json:"max-item-size" mapstructure:"max-item-size"`
	// MaxAge is default item max age, like 10m or 2h. Empty means that items never expire.
	MaxAge string `json:"max-age" mapstructure:"max-age"`
	Mmap   bool   `json:"mmap" mapstructure:"mmap"`
}

func Default() *Config {
	return &Config{
		Port:            11211,
		Host:            "",
		LogDestination:  "stderr",
		LogLevel:        "info",
		CacheSize:       "64MiB",
		SliceSize:       "4KiB",
		SlicesPerRegion: 256,
		MaxItemSize:     "1MiB",
	}
}

// RegisterFlags adds flag per config value. Flag names are equal to config keys.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("host", def.Host, "host address to bind")
	fs.Int("port", def.Port, "port num")
	fs.String("log-destination", def.LogDestination, "log destination: stderr, stdout or file path")
	fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error, fatal")
	fs.String("cache-size", def.CacheSize, "cache memory limit: 2GiB, 64MiB")
	fs.String("slice-size", def.SliceSize, "size of buffer slice: 4KiB")
	fs.Int("slices-per-region", def.SlicesPerRegion, "number of slices allocated at once")
	fs.String("max-item-size", def.MaxItemSize, "max item size: 10MiB, 1024k")
	fs.String("max-age", def.MaxAge, "default item max age: 10m, 2h. Empty means no expiration")
	fs.Bool("mmap", def.Mmap, "allocate cache memory out of Go heap")
}

// Load merges defaults, config file at path (if not empty), environment and
// changed flags from fs (if not nil).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, stackerr.Newf("Config file read error: %v", err)
		}
		data, err = hujson.Standardize(data)
		if err != nil {
			return nil, stackerr.Newf("Config file parse error: %v", err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, stackerr.Newf("Config file parse error: %v", err)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, stackerr.Wrap(err)
		}
	}
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, stackerr.Newf("Config decode error: %v", err)
	}
	return conf, nil
}

// setDefaults makes every config key known to viper, so environment is
// looked up for all of them.
func setDefaults(v *viper.Viper, def *Config) error {
	var values map[string]interface{}
	if err := json.Unmarshal(Marshal(def), &values); err != nil {
		return stackerr.Wrap(err)
	}
	for k, val := range values {
		v.SetDefault(k, val)
	}
	return nil
}

func Parse(conf Config) (sconf slabcache.Config, err error) {
	sconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	sconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	sconf.Cache.MaxMemory, err = parseSize(conf.CacheSize)
	if err != nil {
		err = stackerr.Newf("Cache size parse error: %v", err)
		return
	}
	sliceSize, err := parseSize(conf.SliceSize)
	if err != nil {
		err = stackerr.Newf("Slice size parse error: %v", err)
		return
	}
	sconf.Cache.SliceSize = int(sliceSize)
	sconf.Cache.SlicesPerRegion = conf.SlicesPerRegion
	if conf.MaxAge != "" {
		sconf.Cache.MaxAge, err = time.ParseDuration(conf.MaxAge)
		if err != nil {
			err = stackerr.Newf("Max age parse error: %v", err)
			return
		}
	}
	if err = sconf.Cache.Validate(); err != nil {
		return
	}
	sconf.MaxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if sconf.MaxItemSize > slabcache.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	sconf.Mmap = conf.Mmap
	sconf.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	return
}

func Marshal(conf *Config) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (int64, error) {
	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if size > 1<<62 {
		return 0, stackerr.Newf("size %v is too large", s)
	}
	return int64(size), nil
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	}
	return
}
