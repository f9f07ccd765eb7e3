package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/skipor/slabcache"
	"github.com/skipor/slabcache/bufcache"
	"github.com/skipor/slabcache/cmd/slabcached/config"
	"github.com/skipor/slabcache/internal/tag"
	"github.com/skipor/slabcache/log"
	"github.com/skipor/slabcache/slab"
)

const usage = `Memcached text protocol server, that stores values in slab allocated buffers.

Config values merge rules:
1) config file value overrides default
2) SLABCACHE_* environment variable overrides config file, e.g. SLABCACHE_CACHE_SIZE=1GiB
3) command line value overrides any`

func init() {
	logf := func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	if _, err := maxprocs.Set(maxprocs.Logger(logf)); err != nil {
		logf("Failed to set GOMAXPROCS: %v", err)
	}
	// Heap allocated cache regions are counted by memory limit too, so leave some room for them.
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logf("Failed to set memory limit: %v", err)
	}
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "slabcached",
		Short:        "Memcached compatible slab cache server",
		Long:         usage,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inConf, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			conf, err := config.Parse(*inConf)
			if err != nil {
				return err
			}
			return run(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to JSON config, comments are allowed")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, conf slabcache.Config) error {
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	defer log.Sync(l)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}

	var opts []bufcache.Option
	if conf.Mmap {
		opts = append(opts, bufcache.WithAllocator(slab.MmapAllocator{}))
	}
	c, err := bufcache.New(l, conf.Cache, opts...)
	if err != nil {
		l.Error("Cache create error: ", err)
		return err
	}
	s := &slabcache.Server{
		Addr: conf.Addr,
		Log:  l,
		ConnMeta: slabcache.ConnMeta{
			Cache:       c,
			MaxItemSize: int(conf.MaxItemSize),
		},
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Infof("Serve on %s.", s.Addr)
		err := s.ListenAndServe()
		if err == slabcache.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		l.Info("Shutting down.")
		return s.Close()
	})
	err = g.Wait()
	if cerr := c.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		l.Error("Serve error: ", err)
	}
	return err
}
