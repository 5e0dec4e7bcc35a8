package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/treemana/edgedns/cache"
	"github.com/treemana/edgedns/config"
	"github.com/treemana/edgedns/log"
	"github.com/treemana/edgedns/resolver"
	"github.com/treemana/edgedns/tcp"
	"github.com/treemana/edgedns/udp"
	"github.com/treemana/edgedns/util"
	"github.com/treemana/edgedns/varz"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "edgedns",
	Short:         "caching dns reverse proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "edgedns.toml", "configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("log init: %w", err)
	}
	defer func() {
		log.Sync()
		time.Sleep(100 * time.Millisecond)
	}()

	v := varz.New()

	c, err := cache.New(cfg.CacheSize, nil)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	udpServer, err := udp.New(cfg.ListenAddr, v)
	if err != nil {
		return err
	}
	defer udpServer.Close()

	tcpServer, err := tcp.New(cfg.ListenAddr, cfg.MaxTCPClients, cfg.TCPIdleTimeout, cfg.UpstreamTimeout, v)
	if err != nil {
		return err
	}

	group, err := resolver.NewGroup(cfg, c, v, udpServer)
	if err != nil {
		return fmt.Errorf("resolver: %w", err)
	}

	if err = util.DropPrivileges(cfg.User, cfg.Group, cfg.Chroot); err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	if cfg.User != "" || cfg.Chroot != "" {
		log.Sugar.Infof("running as user=%q, group=%q, chroot=%q", cfg.User, cfg.Group, cfg.Chroot)
	}

	log.Sugar.Infof("edgedns listening on %s, upstream=%v, threads=%d", cfg.ListenAddr, cfg.UpstreamServers, cfg.ResolverThreads)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return group.Run(ctx) })
	g.Go(func() error { return udpServer.Serve(ctx, group) })
	g.Go(func() error { return tcpServer.Serve(ctx, group) })
	if cfg.WebService.Enabled {
		g.Go(func() error { return v.Serve(ctx, cfg.WebService.ListenAddr) })
	}

	err = g.Wait()
	log.Sugar.Info("edgedns stopped")
	return err
}
