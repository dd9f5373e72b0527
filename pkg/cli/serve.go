package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ha1tch/storysync/pkg/cache"
	"github.com/ha1tch/storysync/pkg/config"
	"github.com/ha1tch/storysync/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCommand(g *globals) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve migrated entities, runs and verification over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openStore()
			if err != nil {
				return err
			}
			defer a.Close()
			if host != "" {
				a.cfg.Host = host
			}
			if port > 0 {
				a.cfg.Port = port
			}

			ttl := time.Duration(a.cfg.CacheTTL) * time.Second
			c, err := cache.New(a.cfg.CacheType, a.cfg.CacheSize, ttl, a.cfg.RedisAddr())
			if err != nil {
				a.logger.Warn().Err(err).Msg("Cache unavailable, falling back to memory cache")
				c = cache.NewMemoryCache(a.cfg.CacheSize, ttl)
			}
			a.closers = append(a.closers, c.Close)

			printBanner(g.stdout, a.cfg)
			srv := server.New(a.cfg, a.store, c, a.logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if err != nil {
					return exitError(ExitFatal, err)
				}
				return nil
			case <-cmd.Context().Done():
			}

			a.logger.Info().Msg("Shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return exitError(ExitFatal, err)
			}
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides PORT)")
	return cmd
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "////////////////////////// storysync "+config.Version+" //////////////////////////")
	fmt.Fprintln(w, "----------------------------------------------------------------------")
	fmt.Fprintln(w, "Server Configuration:")
	fmt.Fprintf(w, "  Host: %s\n", cfg.Host)
	fmt.Fprintf(w, "  Port: %d\n", cfg.Port)
	fmt.Fprintf(w, "  Storage: %s (%s)\n", cfg.StorageType, cfg.DBPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Cache Configuration:")
	fmt.Fprintf(w, "  Type: %s\n", cfg.CacheType)
	fmt.Fprintf(w, "  TTL: %d seconds\n", cfg.CacheTTL)
	if cfg.CacheType == "redis" {
		fmt.Fprintf(w, "  Redis: %s\n", cfg.RedisAddr())
	}
	fmt.Fprintln(w, "----------------------------------------------------------------------")
	fmt.Fprintln(w)
}
