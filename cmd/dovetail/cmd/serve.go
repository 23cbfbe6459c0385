package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmallach/dovetail/internal/api"
	"github.com/jmallach/dovetail/internal/config"
	"github.com/jmallach/dovetail/internal/httpclient"
	"github.com/jmallach/dovetail/internal/observability"
	"github.com/jmallach/dovetail/internal/proxy"
	"github.com/jmallach/dovetail/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve <master-playlist-url>",
	Short: "Run the codec-patching reverse proxy",
	Long: `Start the codec-patching reverse proxy for the given master playlist
URL and print the local proxy URL to hand to the platform player.

The proxy binds an ephemeral loopback port, forwards every request to the
origin with the configured auth headers, rewrites Dolby Vision codec tags in
manifests, and optionally patches init segments, depending on
proxy.patch_mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("patch-mode", "", "patch mode override (rewrite, none, rewrite+init)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("patch-mode") {
		mode, _ := cmd.Flags().GetString("patch-mode")
		cfg.Proxy.PatchMode = config.PatchMode(mode)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := slog.Default()
	client := upstreamClient(cfg, observability.WithComponent(logger, "httpclient"))

	prx := proxy.New(cfg.Proxy, client, observability.WithComponent(logger, "proxy"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxyURL, err := prx.Start(ctx, args[0])
	if err != nil {
		return err
	}
	defer prx.Stop()

	// The player-facing URL is the one piece of output that belongs on
	// stdout.
	fmt.Println(proxyURL)

	var debugSrv *api.Server
	if cfg.Debug.Enabled {
		debugSrv = api.New(cfg.Debug, nil, prx, observability.WithComponent(logger, "api"))
		go func() {
			if err := debugSrv.Start(); err != nil {
				logger.Error("debug API failed", slog.Any("error", err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if debugSrv != nil {
		if err := debugSrv.Shutdown(context.Background()); err != nil {
			logger.Warn("debug API shutdown", slog.Any("error", err))
		}
	}
	return nil
}

// upstreamClient builds the authenticated upstream client from configuration.
func upstreamClient(cfg *config.Config, logger *slog.Logger) *httpclient.Client {
	headers := make(map[string]string, len(cfg.Upstream.ClientHeaders)+1)
	for k, v := range cfg.Upstream.ClientHeaders {
		headers[k] = v
	}
	if cfg.Upstream.Token != "" {
		headers[cfg.Upstream.TokenHeader] = cfg.Upstream.Token
	}

	return httpclient.New(httpclient.Config{
		Timeout:             cfg.Upstream.FetchTimeout,
		Headers:             headers,
		UserAgent:           version.UserAgent(),
		BypassCache:         true,
		EnableDecompression: true,
		Logger:              logger,
	})
}
