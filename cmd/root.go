package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tanq16/hlsplay/internal/config"
	"github.com/tanq16/hlsplay/internal/utils"
)

var (
	configFile string
	headers    []string
	appConfig  *config.Config
)

var HLSPlayVersion = "dev"

// flagKeys maps command-line flags onto their configuration keys.
var flagKeys = map[string]string{
	"debug":              "debug",
	"timeout":            "http.timeout",
	"keep-alive-timeout": "http.keep_alive",
	"user-agent":         "http.user_agent",
	"proxy":              "http.proxy",
	"proxy-username":     "http.proxy_username",
	"proxy-password":     "http.proxy_password",
	"bearer-token":       "http.bearer_token",
	"cache-dir":          "cache.root",
	"metrics-addr":       "metrics.addr",
	"s3-profile":         "s3.profile",
	"s3-region":          "s3.region",
	"s3-endpoint":        "s3.endpoint",
	"peak-bitrate":       "playback.preferred_peak_bitrate",
	"buffer":             "playback.buffer_duration",
	"first-variant":      "playback.starts_on_first_eligible_variant",
}

var rootCmd = &cobra.Command{
	Use:   "hlsplay",
	Short: "hlsplay is an adaptive HLS playback client",
	Long: `hlsplay resolves HLS master and media playlists, picks the variant that
fits the measured bandwidth and downloads segments ahead of a playback clock,
switching variants as conditions change.`,
	Version:       HLSPlayVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file")
	flags.Bool("debug", false, "Enable debug logging")
	flags.DurationP("timeout", "t", 0, "Request timeout (eg. 30s, 2m; default 60s)")
	flags.DurationP("keep-alive-timeout", "k", 0, "Keep-alive timeout for the client (default 90s)")
	flags.StringP("user-agent", "a", "", "User agent (default hlsplay)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Referer: https://example.com'); can be specified multiple times")
	flags.String("bearer-token", "", "Bearer token sent with every HTTP request")
	flags.String("cache-dir", "", "Directory holding segment caches (default system temp dir)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")
	flags.String("s3-profile", "", "AWS profile for s3:// playlists")
	flags.String("s3-region", "", "AWS region for s3:// playlists")
	flags.String("s3-endpoint", "", "Custom S3-compatible endpoint")

	rootCmd.AddCommand(newPlayCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newCleanCmd())
}

func initConfig(cmd *cobra.Command) error {
	v := config.New()
	if err := config.ReadFile(v, configFile); err != nil {
		return err
	}
	if err := bindFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	// Header values may contain commas, so they bypass viper's slice parsing.
	cfg.HTTP.Headers = append(cfg.HTTP.Headers, headers...)
	utils.InitLogger(cfg.Debug)
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug().Str("op", "cmd/root").Msgf("Using config file %s", used)
	}
	appConfig = cfg
	return nil
}

// bindFlags lets flags that were set on the command line override the config
// file and environment.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var lastErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			lastErr = err
		}
	})
	return lastErr
}
