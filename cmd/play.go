package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tanq16/hlsplay/internal/metrics"
	"github.com/tanq16/hlsplay/internal/output"
	"github.com/tanq16/hlsplay/internal/player"
	"github.com/tanq16/hlsplay/internal/remux"
	"github.com/tanq16/hlsplay/internal/source"
	"github.com/tanq16/hlsplay/internal/utils"
)

type playOptions struct {
	outputDir string
	remux     bool
	start     float64
	speed     float64
	tick      time.Duration
}

func newPlayCmd() *cobra.Command {
	var opts playOptions

	cmd := &cobra.Command{
		Use:     "play [URL] [--output-dir DIR]",
		Short:   "Play an HLS stream against a simulated playback clock",
		Aliases: []string{"p", "stream"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.speed <= 0 {
				return fmt.Errorf("speed must be positive")
			}
			if opts.tick <= 0 {
				return fmt.Errorf("tick must be positive")
			}
			return runPlay(ctx, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", "", "Copy every played segment into this directory")
	cmd.Flags().BoolVar(&opts.remux, "remux", false, "Remux segments to MP4 with ffmpeg before writing them out")
	cmd.Flags().Float64Var(&opts.start, "start", 0, "Start position in seconds")
	cmd.Flags().Float64Var(&opts.speed, "speed", 1, "Playback clock speed multiplier")
	cmd.Flags().DurationVar(&opts.tick, "tick", 250*time.Millisecond, "Playback clock resolution")
	cmd.Flags().Int("peak-bitrate", 0, "Pin variant selection to this bitrate in bits/sec (0 selects automatically)")
	cmd.Flags().Duration("buffer", 0, "How far ahead of the playback position to download (default 10s)")
	cmd.Flags().Bool("first-variant", false, "Start on the first listed variant instead of measuring bandwidth")
	return cmd
}

func runPlay(ctx context.Context, rootURL string, opts playOptions) error {
	logger := utils.GetLogger("cmd/play")
	collector := metrics.New()
	if addr := appConfig.Metrics.Addr; addr != "" {
		go func() {
			if err := collector.Serve(ctx, addr); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	var sink player.Sink
	if opts.outputDir != "" {
		var remuxer remux.Remuxer
		if opts.remux {
			remuxer = remux.NewFFmpegRemuxer()
		}
		queue := remux.NewQueue(remuxer, &remux.DirectoryRenderer{Dir: opts.outputDir}, utils.GetLogger("remux"))
		defer queue.Close()
		sink = queue
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	status := output.NewStatusLine(os.Stdout, output.TerminalWidth(), output.IsTerminal())
	defer status.Done()

	item := player.NewItem(rootURL, player.Options{
		Config:    appConfig.PlayerConfig(),
		Fetcher:   appConfig.NewFetcher(),
		CacheRoot: appConfig.Cache.Root,
		Sink:      sink,
		Logger:    utils.GetLogger("player"),
		Metrics:   collector,
		Handlers: player.Handlers{
			OnStatus: func(s player.Status) {
				logger.Debug().Str("state", s.State.String()).Err(s.Err).Msg("Status changed")
			},
			OnEndOfStream: func() {
				endOnce.Do(func() { close(ended) })
			},
			OnVariantChange: func(src *source.Source) {
				logger.Info().Int("variant", src.VariantIndex).Str("bandwidth", describeBandwidth(src)).Msg("Variant selected")
			},
			OnPresentationSize: func(width, height int) {
				logger.Debug().Msgf("Presentation size %dx%d", width, height)
			},
			OnSegmentFailed: func(index int, err error) {
				logger.Warn().Err(err).Msgf("Segment %d failed", index)
			},
		},
	})
	defer item.Close()

	output.PrintHeader(rootURL)
	if opts.outputDir != "" {
		output.PrintDetail("Writing segments to " + opts.outputDir)
	}
	output.PrintPending("Resolving playlist")
	if err := item.Prepare(ctx); err != nil {
		output.PrintError("Could not load playlist")
		return err
	}
	duration, _ := item.Duration()
	output.PrintSuccess(fmt.Sprintf("Loaded %d variant(s), %s total", len(item.Sources()), output.FormatClock(duration)))
	if src := item.SelectedSource(); src != nil {
		output.PrintInfo(fmt.Sprintf("Starting on %s at %s", describeVariant(src), describeBandwidth(src)))
	}
	if opts.start > 0 {
		item.Seek(opts.start)
	}

	err := playLoop(ctx, item, opts, status, ended, logger)
	if errors.Is(err, context.Canceled) {
		status.Done()
		output.PrintWarning("Playback interrupted")
		return nil
	}
	if err != nil {
		return err
	}
	status.Done()
	output.PrintSuccess("Reached end of stream")
	return nil
}

// playLoop advances the clock while the buffer holds data, never past the
// end of the downloaded window.
func playLoop(ctx context.Context, item *player.Item, opts playOptions, status *output.StatusLine, ended <-chan struct{}, logger zerolog.Logger) error {
	ticker := time.NewTicker(opts.tick)
	defer ticker.Stop()
	step := opts.tick.Seconds() * opts.speed
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ended:
			status.Update(snapshot(item))
			return nil
		case <-ticker.C:
		}
		if item.Status().State == player.StateFailed {
			return item.Status().Err
		}
		if !item.IsBufferEmpty() {
			pos := item.CurrentTime() + step
			if longest, ok := item.LongestDownloadedTime(); ok {
				pos = min(pos, longest)
			}
			if pos > item.CurrentTime() {
				item.Seek(pos)
			} else {
				logger.Debug().Msg("Waiting for data")
			}
		}
		status.Update(snapshot(item))
	}
}

func snapshot(item *player.Item) output.Snapshot {
	s := output.Snapshot{
		State:    item.Status().State.String(),
		Position: item.CurrentTime(),
		Stalled:  item.IsBufferEmpty(),
	}
	s.Duration, _ = item.Duration()
	if longest, ok := item.LongestDownloadedTime(); ok {
		s.Buffered = max(0, longest-s.Position)
	}
	if bw := item.LastBandwidth(); bw > 0 {
		s.Bandwidth = utils.FormatBitrate(bw)
	}
	if src := item.SelectedSource(); src != nil {
		s.Variant = describeVariant(src)
	}
	if item.DownloadsFinished() {
		s.State = "downloaded"
	}
	return s
}

func describeVariant(src *source.Source) string {
	if w, h, ok := src.ResolutionSize(); ok {
		return fmt.Sprintf("%dx%d", w, h)
	}
	if src.VariantIndex < 0 {
		return "media"
	}
	return fmt.Sprintf("variant %d", src.VariantIndex)
}

func describeBandwidth(src *source.Source) string {
	if !src.HasBandwidth() {
		return "unknown"
	}
	return utils.FormatBitrate(src.Bandwidth)
}
