package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tanq16/hlsplay/internal/output"
	"github.com/tanq16/hlsplay/internal/resolver"
	"github.com/tanq16/hlsplay/internal/utils"
)

type probeVariant struct {
	Index       int     `json:"index" yaml:"index"`
	Bandwidth   int     `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Resolution  string  `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Codecs      string  `json:"codecs,omitempty" yaml:"codecs,omitempty"`
	Segments    int     `json:"segments" yaml:"segments"`
	Duration    float64 `json:"duration" yaml:"duration"`
	Target      int     `json:"target_duration" yaml:"target_duration"`
	EndList     bool    `json:"endlist" yaml:"endlist"`
	InitSegment string  `json:"init_segment,omitempty" yaml:"init_segment,omitempty"`
}

type probeReport struct {
	URL              string         `json:"url" yaml:"url"`
	AverageBandwidth int            `json:"average_bandwidth" yaml:"average_bandwidth"`
	Variants         []probeVariant `json:"variants" yaml:"variants"`
}

func newProbeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "probe [URL] [--format table|json|yaml]",
		Short:   "Resolve a playlist and list its variants",
		Aliases: []string{"info"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := utils.GetLogger("cmd/probe")
			res, err := resolver.New(appConfig.NewFetcher(), logger).Resolve(cmd.Context(), args[0])
			if err != nil {
				output.PrintError("Could not resolve playlist")
				return err
			}
			logger.Debug().Msgf("Resolved %d sources", len(res.Sources))
			return writeProbeReport(os.Stdout, buildProbeReport(args[0], res), format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json, yaml)")
	return cmd
}

func buildProbeReport(rootURL string, res *resolver.Result) probeReport {
	report := probeReport{URL: rootURL, AverageBandwidth: res.AverageBandwidth}
	for _, src := range res.Sources {
		v := probeVariant{
			Index:      src.VariantIndex,
			Bandwidth:  src.Bandwidth,
			Resolution: src.Resolution,
			Codecs:     src.Codecs,
			Segments:   src.SegmentCount(),
			Duration:   src.TotalDuration(),
			Target:     src.Playlist.TargetDuration,
			EndList:    src.Playlist.IsEndList,
		}
		if src.Playlist.Map != nil {
			if u, err := src.MapURL(); err == nil {
				v.InitSegment = u
			}
		}
		report.Variants = append(report.Variants, v)
	}
	sort.Slice(report.Variants, func(a, b int) bool {
		return report.Variants[a].Index < report.Variants[b].Index
	})
	return report
}

func writeProbeReport(w io.Writer, report probeReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	case "table", "":
		fmt.Fprintln(w, output.FHeader(report.URL))
		fmt.Fprintln(w, output.FInfo("measured bandwidth "+utils.FormatBitrate(report.AverageBandwidth)))
		fmt.Fprintf(w, "%-5s %-12s %-11s %-9s %-9s %-5s %s\n", "#", "BANDWIDTH", "RESOLUTION", "SEGMENTS", "DURATION", "TYPE", "CODECS")
		for _, v := range report.Variants {
			bw := output.FDebug(fmt.Sprintf("%-12s", "-"))
			if v.Bandwidth > 0 {
				bw = fmt.Sprintf("%-12s", utils.FormatBitrate(v.Bandwidth))
			}
			res := output.FDebug(fmt.Sprintf("%-11s", "-"))
			if v.Resolution != "" {
				res = fmt.Sprintf("%-11s", v.Resolution)
			}
			kind := output.FWarning(fmt.Sprintf("%-5s", "open"))
			if v.EndList {
				kind = output.FSuccess(fmt.Sprintf("%-5s", "vod"))
			}
			fmt.Fprintf(w, "%-5d %s %s %-9d %-9s %s %s\n", v.Index, bw, res, v.Segments, output.FormatClock(v.Duration), kind, output.FDetail(v.Codecs))
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
