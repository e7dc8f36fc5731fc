package remux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const convertedSuffix = "-converted.mp4"

// FFmpegRemuxer copies a segment's streams into an MP4 container whose
// timestamps start at the segment's playback time.
type FFmpegRemuxer struct {
	Binary string
}

func NewFFmpegRemuxer() *FFmpegRemuxer {
	return &FFmpegRemuxer{Binary: "ffmpeg"}
}

func ConvertedPath(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + convertedSuffix
}

// Remux converts inputPath, reusing an earlier conversion when present.
func (r *FFmpegRemuxer) Remux(ctx context.Context, inputPath string, startTime float64) (string, error) {
	outputPath := ConvertedPath(inputPath)
	if _, err := os.Stat(outputPath); err == nil {
		return outputPath, nil
	}
	tmpPath := outputPath + ".tmp.mp4"
	cmd := exec.CommandContext(ctx,
		r.Binary,
		"-loglevel", "error",
		"-i", inputPath,
		"-c", "copy",
		"-output_ts_offset", strconv.FormatFloat(startTime, 'f', 3, 64),
		"-movflags", "+faststart",
		"-y",
		tmpPath,
	)
	log.Debug().Str("op", "remux/ffmpeg").Msgf("Executing ffmpeg command: %s", cmd.String())
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, string(output))
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}
