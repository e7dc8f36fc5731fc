package utils

import (
	"fmt"
	"net/url"
	"strings"
)

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatBitrate renders a bits-per-second value using decimal units.
func FormatBitrate(bps int) string {
	const unit = 1000
	if bps < unit {
		return fmt.Sprintf("%d bps", bps)
	}
	div, exp := unit, 0
	for n := bps / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cbps", float64(bps)/float64(div), "KMGT"[exp])
}

// BaseDirectory returns u with its last path component removed.
func BaseDirectory(u *url.URL) *url.URL {
	base := *u
	base.RawQuery = ""
	base.Fragment = ""
	base.RawPath = ""
	if idx := strings.LastIndex(base.Path, "/"); idx >= 0 {
		base.Path = base.Path[:idx+1]
	} else {
		base.Path = "/"
	}
	return &base
}

// ResolveURL resolves ref against base. Absolute references pass through unchanged.
func ResolveURL(base *url.URL, ref string) (*url.URL, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if refURL.IsAbs() {
		return refURL, nil
	}
	if base == nil {
		return nil, fmt.Errorf("relative reference %q has no base URL", ref)
	}
	return base.ResolveReference(refURL), nil
}
