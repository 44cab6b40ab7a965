// Package mediaprobe extracts audio duration via an ffprobe subprocess,
// the one place outside the out-of-scope STT engine that this system
// shells out to an external binary.
package mediaprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// Probe runs ffprobe against path and returns its duration in seconds.
// A missing ffprobe binary or a probe failure is reported to the caller
// as an error; callers treat it as non-fatal (duration_seconds stays
// nil) per the Storage Layout's media-probing contract.
func Probe(ctx context.Context, ffprobePath, path string) (float64, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, ffprobePath, "-v", "quiet", "-print_format", "json", "-show_format", path)
	out, err := cmd.Output()
	if err != nil {
		if _, lookErr := exec.LookPath(ffprobePath); lookErr != nil {
			slog.Warn("mediaprobe: ffprobe not found, duration will be unset", "path", ffprobePath)
		}
		return 0, fmt.Errorf("mediaprobe: run ffprobe: %w", err)
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return 0, fmt.Errorf("mediaprobe: parse ffprobe output: %w", err)
	}

	duration, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("mediaprobe: parse duration %q: %w", payload.Format.Duration, err)
	}
	return duration, nil
}
