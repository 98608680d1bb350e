package gateway

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

// transcribeVoice runs the configured external transcriber against a
// downloaded media file. {{MediaPath}} in the args is replaced with the
// file path; stdout is the transcription.
func transcribeVoice(ctx context.Context, cfg config.TranscriptionConfig, mediaPath string) (string, error) {
	if len(cfg.Args) == 0 {
		return "", nil
	}

	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = strings.ReplaceAll(a, "{{MediaPath}}", mediaPath)
	}

	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("transcriber: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
