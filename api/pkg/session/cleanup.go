package session

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Chromium drops these markers into the profile directory while it owns it.
// A crashed browser leaves them behind and the next launch refuses to start.
var singletonMarkers = map[string]bool{
	"SingletonLock":      true,
	"SingletonCookie":    true,
	"SingletonSocket":    true,
	"DevToolsActivePort": true,
}

// removeSingletonMarkers clears stale profile locks under dir so a fresh
// browser can claim it. Missing dir is fine.
func removeSingletonMarkers(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && singletonMarkers[d.Name()] {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warn().Err(rmErr).Str("path", path).Msg("failed to remove stale profile lock")
			} else {
				log.Debug().Str("path", path).Msg("removed stale profile lock")
			}
		}
		return nil
	})
}

// killStrayBrowsers terminates any leftover browser processes still bound to
// this profile directory. Best effort: pkill exits non-zero when nothing
// matched, which is the common case.
func killStrayBrowsers(ctx context.Context, profileDir string) {
	if profileDir == "" {
		return
	}
	err := exec.CommandContext(ctx, "pkill", "-f", profileDir).Run()
	if err == nil {
		log.Info().Str("profile_dir", profileDir).Msg("killed stray browser processes")
	}
}

// normalizePhone strips everything but digits, so "+1 (555) 010-2345" and
// "15550102345" name the same identity.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
