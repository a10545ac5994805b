package session

import (
	"log/slog"
	"os"
)

// RemoveDir is an EvictFunc that deletes the session's output directory.
func RemoveDir(s Session) {
	if s.Dir == "" {
		return
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		slog.Warn("failed to remove session directory", "session_id", s.ID, "dir", s.Dir, "error", err)
	}
}
