package tmux

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Session name prefixes. The two namespaces never overlap: per-chat
// sessions belong to the Manager, per-workspace sessions to the pool.
const (
	ChatSessionPrefix      = "agent-"
	WorkspaceSessionPrefix = "ws-"
)

const maxNamePart = 24

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxNamePart {
		s = s[:maxNamePart]
	}
	if s == "" {
		s = "x"
	}
	return s
}

// SessionName returns the deterministic session name for a workspace and
// chat. Sanitizing is lossy, so a hash of the raw inputs keeps distinct
// pairs distinct.
func SessionName(workspace, chatID string) string {
	sum := sha256.Sum256([]byte(workspace + "\x00" + chatID))
	return ChatSessionPrefix + sanitizeName(workspace) + "-" + sanitizeName(chatID) + "-" + hex.EncodeToString(sum[:4])
}

// ShellQuote wraps s in single quotes for sh, escaping embedded quotes as '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
