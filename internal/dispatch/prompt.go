package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrValidation is returned for prompts rejected before any call is made.
var ErrValidation = errors.New("invalid prompt")

const (
	historyTruncatedMarker = "[earlier conversation truncated]"
	promptTruncatedMarker  = "[truncated]"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var roleName = regexp.MustCompile(`^[a-z][a-z_-]{0,31}$`)

var markupEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// ValidatePrompt rejects control characters other than \n, \r and \t, and
// lines longer than maxLine runes.
func ValidatePrompt(prompt string, maxLine int) error {
	if !utf8.ValidString(prompt) {
		return fmt.Errorf("%w: not valid UTF-8", ErrValidation)
	}
	for i, r := range prompt {
		if isDisallowedControl(r) {
			return fmt.Errorf("%w: control character %U at offset %d", ErrValidation, r, i)
		}
	}
	if maxLine > 0 {
		for n, line := range strings.Split(prompt, "\n") {
			if utf8.RuneCountInString(line) > maxLine {
				return fmt.Errorf("%w: line %d exceeds %d characters", ErrValidation, n+1, maxLine)
			}
		}
	}
	return nil
}

func isDisallowedControl(r rune) bool {
	if r == '\n' || r == '\r' || r == '\t' {
		return false
	}
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if isDisallowedControl(r) {
			return -1
		}
		return r
	}, strings.ToValidUTF8(s, ""))
}

// BuildPrompt validates prompt and wraps it with history in a tagged
// transcript. When the result exceeds maxLen bytes the oldest history goes
// first, then the head of the prompt itself, each with a visible marker.
// Without history the prompt is returned as is.
func BuildPrompt(prompt string, history []Message, maxLen, maxLine int) (string, error) {
	if err := ValidatePrompt(prompt, maxLine); err != nil {
		return "", err
	}

	if len(history) == 0 {
		if maxLen > 0 && len(prompt) > maxLen {
			return keepTail(prompt, maxLen, promptTruncatedMarker+"\n"), nil
		}
		return prompt, nil
	}

	escaped := markupEscaper.Replace(prompt)
	msgs := history
	dropped := false
	for {
		out := render(msgs, escaped, dropped)
		if maxLen <= 0 || len(out) <= maxLen {
			return out, nil
		}
		if len(msgs) > 0 {
			msgs = msgs[1:]
			dropped = true
			continue
		}
		budget := maxLen - len(render(nil, "", dropped))
		return render(nil, keepTail(escaped, budget, promptTruncatedMarker+"\n"), dropped), nil
	}
}

func render(history []Message, escapedPrompt string, dropped bool) string {
	var b strings.Builder
	b.WriteString("<conversation_history>\n")
	if dropped {
		b.WriteString(historyTruncatedMarker)
		b.WriteString("\n")
	}
	for _, m := range history {
		role := strings.ToLower(m.Role)
		if !roleName.MatchString(role) {
			role = "user"
		}
		b.WriteString(`<message role="`)
		b.WriteString(role)
		b.WriteString(`">`)
		b.WriteString(markupEscaper.Replace(stripControl(m.Content)))
		b.WriteString("</message>\n")
	}
	b.WriteString("</conversation_history>\n<current_message>\n")
	b.WriteString(escapedPrompt)
	b.WriteString("\n</current_message>")
	return b.String()
}

// keepTail returns marker followed by the last bytes of s so the result fits
// in max bytes. The cut never splits a rune or an escaped entity.
func keepTail(s string, max int, marker string) string {
	keep := max - len(marker)
	if keep <= 0 {
		return ""
	}
	if keep >= len(s) {
		return s
	}
	i := len(s) - keep
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	if amp := strings.LastIndexByte(s[:i], '&'); amp >= 0 && i-amp < 6 {
		if semi := strings.IndexByte(s[amp:], ';'); semi >= 0 && amp+semi >= i {
			i = amp + semi + 1
		}
	}
	return marker + s[i:]
}
