// Package reply detects control tokens in model output. A heartbeat turn
// that has nothing to report answers with a bare token; delivery code
// strips it and suppresses the message when nothing else remains.
package reply

import (
	"regexp"
	"strings"
)

// HeartbeatToken marks a heartbeat turn with nothing worth reporting.
const HeartbeatToken = "HEARTBEAT_OK"

// SilentToken marks any reply the model wants withheld from the user.
const SilentToken = "NO_REPLY"

// tokenPatterns matches one token at the head or tail of a reply. The head
// form allows leading whitespace; the tail form allows trailing punctuation.
type tokenPatterns struct {
	head      *regexp.Regexp
	tail      *regexp.Regexp
	stripHead *regexp.Regexp
	stripTail *regexp.Regexp
}

func compileToken(token string) tokenPatterns {
	escaped := regexp.QuoteMeta(token)
	return tokenPatterns{
		head:      regexp.MustCompile(`^\s*` + escaped + `(?:$|\W)`),
		tail:      regexp.MustCompile(`\b` + escaped + `\b\W*$`),
		stripHead: regexp.MustCompile(`^\s*` + escaped + `\b\s*`),
		stripTail: regexp.MustCompile(`\s*\b` + escaped + `\b\W*$`),
	}
}

func (p tokenPatterns) matches(text string) bool {
	return text != "" && (p.head.MatchString(text) || p.tail.MatchString(text))
}

func (p tokenPatterns) strip(text string) string {
	if text == "" {
		return text
	}
	text = p.stripHead.ReplaceAllString(text, "")
	text = p.stripTail.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

var (
	heartbeat = compileToken(HeartbeatToken)
	silent    = compileToken(SilentToken)
)

// HasHeartbeatToken reports whether text begins or ends with HEARTBEAT_OK.
func HasHeartbeatToken(text string) bool {
	return heartbeat.matches(text)
}

// StripHeartbeatToken removes HEARTBEAT_OK from the head and tail of text.
func StripHeartbeatToken(text string) string {
	return heartbeat.strip(text)
}

// HasSilentToken reports whether text begins or ends with NO_REPLY.
func HasSilentToken(text string) bool {
	return silent.matches(text)
}

// StripSilentToken removes NO_REPLY from the head and tail of text.
func StripSilentToken(text string) string {
	return silent.strip(text)
}

// Normalize strips control tokens and reports whether the reply should be
// suppressed entirely because nothing but tokens remained.
func Normalize(text string) (string, bool) {
	if HasSilentToken(text) {
		text = StripSilentToken(text)
		if text == "" {
			return "", true
		}
	}
	if HasHeartbeatToken(text) {
		text = StripHeartbeatToken(text)
		if text == "" {
			return "", true
		}
	}
	return text, false
}
