package util

// Clipboard contents are user secrets by default: passwords, tokens and the
// like routinely pass through the clipboard. Log lines never carry more than
// the edges of a payload.

func RedactContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 24 {
		return "[REDACTED]"
	}
	return content[:8] + "...[REDACTED]..." + content[len(content)-8:]
}

// RedactDigest shortens a content digest for logging; the full digest is
// itself an index into the user's clipboard history.
func RedactDigest(digest string) string {
	if len(digest) <= 8 {
		return digest
	}
	return digest[:8]
}
