package telegram

import "strings"

// Telegram rejects messages over 4096 characters; keep headroom for
// entity expansion.
const telegramTextLimit = 4000

// splitTelegramText cuts s into pieces of at most limit runes. A cut
// prefers the last newline in the window unless that leaves the piece
// shorter than a third of the limit. With HTML parse mode a cut never lands
// inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	html := strings.EqualFold(parseMode, "HTML")
	rest := []rune(s)
	if len(rest) <= limit {
		return []string{s}
	}

	var out []string
	for len(rest) > limit {
		cut := cutPoint(rest[:limit], html)
		out = append(out, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = trimLeadingNewlines(rest[cut:])
	}
	if len(rest) > 0 {
		out = append(out, string(rest))
	}
	return out
}

func cutPoint(window []rune, html bool) int {
	cut := len(window)
	for i := len(window) - 1; i >= len(window)/3; i-- {
		if window[i] == '\n' {
			cut = i + 1
			break
		}
	}
	if html {
		open := lastIndexRune(window[:cut], '<')
		if open > 0 && open > lastIndexRune(window[:cut], '>') {
			cut = open
		}
	}
	return cut
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func trimLeadingNewlines(rs []rune) []rune {
	for len(rs) > 0 && rs[0] == '\n' {
		rs = rs[1:]
	}
	return rs
}
