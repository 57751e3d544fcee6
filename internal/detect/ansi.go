package detect

import "strings"

// StripANSI removes terminal control sequences in a single O(n) pass.
// Prompt matching runs on every output chunk, so stripping must stay cheap
// and must not allocate when there is nothing to strip.
func StripANSI(content string) string {
	// Fast path: no ESC and no 8-bit CSI means nothing to strip.
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		if content[i] == '\x1b' {
			// CSI sequence: ESC [ ... terminating letter
			if i+1 < len(content) && content[i+1] == '[' {
				j := i + 2
				for j < len(content) {
					c := content[j]
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						j++
						break
					}
					j++
				}
				i = j
				continue
			}
			// OSC sequence: ESC ] ... BEL or ST
			if i+1 < len(content) && content[i+1] == ']' {
				if bell := strings.Index(content[i:], "\x07"); bell != -1 {
					i += bell + 1
					continue
				}
				if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
					i += st + 2
					continue
				}
			}
			// Charset designation: ESC ( X, ESC ) X, ESC # X, ESC % X
			if i+2 < len(content) {
				switch content[i+1] {
				case '(', ')', '#', '%':
					i += 3
					continue
				}
			}
			// Other escape: ESC plus one char
			if i+1 < len(content) {
				i += 2
				continue
			}
			i++
			continue
		}
		if content[i] == '\x9b' {
			j := i + 1
			for j < len(content) {
				c := content[j]
				if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
					j++
					break
				}
				j++
			}
			i = j
			continue
		}
		b.WriteByte(content[i])
		i++
	}

	return b.String()
}
