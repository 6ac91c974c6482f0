package normalize

import (
	"errors"
	"strings"

	"github.com/joseph-ayodele/secateur/constants"
)

// Dialect is the delimiter/quoting convention of a delimited-text source.
type Dialect struct {
	Delimiter        rune
	Quote            rune
	SkipInitialSpace bool
	// Sniffed is false when the dialect came from the fallback path.
	Sniffed bool
}

// DefaultDialect is the comma-separated fallback.
func DefaultDialect() Dialect {
	return Dialect{Delimiter: ',', Quote: '"'}
}

// ErrUndetectable is returned by Sniff when no delimiter is consistent enough.
var ErrUndetectable = errors.New("could not determine delimiter")

// preferred breaks ties between equally plausible delimiters.
var preferred = []byte{',', '\t', ';', ' ', ':'}

// DetectDialect sniffs probe and never fails: when sniffing is inconclusive
// it returns the comma dialect, switched to popular when the probe splits
// into enough fields on it.
func DetectDialect(probe []byte, truncated bool, popular rune) Dialect {
	if d, err := Sniff(string(probe), truncated); err == nil {
		return d
	}
	d := DefaultDialect()
	if popular != 0 && len(strings.Split(string(probe), string(popular))) >= constants.PopularDelimiterMinFields {
		d.Delimiter = popular
	}
	return d
}

// Sniff guesses the dialect of probe. Quoted fields are looked at first; if
// none reveal a delimiter, the character whose per-line frequency is most
// consistent wins. When truncated is set, the last (partial) line is ignored.
func Sniff(probe string, truncated bool) (Dialect, error) {
	lines := probeLines(probe, truncated)
	if len(lines) == 0 {
		return Dialect{}, ErrUndetectable
	}
	delim, ok := guessQuoteAndDelimiter(lines)
	if !ok {
		delim, ok = guessDelimiter(lines)
	}
	if !ok {
		return Dialect{}, ErrUndetectable
	}
	d := Dialect{Delimiter: rune(delim), Quote: '"', Sniffed: true}
	if delim != ' ' {
		first := lines[0]
		n := strings.Count(first, string(delim))
		d.SkipInitialSpace = n > 0 && n == strings.Count(first, string(delim)+" ")
	}
	return d, nil
}

func probeLines(probe string, truncated bool) []string {
	raw := strings.Split(probe, "\n")
	if truncated && len(raw) > 1 && !strings.HasSuffix(probe, "\n") {
		raw = raw[:len(raw)-1]
	}
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSuffix(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// isCandidate reports whether c may act as a delimiter.
func isCandidate(c byte) bool {
	switch {
	case c >= 0x80, c == '"', c == '\'', c == '\n', c == '\r', c == '_':
		return false
	case c == '\t':
		return true
	case c < 0x20 || c == 0x7f:
		return false
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return false
	}
	return true
}

// guessQuoteAndDelimiter counts the characters that sit immediately outside
// double-quoted fields.
func guessQuoteAndDelimiter(lines []string) (byte, bool) {
	counts := map[byte]int{}
	for _, line := range lines {
		for i := 0; i < len(line); i++ {
			if line[i] != '"' {
				continue
			}
			left, atStart := fieldStart(line, i)
			if !atStart {
				continue
			}
			j := closingQuote(line, i+1)
			if j < 0 {
				break
			}
			if left != 0 {
				counts[left]++
			}
			if j+1 < len(line) && isCandidate(line[j+1]) {
				counts[line[j+1]]++
			}
			i = j
		}
	}
	return pickMax(counts)
}

// fieldStart reports whether the quote at i opens a field, and which
// delimiter (if any) precedes it.
func fieldStart(line string, i int) (byte, bool) {
	if i == 0 {
		return 0, true
	}
	c := line[i-1]
	if c == ' ' && i > 1 && isCandidate(line[i-2]) && line[i-2] != ' ' {
		return line[i-2], true
	}
	if isCandidate(c) {
		return c, true
	}
	return 0, false
}

// closingQuote finds the quote ending a field opened before from, skipping
// doubled quotes. It returns -1 if the field does not close on this line.
func closingQuote(line string, from int) int {
	for j := from; j < len(line); j++ {
		if line[j] != '"' {
			continue
		}
		if j+1 < len(line) && line[j+1] == '"' {
			j++
			continue
		}
		return j
	}
	return -1
}

func pickMax(counts map[byte]int) (byte, bool) {
	var best byte
	bestN := 0
	for c, n := range counts {
		if n > bestN || (n == bestN && rank(c) < rank(best)) {
			best, bestN = c, n
		}
	}
	return best, bestN > 0
}

// rank orders delimiters: preferred ones first, then by byte value.
func rank(c byte) int {
	for i, p := range preferred {
		if p == c {
			return i
		}
	}
	return len(preferred) + int(c)
}

type mode struct {
	count int // occurrences of c per line
	lines int // lines agreeing on count, minus lines that disagree
}

// guessDelimiter picks the character that occurs the same number of times
// on (nearly) every line.
func guessDelimiter(lines []string) (byte, bool) {
	present := map[byte]struct{}{}
	for _, l := range lines {
		for i := 0; i < len(l); i++ {
			if isCandidate(l[i]) {
				present[l[i]] = struct{}{}
			}
		}
	}

	modes := map[byte]mode{}
	for c := range present {
		freq := map[int]int{}
		var order []int
		for _, l := range lines {
			n := strings.Count(l, string(c))
			if _, seen := freq[n]; !seen {
				order = append(order, n)
			}
			freq[n]++
		}
		m := mode{count: order[0], lines: freq[order[0]]}
		for _, n := range order[1:] {
			if freq[n] > m.lines {
				m = mode{count: n, lines: freq[n]}
			}
		}
		others := 0
		for n, k := range freq {
			if n != m.count {
				others += k
			}
		}
		m.lines -= others
		modes[c] = m
	}

	total := len(lines)
	delims := map[byte]mode{}
	for pct := 100; len(delims) == 0 && pct >= 90; pct-- {
		for c, m := range modes {
			if m.count > 0 && m.lines > 0 && m.lines*100 >= pct*total {
				delims[c] = m
			}
		}
	}
	switch len(delims) {
	case 0:
		return 0, false
	case 1:
		for c := range delims {
			return c, true
		}
	}
	for _, p := range preferred {
		if _, ok := delims[p]; ok {
			return p, true
		}
	}
	var best byte
	var bm mode
	for c, m := range delims {
		if m.count > bm.count || (m.count == bm.count && (m.lines > bm.lines || (m.lines == bm.lines && c > best))) {
			best, bm = c, m
		}
	}
	return best, true
}
