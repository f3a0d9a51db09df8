// Package blocklist loads the set of target-host substrings the proxy
// refuses to tunnel to. The list is read once at startup from a flat file,
// one entry per line, and never reloaded: the original implementation had
// no hot-reload path, and nothing about a CONNECT proxy's threat model
// changes that (an operator restarts the process to change policy).
package blocklist

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// MaxEntries bounds the blocklist file the same way the original's
// MAX_BLOCKLIST_LEN did: a fixed-size array of pthread-shared strings, kept
// here as a sanity limit on an accidentally-enormous file rather than any
// real storage constraint.
const MaxEntries = 100

// List holds loaded blocklist entries and matches target hosts against
// them by substring, exactly as the original's strstr-based loop did.
type List struct {
	entries []string
}

// Load reads a blocklist file. Blank lines (after trimming \r\n) are
// skipped. It returns an error if the file cannot be opened or if it
// contains more than MaxEntries non-blank lines; main treats both as fatal
// startup errors, matching the original's die() on the same conditions.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open blocklist file: %w", err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		if len(entries) >= MaxEntries {
			return nil, fmt.Errorf("too many entries in the blocklist; only up to %d is supported", MaxEntries)
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading blocklist file: %w", err)
	}
	return &List{entries: entries}, nil
}

// Len returns the number of loaded entries, for the startup summary log.
func (l *List) Len() int { return len(l.entries) }

// Blocked reports whether host matches any blocklist entry, and if so,
// which one. Matching is plain substring containment, matching the
// original's explicit choice to skip Aho-Corasick for a simpler, if
// O(n*m), check.
func (l *List) Blocked(host string) (matched string, blocked bool) {
	for _, entry := range l.entries {
		if strings.Contains(host, entry) {
			return entry, true
		}
	}
	return "", false
}
