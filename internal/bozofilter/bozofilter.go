// Package bozofilter implements the address blocklist: a single plain
// text file of lowercased email addresses, one per line, shared by every
// feed and delivery, that korgalore consults against a message's From
// header before delivering it anywhere.
package bozofilter

import (
	"bufio"
	"fmt"
	"net/mail"
	"os"
	"strings"
)

// Filter holds a loaded set of blocked addresses, lowercased.
type Filter struct {
	blocked map[string]struct{}
}

// Empty returns a Filter that blocks nothing; Load returns one when the
// bozofilter file does not exist.
func Empty() *Filter {
	return &Filter{blocked: map[string]struct{}{}}
}

// Load reads a bozofilter file: one address per line, blank lines
// ignored, "#" starts a comment that runs to end of line (both full-line
// and trailing inline comments), addresses compared case-insensitively.
// A missing file yields an empty Filter.
func Load(path string) (*Filter, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bozofilter %s: %w", path, err)
	}
	defer f.Close()

	blocked := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		blocked[strings.ToLower(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bozofilter %s: %w", path, err)
	}
	return &Filter{blocked: blocked}, nil
}

// Blocks reports whether the given raw From header value names a blocked
// address. Parse failures are treated as not-blocked (fail open), matching
// the source behavior of only acting on an address it can positively
// identify.
func (f *Filter) Blocks(fromHeader string) bool {
	if len(f.blocked) == 0 || fromHeader == "" {
		return false
	}
	addrs, err := mail.ParseAddressList(fromHeader)
	if err != nil {
		if addr, err2 := mail.ParseAddress(fromHeader); err2 == nil {
			addrs = []*mail.Address{addr}
		} else {
			return false
		}
	}
	for _, a := range addrs {
		if _, blocked := f.blocked[strings.ToLower(a.Address)]; blocked {
			return true
		}
	}
	return false
}

// Len reports how many addresses are blocked.
func (f *Filter) Len() int { return len(f.blocked) }
