// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"encoding/hex"
	"flag"
	"fmt"
	"strings"

	"github.com/snapfuzz/snapfuzz/pkg/log"
)

// ParseFlags parses args into set and additionally handles the -optional flag.
// Wrapper tooling that drives different versions of the binary can pass flags
// the current version does not necessarily support as
// "-optional=name=value:name=value". Known names are applied as if the flag
// was given directly, unknown ones are logged and dropped. Names and values
// use \xNN hex escapes for separators, spaces and non-printable characters,
// so the whole thing stays a single argument.
func ParseFlags(set *flag.FlagSet, args []string) error {
	optional := set.String("optional", "", "colon-separated name=value pairs applied only if the flag exists")
	if err := set.Parse(args); err != nil {
		return err
	}
	pairs, err := splitOptional(*optional)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		f := set.Lookup(p.name)
		if f == nil {
			log.Logf(0, "ignoring optional flag %q=%q", p.name, p.value)
			continue
		}
		if err := f.Value.Set(p.value); err != nil {
			return err
		}
	}
	return nil
}

type optionalPair struct {
	name  string
	value string
}

func splitOptional(s string) ([]optionalPair, error) {
	if s == "" {
		return nil, nil
	}
	var pairs []optionalPair
	for _, elem := range strings.Split(s, ":") {
		eq := strings.IndexByte(elem, '=')
		if eq == -1 {
			return nil, fmt.Errorf("bad optional flag %q: no '='", elem)
		}
		name, err := unescapeFlag(elem[:eq])
		if err != nil {
			return nil, fmt.Errorf("bad optional flag %q: %w", elem, err)
		}
		value, err := unescapeFlag(elem[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("bad optional flag %q: %w", elem, err)
		}
		pairs = append(pairs, optionalPair{name, value})
	}
	return pairs, nil
}

func unescapeFlag(s string) (string, error) {
	buf := new(strings.Builder)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch <= 0x20 || ch >= 0x7f || ch == ':' || ch == '=' {
			return "", fmt.Errorf("unescaped char 0x%02x", ch)
		}
		if ch == '\\' {
			if i+4 > len(s) || s[i+1] != 'x' {
				return "", fmt.Errorf("truncated escape sequence")
			}
			b, err := hex.DecodeString(s[i+2 : i+4])
			if err != nil {
				return "", err
			}
			buf.WriteByte(b[0])
			i += 3
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String(), nil
}
