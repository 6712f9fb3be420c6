// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package campaign

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// Source produces the input for each campaign iteration.
type Source interface {
	Next(iter int) []byte
}

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandSource generates fixed-length alphanumeric inputs from a seeded
// generator. The same seed reproduces the same campaign.
type RandSource struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	length int
}

func NewRandSource(seed int64, length int) *RandSource {
	return &RandSource{
		rnd:    rand.New(rand.NewSource(seed)),
		length: length,
	}
}

func (s *RandSource) Next(iter int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, s.length)
	for i := range buf {
		buf[i] = alphabet[s.rnd.Intn(len(alphabet))]
	}
	return buf
}

// CorpusSource replays a directory of input files in name order, wrapping
// around when the campaign is longer than the corpus.
type CorpusSource struct {
	inputs [][]byte
}

func NewCorpusSource(dir string) (*CorpusSource, error) {
	names, err := osutil.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus dir: %w", err)
	}
	sort.Strings(names)
	src := &CorpusSource{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if st, err := os.Stat(path); err != nil || st.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read corpus input: %w", err)
		}
		src.inputs = append(src.inputs, data)
	}
	if len(src.inputs) == 0 {
		return nil, fmt.Errorf("corpus dir %v contains no inputs", dir)
	}
	return src, nil
}

func (s *CorpusSource) Next(iter int) []byte {
	return s.inputs[iter%len(s.inputs)]
}

func (s *CorpusSource) Len() int {
	return len(s.inputs)
}
