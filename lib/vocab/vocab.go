// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vocab maps caption token ids to words.
//
// The vocabulary is word level: every id produced by the decoder indexes
// directly into a word list. Two on-disk layouts are supported, the
// tokens.pickle file shipped with the pretrained checkpoints and an
// equivalent vocab.json.
package vocab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// JSONFilename is checked first by Load.
	JSONFilename = "vocab.json"
	// PickleFilename is the vocabulary file shipped with ExpansionNet v2 checkpoints.
	PickleFilename = "tokens.pickle"
)

var (
	// ErrUnknownToken is returned when a token id has no word.
	ErrUnknownToken = errors.New("unknown token id")
	// ErrNotFound is returned by Load when no vocabulary file exists.
	ErrNotFound = errors.New("vocabulary not found")
)

// Vocabulary is a word-level caption vocabulary.
type Vocabulary struct {
	Words []string
	Index map[string]int32

	SOS   string
	EOS   string
	SOSID int32
	EOSID int32
}

// New builds a Vocabulary from an id-ordered word list and the start/end markers.
// If index is nil it is derived from words. A supplied index must agree with words.
func New(words []string, index map[string]int32, sos, eos string) (*Vocabulary, error) {
	if len(words) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	if index == nil {
		index = make(map[string]int32, len(words))
		for i, w := range words {
			if _, dup := index[w]; !dup {
				index[w] = int32(i)
			}
		}
	}
	for w, id := range index {
		if id < 0 || int(id) >= len(words) {
			return nil, fmt.Errorf("word %q maps to id %d outside [0,%d)", w, id, len(words))
		}
		if words[id] != w {
			return nil, fmt.Errorf("word %q maps to id %d which holds %q", w, id, words[id])
		}
	}

	v := &Vocabulary{Words: words, Index: index, SOS: sos, EOS: eos}
	var ok bool
	if v.SOSID, ok = index[sos]; !ok {
		return nil, fmt.Errorf("start marker %q not in vocabulary", sos)
	}
	if v.EOSID, ok = index[eos]; !ok {
		return nil, fmt.Errorf("end marker %q not in vocabulary", eos)
	}
	return v, nil
}

// Load reads vocab.json or, failing that, tokens.pickle from dir.
func Load(dir string) (*Vocabulary, error) {
	jsonPath := filepath.Join(dir, JSONFilename)
	if _, err := os.Stat(jsonPath); err == nil {
		return LoadJSON(jsonPath)
	}
	picklePath := filepath.Join(dir, PickleFilename)
	if _, err := os.Stat(picklePath); err == nil {
		return LoadPickle(picklePath)
	}
	return nil, fmt.Errorf("%w in %s (looked for %s, %s)", ErrNotFound, dir, JSONFilename, PickleFilename)
}

// Len returns the number of words.
func (v *Vocabulary) Len() int {
	return len(v.Words)
}

// Word returns the word for id.
func (v *Vocabulary) Word(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.Words) {
		return "", fmt.Errorf("%w: %d (vocabulary size %d)", ErrUnknownToken, id, len(v.Words))
	}
	return v.Words[id], nil
}

// Describe turns a generated token sequence into a sentence. Start markers are
// skipped, decoding stops at the first end marker, and the last word gets a
// trailing period.
func (v *Vocabulary) Describe(tokens []int32) (string, error) {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == v.SOSID {
			continue
		}
		if tok == v.EOSID {
			break
		}
		w, err := v.Word(tok)
		if err != nil {
			return "", err
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return "", nil
	}
	words[len(words)-1] += "."
	return strings.Join(words, " "), nil
}
