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

package vocab

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
)

// Keys of the pickled/JSON vocabulary object.
const (
	keyWord2Idx = "word2idx_dict"
	keyIdx2Word = "idx2word_list"
	keySOS      = "sos_str"
	keyEOS      = "eos_str"
)

// LoadPickle reads a tokens.pickle vocabulary.
func LoadPickle(path string) (*Vocabulary, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from CLI flags
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()

	v, err := ReadPickle(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return v, nil
}

// ReadPickle decodes a pickled vocabulary dict from r.
func ReadPickle(r io.Reader) (*Vocabulary, error) {
	u := pickle.NewUnpickler(r)
	obj, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("unpickling: %w", err)
	}

	root, ok := obj.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("vocabulary root is %T, want dict", obj)
	}

	sos, err := dictString(root, keySOS)
	if err != nil {
		return nil, err
	}
	eos, err := dictString(root, keyEOS)
	if err != nil {
		return nil, err
	}

	rawWords, ok := root.Get(keyIdx2Word)
	if !ok {
		return nil, fmt.Errorf("missing %q", keyIdx2Word)
	}
	list, ok := rawWords.(*types.List)
	if !ok {
		return nil, fmt.Errorf("%q is %T, want list", keyIdx2Word, rawWords)
	}
	words := make([]string, list.Len())
	for i := range words {
		s, ok := list.Get(i).(string)
		if !ok {
			return nil, fmt.Errorf("%q[%d] is %T, want str", keyIdx2Word, i, list.Get(i))
		}
		words[i] = s
	}

	var index map[string]int32
	if rawIndex, ok := root.Get(keyWord2Idx); ok {
		d, ok := rawIndex.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%q is %T, want dict", keyWord2Idx, rawIndex)
		}
		index = make(map[string]int32, d.Len())
		for _, k := range d.Keys() {
			w, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%q key is %T, want str", keyWord2Idx, k)
			}
			id, err := pickleInt(d.MustGet(k))
			if err != nil {
				return nil, fmt.Errorf("%q[%q]: %w", keyWord2Idx, w, err)
			}
			index[w] = id
		}
	}

	return New(words, index, sos, eos)
}

func dictString(d *types.Dict, key string) (string, error) {
	v, ok := d.Get(key)
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q is %T, want str", key, v)
	}
	return s, nil
}

func pickleInt(v any) (int32, error) {
	switch n := v.(type) {
	case int:
		return int32(n), nil //nolint:gosec // G115: vocabulary ids are small
	case int32:
		return n, nil
	case int64:
		return int32(n), nil //nolint:gosec // G115: vocabulary ids are small
	default:
		return 0, fmt.Errorf("id is %T, want int", v)
	}
}

type jsonVocabulary struct {
	Word2Idx map[string]int32 `json:"word2idx_dict"`
	Idx2Word []string         `json:"idx2word_list"`
	SOS      string           `json:"sos_str"`
	EOS      string           `json:"eos_str"`
}

// LoadJSON reads a vocab.json file with the same keys as tokens.pickle.
// word2idx_dict may be omitted.
func LoadJSON(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: vocabulary path comes from the model directory
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	var jv jsonVocabulary
	if err := sonic.Unmarshal(data, &jv); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return New(jv.Idx2Word, jv.Word2Idx, jv.SOS, jv.EOS)
}

// MarshalJSON writes the vocabulary in the vocab.json layout.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(jsonVocabulary{
		Word2Idx: v.Index,
		Idx2Word: v.Words,
		SOS:      v.SOS,
		EOS:      v.EOS,
	})
}
