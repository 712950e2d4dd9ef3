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
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWords = []string{"<pad>", "<sos>", "<eos>", "a", "cat", "on", "the", "sofa"}

func testVocab(t *testing.T) *Vocabulary {
	t.Helper()
	v, err := New(testWords, nil, "<sos>", "<eos>")
	require.NoError(t, err)
	return v
}

// pickleWriter emits a minimal protocol 2 pickle.
type pickleWriter struct{ bytes.Buffer }

func (p *pickleWriter) str(s string) {
	p.WriteByte('X')
	_ = binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickleWriter) int(n int) {
	p.WriteByte('J')
	_ = binary.Write(&p.Buffer, binary.LittleEndian, int32(n))
}

func buildPickle(words []string, sos, eos string) []byte {
	var p pickleWriter
	p.Write([]byte{0x80, 2})
	p.WriteString("}(")
	p.str("sos_str")
	p.str(sos)
	p.str("eos_str")
	p.str(eos)

	p.str("idx2word_list")
	p.WriteString("](")
	for _, w := range words {
		p.str(w)
	}
	p.WriteByte('e')

	p.str("word2idx_dict")
	p.WriteString("}(")
	for i, w := range words {
		p.str(w)
		p.int(i)
	}
	p.WriteByte('u')

	p.WriteString("u.")
	return p.Bytes()
}

func TestNew(t *testing.T) {
	v := testVocab(t)
	assert.Equal(t, int32(1), v.SOSID)
	assert.Equal(t, int32(2), v.EOSID)
	assert.Equal(t, 8, v.Len())
	for w, id := range v.Index {
		assert.Equal(t, w, v.Words[id])
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name  string
		words []string
		index map[string]int32
		sos   string
		eos   string
		err   string
	}{
		{name: "empty", sos: "<sos>", eos: "<eos>", err: "empty"},
		{name: "missing sos", words: testWords, sos: "<start>", eos: "<eos>", err: "start marker"},
		{name: "missing eos", words: testWords, sos: "<sos>", eos: "<end>", err: "end marker"},
		{
			name:  "index out of range",
			words: testWords,
			index: map[string]int32{"<sos>": 1, "<eos>": 2, "dog": 99},
			sos:   "<sos>", eos: "<eos>", err: "outside",
		},
		{
			name:  "index disagrees",
			words: testWords,
			index: map[string]int32{"<sos>": 1, "<eos>": 2, "cat": 3},
			sos:   "<sos>", eos: "<eos>", err: "holds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.words, tt.index, tt.sos, tt.eos)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestDescribe(t *testing.T) {
	v := testVocab(t)

	tests := []struct {
		name   string
		tokens []int32
		want   string
	}{
		{name: "full", tokens: []int32{1, 3, 4, 5, 6, 7, 2}, want: "a cat on the sofa."},
		{name: "stops at eos", tokens: []int32{1, 3, 4, 2, 6, 7}, want: "a cat."},
		{name: "no eos", tokens: []int32{1, 4}, want: "cat."},
		{name: "no sos", tokens: []int32{3, 4, 2}, want: "a cat."},
		{name: "only markers", tokens: []int32{1, 2}, want: ""},
		{name: "empty", tokens: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Describe(tt.tokens)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := v.Describe([]int32{1, 3, 42})
	require.ErrorIs(t, err, ErrUnknownToken)
	_, err = v.Describe([]int32{-1})
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestReadPickle(t *testing.T) {
	v, err := ReadPickle(bytes.NewReader(buildPickle(testWords, "<sos>", "<eos>")))
	require.NoError(t, err)
	assert.Equal(t, testWords, v.Words)
	assert.Equal(t, int32(4), v.Index["cat"])
	assert.Equal(t, int32(1), v.SOSID)
	assert.Equal(t, int32(2), v.EOSID)
}

func TestReadPickleErrors(t *testing.T) {
	_, err := ReadPickle(bytes.NewReader([]byte("not a pickle")))
	assert.Error(t, err)

	_, err = ReadPickle(bytes.NewReader(buildPickle(testWords, "<go>", "<eos>")))
	assert.ErrorContains(t, err, "start marker")
}

func TestLoadPrefersJSON(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PickleFilename), buildPickle(testWords, "<sos>", "<eos>"), 0o600))
	v, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "<sos>", v.SOS)

	jsonWords := []string{"<s>", "</s>", "dog"}
	jv, err := New(jsonWords, nil, "<s>", "</s>")
	require.NoError(t, err)
	data, err := jv.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONFilename), data, 0o600))

	v, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, jsonWords, v.Words)
	desc, err := v.Describe([]int32{0, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, "dog.", desc)
}

func TestLoadJSONWithoutIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), JSONFilename)
	require.NoError(t, os.WriteFile(path, []byte(`{"idx2word_list":["<sos>","<eos>","hi"],"sos_str":"<sos>","eos_str":"<eos>"}`), 0o600))

	v, err := LoadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.Index["hi"])
}
