// Copyright 2024 TiKV Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package txnkv

import "github.com/pingcap/kvproto/pkg/kvrpcpb"

// memBuffer holds a transaction's pending mutations. Entries keep
// insertion order, and a later write to the same key updates the entry
// in place, so the first mutated key stays first. The first key becomes
// the default primary of the transaction.
type memBuffer struct {
	entries map[string]int
	ops     []kvrpcpb.Op
	keys    [][]byte
	values  [][]byte
	size    int
}

func newMemBuffer() *memBuffer {
	return &memBuffer{
		entries: make(map[string]int),
	}
}

// Set buffers a put of value on key.
func (m *memBuffer) Set(key, value []byte) {
	m.update(key, kvrpcpb.Op_Put, value)
}

// Delete buffers a delete of key.
func (m *memBuffer) Delete(key []byte) {
	m.update(key, kvrpcpb.Op_Del, nil)
}

// Insert buffers a put that asserts the key does not exist yet.
func (m *memBuffer) Insert(key, value []byte) {
	m.update(key, kvrpcpb.Op_Insert, value)
}

func (m *memBuffer) update(key []byte, op kvrpcpb.Op, value []byte) {
	if i, ok := m.entries[string(key)]; ok {
		m.size += len(value) - len(m.values[i])
		m.ops[i] = op
		m.values[i] = value
		return
	}
	m.entries[string(key)] = len(m.keys)
	m.ops = append(m.ops, op)
	m.keys = append(m.keys, key)
	m.values = append(m.values, value)
	m.size += len(key) + len(value)
}

// Get returns the buffered value of key. The second return value
// reports whether the key is buffered at all; a buffered delete
// returns (nil, true).
func (m *memBuffer) Get(key []byte) ([]byte, bool) {
	i, ok := m.entries[string(key)]
	if !ok {
		return nil, false
	}
	if m.ops[i] == kvrpcpb.Op_Del {
		return nil, true
	}
	return m.values[i], true
}

// Len returns the number of buffered keys.
func (m *memBuffer) Len() int {
	return len(m.keys)
}

// Size returns the total byte size of buffered keys and values.
func (m *memBuffer) Size() int {
	return m.size
}

// GetKeyByIndex returns the i-th buffered key in insertion order.
func (m *memBuffer) GetKeyByIndex(i int) []byte {
	return m.keys[i]
}

// mutations snapshots the buffer into committer mutations.
func (m *memBuffer) mutations() *PlainMutations {
	muts := NewPlainMutations(len(m.keys))
	for i := range m.keys {
		muts.Push(m.ops[i], m.keys[i], m.values[i])
	}
	return &muts
}
