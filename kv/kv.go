// Package kv implements the Key-Stream Store (C3): a flat namespace
// mapping UTF-8 keys to either a pipe or literal bytes.
package kv

import (
	"sync"

	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/pipe"
)

// entry is either a pipe reference or literal (already-closed) bytes.
type entry struct {
	p     *pipe.Pipe
	value []byte // non-nil iff this entry was put_value'd
}

// Store is the process-wide key-stream store. The zero value is not
// usable; construct with New.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

// PutPipe registers key as backed by p, the writer's stdout pipe.
func (s *Store) PutPipe(key string, p *pipe.Pipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{p: p}
}

// PutValue registers key as backed by fixed bytes, logically a pipe
// already closed with the given contents.
func (s *Store) PutValue(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[key] = entry{value: cp}
}

// Exists reports whether key has been put.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Delete removes key. A no-op if key does not exist.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// OpenRead returns a reader over key's contents: a fresh Reader over
// the backing pipe, or a one-shot reader over the literal value.
func (s *Store) OpenRead(key string) (*pipe.Reader, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.IO(errs.CodeEBADF, "open_read on unknown key: "+key)
	}
	if e.p != nil {
		return e.p.Open(), nil
	}
	return literalReader(e.value), nil
}

// OpenWrite returns the pipe backing key so an actor may write to it.
// It is an error to open_write a key backed by a literal value.
func (s *Store) OpenWrite(key string) (*pipe.Pipe, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.IO(errs.CodeEBADF, "open_write on unknown key: "+key)
	}
	if e.p == nil {
		return nil, errs.IO(errs.CodeEINVAL, "open_write on a literal-value key: "+key)
	}
	return e.p, nil
}

// literalReader wraps a fixed byte slice in a pipe.Reader-compatible
// reader by materializing a closed pipe with no queue dependency: the
// value is already final, so no suspension is ever needed.
func literalReader(value []byte) *pipe.Reader {
	p := pipe.NewLiteral(value)
	return p.Open()
}
