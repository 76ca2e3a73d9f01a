package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Journal records lifecycle events as an append-only audit trail
type Journal interface {
	Append(v any) error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal         { return &NopJournal{} }
func (j *NopJournal) Append(_ any) error { return nil }

// FileJournal writes one JSON document per line
type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *FileJournal) Append(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(v); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadJournal calls fn for every line of the journal at path, in order
func ReadJournal(path string, fn func(line json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := make(json.RawMessage, len(sc.Bytes()))
		copy(line, sc.Bytes())
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
