package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// DeadLetterLog is an append-only file of batches that could not be
// committed. Each record is a checksummed frame around a Codec-encoded
// batch, so a crash mid-write loses at most the torn tail.
type DeadLetterLog struct {
	path  string
	codec *Codec
	mu    sync.Mutex
}

// OpenDeadLetterLog prepares the log file's directory.
func OpenDeadLetterLog(path string) (*DeadLetterLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}
	return &DeadLetterLog{path: path, codec: NewCodec(true)}, nil
}

// Path returns the log file location.
func (d *DeadLetterLog) Path() string {
	return d.path
}

// Append encodes and durably appends a batch.
func (d *DeadLetterLog) Append(batch *core.ConsolidationBatch) error {
	payload, err := d.codec.Encode(batch)
	if err != nil {
		return fmt.Errorf("encode batch %d: %w", batch.ID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(appendFrame(nil, payload)); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAll decodes every intact batch in the log. Frames whose payload no
// longer decodes are counted in skipped.
func (d *DeadLetterLog) ReadAll() (batches []*core.ConsolidationBatch, skipped int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	frames, _ := scanFrames(data)
	for _, payload := range frames {
		b, err := d.codec.Decode(payload)
		if err != nil {
			skipped++
			continue
		}
		batches = append(batches, b)
	}
	return batches, skipped, nil
}

// Len returns the number of intact frames.
func (d *DeadLetterLog) Len() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	frames, _ := scanFrames(data)
	return len(frames), nil
}

// Truncate empties the log.
func (d *DeadLetterLog) Truncate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Truncate(d.path, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
