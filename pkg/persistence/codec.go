package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/vmihailenco/msgpack/v5"
)

// Binary format constants
const (
	MagicBytes    = "QSBT" // qubicsleep batch
	FormatVersion = 1

	headerSize = 4 + 2 + 2 + 8 + 8 + 4
)

// Header for binary format
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	BatchID  uint64
	DataLen  uint64
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

var (
	errShortData   = errors.New("data too short")
	errBadMagic    = errors.New("invalid magic bytes")
	errBadVersion  = errors.New("unsupported format version")
	errBadChecksum = errors.New("checksum mismatch")
)

// Codec handles encoding/decoding of consolidation batches
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a new codec
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed,
	}
}

// Encode serializes a batch to binary format
func (c *Codec) Encode(batch *core.ConsolidationBatch) ([]byte, error) {
	data, err := msgpack.Marshal(batch)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		BatchID:  batch.ID,
		DataLen:  uint64(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	buf.Grow(headerSize + len(data))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if _, err := buf.Write(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes binary format to a batch. Damaged input is reported
// as core.ErrDataCorruption.
func (c *Codec) Decode(raw []byte) (*core.ConsolidationBatch, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, errShortData)
	}

	buf := bytes.NewReader(raw)

	var header Header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, errBadMagic)
	}
	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, errBadVersion)
	}

	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(buf, data); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, err)
	}
	if crc32.ChecksumIEEE(data) != header.Checksum {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, errBadChecksum)
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, err)
		}
		data = decompressed
	}

	var batch core.ConsolidationBatch
	if err := msgpack.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDataCorruption, err)
	}
	if batch.ID != header.BatchID {
		return nil, fmt.Errorf("%w: batch id %d does not match header %d", core.ErrDataCorruption, batch.ID, header.BatchID)
	}
	return &batch, nil
}

// compressData compresses using gzip
func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressData decompresses gzip data
func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// EncodeTimes packs an activation log as msgpack unix-nano integers.
func EncodeTimes(ts []time.Time) ([]byte, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	nanos := make([]int64, len(ts))
	for i, t := range ts {
		nanos[i] = t.UnixNano()
	}
	return msgpack.Marshal(nanos)
}

// DecodeTimes is the inverse of EncodeTimes. Times come back in UTC.
func DecodeTimes(raw []byte) ([]time.Time, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var nanos []int64
	if err := msgpack.Unmarshal(raw, &nanos); err != nil {
		return nil, fmt.Errorf("%w: activation log: %v", core.ErrDataCorruption, err)
	}
	ts := make([]time.Time, len(nanos))
	for i, n := range nanos {
		ts[i] = time.Unix(0, n).UTC()
	}
	return ts, nil
}

// appendFrame writes payload as [len uint32][payload][crc32 uint32].
func appendFrame(dst []byte, payload []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, payload...)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], crc32.ChecksumIEEE(payload))
	return append(dst, sumBuf[:]...)
}

// scanFrames returns every intact frame in data and the offset just past
// the last one. A torn or corrupt tail ends the scan.
func scanFrames(data []byte) ([][]byte, int) {
	var frames [][]byte
	offset := 0
	for len(data)-offset >= 8 {
		recordLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		if recordLen <= 0 || recordLen > len(data)-offset-8 {
			break
		}
		end := offset + 4 + recordLen + 4
		payload := data[offset+4 : offset+4+recordLen]
		checksum := binary.LittleEndian.Uint32(data[offset+4+recordLen : end])
		if crc32.ChecksumIEEE(payload) != checksum {
			break
		}
		frames = append(frames, payload)
		offset = end
	}
	return frames, offset
}
