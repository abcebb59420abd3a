package wiring

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when a record runs past the end of the blob.
var ErrTruncated = errors.New("truncated record")

// Decoder reads configuration records incrementally from a blob.
type Decoder struct {
	data   []byte
	offset int
}

// NewDecoder creates a decoder positioned at the start of data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Offset returns the current read position.
func (d *Decoder) Offset() int {
	return d.offset
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.offset
}

// Seek moves the read position to an absolute offset.
func (d *Decoder) Seek(offset int) error {
	if offset < 0 || offset > len(d.data) {
		return fmt.Errorf("seek to %d: %w", offset, ErrTruncated)
	}
	d.offset = offset
	return nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.offset+n > len(d.data) {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d: %w",
			n, d.offset, len(d.data)-d.offset, ErrTruncated)
	}
	b := d.data[d.offset : d.offset+n]
	d.offset += n
	return b, nil
}

// Metadata reads the two-byte preamble.
func (d *Decoder) Metadata() (Metadata, error) {
	b, err := d.take(MetadataSize)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return Metadata{Origin: b[0], Flags: Flags(b[1])}, nil
}

// PeekType returns the tag of the next record without consuming it.
func (d *Decoder) PeekType() (RecordType, error) {
	if d.offset >= len(d.data) {
		return 0, fmt.Errorf("peek at offset %d: %w", d.offset, ErrTruncated)
	}
	return RecordType(d.data[d.offset]), nil
}

// SectionHeader reads a section header.
func (d *Decoder) SectionHeader() (SectionHeader, error) {
	b, err := d.take(SectionHeaderSize)
	if err != nil {
		return SectionHeader{}, fmt.Errorf("failed to read section header: %w", err)
	}
	return DecodeSectionHeader(b), nil
}

// WiringRecord reads one wiring row.
func (d *Decoder) WiringRecord() (WiringRecord, error) {
	b, err := d.take(WiringRecordSize)
	if err != nil {
		return WiringRecord{}, fmt.Errorf("failed to read wiring record: %w", err)
	}
	return DecodeWiringRecord(b), nil
}

// ParamRecord reads one parameter row and its blob. END_TABLE rows are
// returned with their type and no blob.
func (d *Decoder) ParamRecord() (RecordType, ParamRecord, error) {
	b, err := d.take(ParamRecordHeaderSize)
	if err != nil {
		return 0, ParamRecord{}, fmt.Errorf("failed to read parameter record: %w", err)
	}
	typ, key := decodeCommonHeader(b)
	if typ != RecordParameter {
		return typ, ParamRecord{Key: key}, nil
	}
	blob, err := d.take(int(b[CommonHeaderSize]))
	if err != nil {
		return typ, ParamRecord{}, fmt.Errorf("failed to read parameter blob for %s: %w", key, err)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return typ, ParamRecord{Key: key, Blob: out}, nil
}

func decodeCommonHeader(b []byte) (RecordType, ElementKey) {
	return RecordType(b[0]), ElementKey{
		Template: TemplateID(binary.LittleEndian.Uint16(b[1:3])),
		Instance: b[3],
	}
}

func putCommonHeader(b []byte, typ RecordType, key ElementKey) {
	b[0] = byte(typ)
	binary.LittleEndian.PutUint16(b[1:3], uint16(key.Template))
	b[3] = key.Instance
}

// DecodeSectionHeader decodes a section header from b.
func DecodeSectionHeader(b []byte) SectionHeader {
	return SectionHeader{
		Type:   RecordType(b[0]),
		Length: binary.LittleEndian.Uint16(b[1:3]),
	}
}

// AppendSectionHeader appends the encoded header to b.
func AppendSectionHeader(b []byte, h SectionHeader) []byte {
	var buf [SectionHeaderSize]byte
	buf[0] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[1:3], h.Length)
	return append(b, buf[:]...)
}

// DecodeWiringRecord decodes a wiring row from b.
func DecodeWiringRecord(b []byte) WiringRecord {
	typ, key := decodeCommonHeader(b)
	return WiringRecord{
		Type: typ,
		Key:  key,
		Port: b[CommonHeaderSize],
		Last: RecordType(b[CommonHeaderSize+1]) == RecordEnd,
	}
}

// AppendWiringRecord appends the encoded row to b.
func AppendWiringRecord(b []byte, r WiringRecord) []byte {
	var buf [WiringRecordSize]byte
	putCommonHeader(buf[:], r.Type, r.Key)
	buf[CommonHeaderSize] = r.Port
	if r.Last {
		buf[CommonHeaderSize+1] = byte(RecordEnd)
	}
	return append(b, buf[:]...)
}

// AppendParamRecord appends the encoded parameter row and blob to b.
func AppendParamRecord(b []byte, r ParamRecord) ([]byte, error) {
	if len(r.Blob) > MaxParamBlobSize {
		return b, fmt.Errorf("parameter blob for %s is %d bytes, limit %d", r.Key, len(r.Blob), MaxParamBlobSize)
	}
	var buf [ParamRecordHeaderSize]byte
	putCommonHeader(buf[:], RecordParameter, r.Key)
	buf[CommonHeaderSize] = uint8(len(r.Blob))
	b = append(b, buf[:]...)
	return append(b, r.Blob...), nil
}

// AppendParamEnd appends the END_TABLE row closing a parameter section.
func AppendParamEnd(b []byte) []byte {
	var buf [ParamRecordHeaderSize]byte
	buf[0] = byte(RecordEndTable)
	return append(b, buf[:]...)
}

// Encoder writes configuration records to an io.Writer.
type Encoder struct {
	w   *bufio.Writer
	buf []byte
}

// NewEncoder creates a new record encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

func (e *Encoder) write(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// EncodeMetadata writes the preamble.
func (e *Encoder) EncodeMetadata(m Metadata) error {
	return e.write([]byte{m.Origin, byte(m.Flags)})
}

// EncodeSectionHeader writes a section header.
func (e *Encoder) EncodeSectionHeader(h SectionHeader) error {
	e.buf = AppendSectionHeader(e.buf[:0], h)
	return e.write(e.buf)
}

// EncodeWiringRecord writes one wiring row.
func (e *Encoder) EncodeWiringRecord(r WiringRecord) error {
	e.buf = AppendWiringRecord(e.buf[:0], r)
	return e.write(e.buf)
}

// EncodeParamRecord writes one parameter row.
func (e *Encoder) EncodeParamRecord(r ParamRecord) error {
	var err error
	e.buf, err = AppendParamRecord(e.buf[:0], r)
	if err != nil {
		return err
	}
	return e.write(e.buf)
}

// EncodeWiringEnd writes the END_TABLE row of a wiring section.
func (e *Encoder) EncodeWiringEnd() error {
	return e.EncodeWiringRecord(WiringRecord{Type: RecordEndTable})
}

// EncodeParamEnd writes the END_TABLE row of a parameter section.
func (e *Encoder) EncodeParamEnd() error {
	e.buf = AppendParamEnd(e.buf[:0])
	return e.write(e.buf)
}

// Flush writes any buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}
