package wiring

import (
	"encoding/binary"
	"fmt"
)

// RoutingRow is one fixed-width row of the persisted routing table. The
// first row of a group carries the fan-out count in Index; each following
// row carries a packed destination handle/port and a function reference.
type RoutingRow struct {
	Index uint8
	Func  uint16
}

// FanoutRow builds the header row of an output group.
func FanoutRow(fanout uint8) RoutingRow {
	return RoutingRow{Index: fanout}
}

// DestinationRow builds a destination row.
func DestinationRow(handle, port uint8, fn uint16) RoutingRow {
	return RoutingRow{Index: PackPort(handle, port), Func: fn}
}

// Encode returns the on-segment bytes of the row.
func (r RoutingRow) Encode() []byte {
	b := make([]byte, RoutingRowSize)
	b[0] = r.Index
	binary.LittleEndian.PutUint16(b[1:3], r.Func)
	return b
}

// DecodeRoutingRow decodes one routing row.
func DecodeRoutingRow(b []byte) (RoutingRow, error) {
	if len(b) < RoutingRowSize {
		return RoutingRow{}, fmt.Errorf("routing row: %w", ErrTruncated)
	}
	return RoutingRow{Index: b[0], Func: binary.LittleEndian.Uint16(b[1:3])}, nil
}

// ElementRow is one entry of the persisted elements table.
type ElementRow struct {
	Key    ElementKey
	Handle uint8
}

// EncodeElementsTable serialises rows behind a one-byte count.
func EncodeElementsTable(rows []ElementRow) ([]byte, error) {
	if len(rows) > 0xFF {
		return nil, fmt.Errorf("elements table holds at most 255 rows, got %d", len(rows))
	}
	b := make([]byte, ElementsTableHeader, ElementsTableHeader+len(rows)*ElementRowSize)
	b[0] = uint8(len(rows))
	for _, r := range rows {
		var buf [ElementRowSize]byte
		binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Key.Template))
		buf[2] = r.Key.Instance
		buf[3] = r.Handle
		b = append(b, buf[:]...)
	}
	return b, nil
}

// DecodeElementsTable parses a serialised elements table.
func DecodeElementsTable(b []byte) ([]ElementRow, error) {
	if len(b) < ElementsTableHeader {
		return nil, fmt.Errorf("elements table: %w", ErrTruncated)
	}
	n := int(b[0])
	if len(b) < ElementsTableHeader+n*ElementRowSize {
		return nil, fmt.Errorf("elements table with %d rows: %w", n, ErrTruncated)
	}
	rows := make([]ElementRow, 0, n)
	off := ElementsTableHeader
	for i := 0; i < n; i++ {
		rows = append(rows, ElementRow{
			Key: ElementKey{
				Template: TemplateID(binary.LittleEndian.Uint16(b[off : off+2])),
				Instance: b[off+2],
			},
			Handle: b[off+3],
		})
		off += ElementRowSize
	}
	return rows, nil
}

// ParamTableSize returns the encoded size of a parameter table holding records.
func ParamTableSize(records []ParamRecord) int {
	n := ParamTableHeader + SectionHeaderSize
	for _, r := range records {
		n += ParamRecordHeaderSize + len(r.Blob)
	}
	return n
}

// EncodeParamTable serialises a saved parameter table: a total length,
// the records, and an END_TABLE row padded to the section header size.
func EncodeParamTable(records []ParamRecord) ([]byte, error) {
	size := ParamTableSize(records)
	if size > 0xFFFF {
		return nil, fmt.Errorf("parameter table of %d bytes exceeds 65535", size)
	}
	b := make([]byte, ParamTableHeader, size)
	binary.LittleEndian.PutUint16(b, uint16(size))
	var err error
	for _, r := range records {
		if b, err = AppendParamRecord(b, r); err != nil {
			return nil, err
		}
	}
	b = AppendParamEnd(b)
	for len(b) < size {
		b = append(b, 0)
	}
	return b, nil
}

// DecodeParamTable parses a saved parameter table.
func DecodeParamTable(b []byte) ([]ParamRecord, error) {
	if len(b) < ParamTableHeader {
		return nil, fmt.Errorf("parameter table: %w", ErrTruncated)
	}
	total := int(binary.LittleEndian.Uint16(b))
	if total > len(b) {
		return nil, fmt.Errorf("parameter table declares %d bytes, have %d: %w", total, len(b), ErrTruncated)
	}
	d := NewDecoder(b[:total])
	_ = d.Seek(ParamTableHeader)
	var records []ParamRecord
	for {
		typ, rec, err := d.ParamRecord()
		if err != nil {
			return nil, err
		}
		switch typ {
		case RecordEndTable:
			return records, nil
		case RecordParameter:
			records = append(records, rec)
		default:
			return nil, fmt.Errorf("unexpected %s record at offset %d in parameter table", typ, d.Offset()-ParamRecordHeaderSize)
		}
	}
}
