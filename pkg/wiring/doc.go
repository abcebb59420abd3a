// Package wiring implements the binary configuration format consumed by the
// wiring engine and the fixed-width rows it persists.
//
// # Configuration blobs
//
// A blob starts with two bytes of metadata (origin module, action flags)
// followed by up to two sections, each opened by a six-byte section header:
//
//	metadata        {origin u8, flags u8}
//	BEGIN_WIRING    {type u8, length u16, reserved[3]}
//	  OUTPUT        {type u8, template u16, instance u8, port u8, 0}
//	  INPUT ...     {type u8, template u16, instance u8, port u8, END_RECORD on last}
//	  END_TABLE     (or the BEGIN_PARAMETERS header directly)
//	BEGIN_PARAMETERS
//	  PARAMETER ... {type u8, template u16, instance u8, length u8, blob}
//	  END_TABLE
//
// Multi-byte fields are little-endian.
//
// # Persisted rows
//
// The engine persists three tables into fixed-size segments:
//
//   - routing rows, 3 bytes each: a fan-out header {count, 0, 0} followed by
//     count destination rows {handle<<3 | port, function u16}
//   - the elements table: a count byte followed by {template u16, instance u8, handle u8}
//   - the parameter table: a total length u16, parameter records and an
//     END_TABLE row padded to the section header size
//
// Graph descriptions are compiled to blobs with Compile and decoded with
// Decompile.
package wiring
