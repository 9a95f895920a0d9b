// Package dirchange decodes the FILE_NOTIFY_INFORMATION record stream that
// ReadDirectoryChangesW writes into its output buffer.
//
// Each record has the layout
//
//	struct FILE_NOTIFY_INFORMATION {
//	    DWORD NextEntryOffset; // 0 for the last record
//	    DWORD Action;
//	    DWORD FileNameLength;  // in bytes
//	    WCHAR FileName[1];     // UTF-16LE, not NUL-terminated
//	}
//
// The decoder is pure Go and builds on every platform.
package dirchange

import (
	"encoding/binary"
	"iter"
	"unicode/utf16"
)

// headerSize is the fixed part of a record preceding FileName.
const headerSize = 12

// Action is the decoded change category of a record. The empty Action means
// no record could be decoded.
type Action string

const (
	ActionUnknown     Action = "Unknown"
	ActionAdded       Action = "Added"
	ActionRemoved     Action = "Removed"
	ActionModified    Action = "Modified"
	ActionRenamedFrom Action = "RenamedFrom"
	ActionRenamedTo   Action = "RenamedTo"
)

// FILE_ACTION_* codes (kernel ABI).
var actions = map[uint32]Action{
	0x0: ActionUnknown,
	0x1: ActionAdded,
	0x2: ActionRemoved,
	0x3: ActionModified,
	0x4: ActionRenamedFrom,
	0x5: ActionRenamedTo,
}

// ActionFromCode maps a raw FILE_ACTION_* code. Codes outside the table map
// to ActionUnknown.
func ActionFromCode(code uint32) Action {
	if a, ok := actions[code]; ok {
		return a
	}
	return ActionUnknown
}

// Record is one decoded change record.
type Record struct {
	Code   uint32
	Action Action
	Name   string
}

// First decodes only the first record in the first n bytes of buf. A zero
// byte count yields empty strings; this is the normal "nothing to report"
// outcome of a zero-length completion.
func First(buf []byte, n uint32) (Action, string) {
	for r := range Records(buf, n) {
		return r.Action, r.Name
	}
	return "", ""
}

// Records returns every record in the first n bytes of buf. The sequence is
// lazy and can be ranged over any number of times. It stops early on a
// truncated record or on an offset that would not advance.
func Records(buf []byte, n uint32) iter.Seq[Record] {
	if int(n) < len(buf) {
		buf = buf[:n]
	}
	return func(yield func(Record) bool) {
		b := buf
		for len(b) >= headerSize {
			next := binary.LittleEndian.Uint32(b[0:4])
			code := binary.LittleEndian.Uint32(b[4:8])
			nameLen := binary.LittleEndian.Uint32(b[8:12])
			if uint64(headerSize)+uint64(nameLen) > uint64(len(b)) {
				return
			}
			rec := Record{
				Code:   code,
				Action: ActionFromCode(code),
				Name:   decodeName(b[headerSize : headerSize+nameLen]),
			}
			if !yield(rec) {
				return
			}
			if next == 0 || next < headerSize || uint64(next) > uint64(len(b)) {
				return
			}
			b = b[next:]
		}
	}
}

func decodeName(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

// Encode appends the FILE_NOTIFY_INFORMATION encoding of recs to dst. Each
// record is padded to a DWORD boundary like the kernel does. It is used to
// build fixtures and to replay captured buffers.
func Encode(dst []byte, recs ...Record) []byte {
	for i, r := range recs {
		name := utf16.Encode([]rune(r.Name))
		size := headerSize + 2*len(name)
		padded := (size + 3) &^ 3

		var next uint32
		if i < len(recs)-1 {
			next = uint32(padded)
		}
		start := len(dst)
		dst = binary.LittleEndian.AppendUint32(dst, next)
		dst = binary.LittleEndian.AppendUint32(dst, r.Code)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(2*len(name)))
		for _, c := range name {
			dst = binary.LittleEndian.AppendUint16(dst, c)
		}
		for len(dst)-start < padded {
			dst = append(dst, 0)
		}
	}
	return dst
}
