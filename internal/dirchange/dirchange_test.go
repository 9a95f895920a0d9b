package dirchange_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/winwatch/winwatch/internal/dirchange"
)

func TestActionFromCode_Table(t *testing.T) {
	want := map[uint32]dirchange.Action{
		0: dirchange.ActionUnknown,
		1: dirchange.ActionAdded,
		2: dirchange.ActionRemoved,
		3: dirchange.ActionModified,
		4: dirchange.ActionRenamedFrom,
		5: dirchange.ActionRenamedTo,
	}
	for code, action := range want {
		if got := dirchange.ActionFromCode(code); got != action {
			t.Errorf("ActionFromCode(%d) = %q, want %q", code, got, action)
		}
	}
}

func TestActionFromCode_OutOfRangeIsUnknown(t *testing.T) {
	for _, code := range []uint32{6, 7, 0x10, 0xFFFF, 0xFFFFFFFF} {
		if got := dirchange.ActionFromCode(code); got != dirchange.ActionUnknown {
			t.Errorf("ActionFromCode(%#x) = %q, want Unknown", code, got)
		}
	}
}

func TestFirst_ZeroBytes(t *testing.T) {
	buf := dirchange.Encode(nil, dirchange.Record{Code: 1, Name: "stale.txt"})

	action, name := dirchange.First(buf, 0)
	if action != "" || name != "" {
		t.Errorf("First(n=0) = (%q, %q), want empty strings", action, name)
	}
}

func TestFirst_SingleRecord(t *testing.T) {
	buf := make([]byte, 1024)
	rec := dirchange.Encode(nil, dirchange.Record{Code: 1, Name: "note.txt"})
	n := copy(buf, rec)

	action, name := dirchange.First(buf, uint32(n))
	if action != dirchange.ActionAdded {
		t.Errorf("action = %q, want Added", action)
	}
	if name != "note.txt" {
		t.Errorf("name = %q, want note.txt", name)
	}
}

func TestFirst_OnlyFirstOfBatch(t *testing.T) {
	buf := dirchange.Encode(nil,
		dirchange.Record{Code: 4, Name: "note.txt"},
		dirchange.Record{Code: 5, Name: "note2.txt"},
	)

	action, name := dirchange.First(buf, uint32(len(buf)))
	if action != dirchange.ActionRenamedFrom || name != "note.txt" {
		t.Errorf("First = (%q, %q), want (RenamedFrom, note.txt)", action, name)
	}
}

func TestFirst_NonASCIIName(t *testing.T) {
	const name = `sub\отчёт 📄.txt`
	buf := dirchange.Encode(nil, dirchange.Record{Code: 3, Name: name})

	action, got := dirchange.First(buf, uint32(len(buf)))
	if action != dirchange.ActionModified || got != name {
		t.Errorf("First = (%q, %q), want (Modified, %q)", action, got, name)
	}
}

func TestFirst_Deterministic(t *testing.T) {
	buf := dirchange.Encode(nil, dirchange.Record{Code: 2, Name: "gone.log"})
	a1, n1 := dirchange.First(buf, uint32(len(buf)))
	a2, n2 := dirchange.First(buf, uint32(len(buf)))
	if a1 != a2 || n1 != n2 {
		t.Errorf("decoding differs between calls: (%q,%q) vs (%q,%q)", a1, n1, a2, n2)
	}
}

func TestRecords_AllOfBatch(t *testing.T) {
	in := []dirchange.Record{
		{Code: 1, Action: dirchange.ActionAdded, Name: "a"},
		{Code: 3, Action: dirchange.ActionModified, Name: "bb"},
		{Code: 9, Action: dirchange.ActionUnknown, Name: "ccc"},
	}
	buf := dirchange.Encode(nil, in...)

	got := slices.Collect(dirchange.Records(buf, uint32(len(buf))))
	if !slices.Equal(got, in) {
		t.Errorf("Records = %+v, want %+v", got, in)
	}

	// The sequence is restartable.
	again := slices.Collect(dirchange.Records(buf, uint32(len(buf))))
	if !slices.Equal(again, got) {
		t.Errorf("second iteration = %+v, want %+v", again, got)
	}
}

func TestRecords_StopsEarly(t *testing.T) {
	buf := dirchange.Encode(nil,
		dirchange.Record{Code: 1, Name: "a"},
		dirchange.Record{Code: 2, Name: "b"},
	)
	count := 0
	for range dirchange.Records(buf, uint32(len(buf))) {
		count++
		break
	}
	if count != 1 {
		t.Errorf("iterations = %d, want 1", count)
	}
}

func TestRecords_TruncatedRecordIsDropped(t *testing.T) {
	buf := dirchange.Encode(nil,
		dirchange.Record{Code: 1, Name: "complete"},
		dirchange.Record{Code: 2, Name: "truncated-name"},
	)
	first := len(dirchange.Encode(nil, dirchange.Record{Code: 1, Name: "complete"}))

	got := slices.Collect(dirchange.Records(buf, uint32(first+headerLen+4)))
	if len(got) != 1 || got[0].Name != "complete" {
		t.Errorf("Records = %+v, want only the complete record", got)
	}
}

func TestRecords_NameLengthBeyondBuffer(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[4:], 1)
	binary.LittleEndian.PutUint32(buf[8:], 4096)

	action, name := dirchange.First(buf, uint32(len(buf)))
	if action != "" || name != "" {
		t.Errorf("First = (%q, %q), want empty for corrupt record", action, name)
	}
}

func TestRecords_NonAdvancingOffsetTerminates(t *testing.T) {
	buf := dirchange.Encode(nil, dirchange.Record{Code: 1, Name: "loop"})
	binary.LittleEndian.PutUint32(buf[0:], 4) // smaller than a header

	got := slices.Collect(dirchange.Records(buf, uint32(len(buf))))
	if len(got) != 1 {
		t.Errorf("Records yielded %d records, want 1", len(got))
	}
}

func TestEncode_PadsToDWORD(t *testing.T) {
	buf := dirchange.Encode(nil,
		dirchange.Record{Code: 1, Name: "x"},
		dirchange.Record{Code: 1, Name: "y"},
	)
	next := binary.LittleEndian.Uint32(buf[0:4])
	if next%4 != 0 {
		t.Errorf("NextEntryOffset = %d, not DWORD aligned", next)
	}
	if len(buf)%4 != 0 {
		t.Errorf("len = %d, not DWORD aligned", len(buf))
	}
}

const headerLen = 12
