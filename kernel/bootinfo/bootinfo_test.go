package bootinfo

import (
	"bytes"
	"testing"
)

func TestBuildAndParseRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	b, err := NewBuilder(buf)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	mapEntry := MemoryRange{StartPFN: 256, PageCount: 1024, Kind: MemUsable}
	if err := AppendSlice(b, KindMemoryMap, []MemoryRange{mapEntry}); err != nil {
		t.Fatalf("AppendSlice(MemoryMap): %v", err)
	}

	cmdline := []byte("loglevel=debug")
	if err := AppendSlice(b, KindCommandLine, cmdline); err != nil {
		t.Fatalf("AppendSlice(CommandLine): %v", err)
	}

	final := b.Finish()

	view, err := NewView(final)
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}

	items := view.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items; got %d", len(items))
	}

	if items[0].Kind != KindMemoryMap {
		t.Fatalf("expected first item to be MemoryMap; got %v", items[0].Kind)
	}
	gotRanges, err := GetSlice[MemoryRange](items[0])
	if err != nil {
		t.Fatalf("GetSlice(MemoryRange): %v", err)
	}
	if len(gotRanges) != 1 || gotRanges[0] != mapEntry {
		t.Fatalf("expected %+v; got %+v", mapEntry, gotRanges)
	}

	if items[1].Kind != KindCommandLine {
		t.Fatalf("expected second item to be CommandLine; got %v", items[1].Kind)
	}
	if !bytes.Equal(items[1].Payload, cmdline) {
		t.Fatalf("expected payload %q; got %q", cmdline, items[1].Payload)
	}

	for _, it := range items {
		off := uintptr(uintptr(len(it.Payload)))
		_ = off
	}
}

func TestBuilderRejectsUndersizedBuffer(t *testing.T) {
	if _, err := NewBuilder(make([]byte, 4)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestBuilderRejectsOversizedPayload(t *testing.T) {
	buf := make([]byte, 32)
	b, err := NewBuilder(buf)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	if err := AppendSlice(b, KindCommandLine, make([]byte, 64)); err == nil {
		t.Fatal("expected BadSize error for payload larger than buffer")
	}
}

func TestGetRejectsSizeMismatch(t *testing.T) {
	buf := make([]byte, 64)
	b, _ := NewBuilder(buf)
	_ = AppendSlice(b, KindCommandLine, []byte("x"))
	final := b.Finish()

	view, _ := NewView(final)
	items := view.Items()

	if _, err := Get[MemoryRange](items[0]); err == nil {
		t.Fatal("expected BadSize error reading a 1-byte payload as MemoryRange")
	}
}

func TestItemsAreEightByteAligned(t *testing.T) {
	buf := make([]byte, 256)
	b, _ := NewBuilder(buf)
	_ = AppendSlice(b, KindCommandLine, []byte("abc"))
	_ = AppendSlice(b, KindCommandLine, []byte("de"))
	final := b.Finish()

	view, _ := NewView(final)
	for _, it := range view.Items() {
		if addrOf(it.Payload)%itemAlign != 0 {
			t.Fatalf("item payload at %#x is not 8-byte aligned", addrOf(it.Payload))
		}
	}
}
