package recoveryjournal

import "testing"

func TestEncodeDecodeStateRoundTrip(t *testing.T) {
	s := PersistedState{JournalStart: 17, LogicalBlocksUsed: 42, BlockMapDataBlocks: 9}
	got, err := DecodeState(EncodeState(s))
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if got != s {
		t.Fatalf("DecodeState(EncodeState(s)) = %+v, want %+v", got, s)
	}
}

func TestDecodeStateRejectsMismatchedHeader(t *testing.T) {
	buf := EncodeState(PersistedState{JournalStart: 1})
	buf[0] ^= 0xff // corrupt the component id
	if _, err := DecodeState(buf); err != ErrStateCorrupt {
		t.Fatalf("DecodeState with bad id = %v, want ErrStateCorrupt", err)
	}

	buf2 := EncodeState(PersistedState{JournalStart: 1})
	buf2[4] = 9 // corrupt the version major
	if _, err := DecodeState(buf2); err != ErrStateCorrupt {
		t.Fatalf("DecodeState with bad version = %v, want ErrStateCorrupt", err)
	}

	if _, err := DecodeState(make([]byte, 3)); err != ErrStateCorrupt {
		t.Fatalf("DecodeState with wrong size = %v, want ErrStateCorrupt", err)
	}
}

func TestSaveLoadCleanJournal(t *testing.T) {
	j := newTestJournal(t, syncPolicy)
	if err := j.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	vio := newIncrementVIO(100, 5000)
	if err := j.AddEntry(vio); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if !vio.completed || vio.err != nil {
		t.Fatalf("expected vio committed synchronously under sync policy, completed=%v err=%v", vio.completed, vio.err)
	}

	saved := j.Save()
	if saved.JournalStart != uint64(j.tail) {
		t.Fatalf("clean Save JournalStart = %d, want tail %d", saved.JournalStart, j.tail)
	}

	fresh := newTestJournal(t, syncPolicy)
	fresh.Load(saved)
	if fresh.tail != j.tail {
		t.Fatalf("Load tail = %d, want %d", fresh.tail, j.tail)
	}
	if fresh.blockMapHead != j.tail || fresh.slabJournalHead != j.tail {
		t.Fatalf("Load should reset pending heads to tail")
	}
	if fresh.adminState.code != adminLoaded {
		t.Fatalf("Load admin code = %v, want adminLoaded", fresh.adminState.code)
	}
}

func TestSaveReadOnlyJournalUsesMinHead(t *testing.T) {
	j := newTestJournal(t, syncPolicy)
	j.Open()
	j.blockMapHead = 3
	j.slabJournalHead = 5
	j.adminState.enterReadOnly()

	saved := j.Save()
	if saved.JournalStart != 3 {
		t.Fatalf("read-only Save JournalStart = %d, want min(3,5)=3", saved.JournalStart)
	}
}
