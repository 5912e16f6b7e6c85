package recoveryjournal

import (
	"encoding/binary"

	"github.com/mod-vdo/vdocore/types"
)

// Persisted-state layout (§6 "Persisted journal-component state
// (bit-exact)"): a fixed 8-byte header (component id u32, version major/
// minor u8 each, state size u16) followed by the 24-byte state-7.0 record
// itself (three u64 fields), all little-endian.
const (
	recoveryJournalComponentID = 3
	stateVersionMajor          = 7
	stateVersionMinor          = 0
	stateRecordSize            = 24
	headerRecordSize           = 4 + 1 + 1 + 2
	persistedStateSize         = headerRecordSize + stateRecordSize
)

// PersistedState is the bit-exact state-7.0 record (§6, §8 property 6).
type PersistedState struct {
	JournalStart       uint64
	LogicalBlocksUsed  uint64
	BlockMapDataBlocks uint64
}

// EncodeState serializes s into its persisted-state-7.0 on-disk form.
func EncodeState(s PersistedState) []byte {
	buf := make([]byte, persistedStateSize)
	binary.LittleEndian.PutUint32(buf[0:4], recoveryJournalComponentID)
	buf[4] = stateVersionMajor
	buf[5] = stateVersionMinor
	binary.LittleEndian.PutUint16(buf[6:8], stateRecordSize)

	body := buf[headerRecordSize:]
	binary.LittleEndian.PutUint64(body[0:8], s.JournalStart)
	binary.LittleEndian.PutUint64(body[8:16], s.LogicalBlocksUsed)
	binary.LittleEndian.PutUint64(body[16:24], s.BlockMapDataBlocks)
	return buf
}

// DecodeState parses buf as a persisted-state-7.0 record, verifying the
// header's id, version, and size (§8 property 6: "Decode rejects headers
// with mismatched id/version/size").
func DecodeState(buf []byte) (PersistedState, error) {
	if len(buf) != persistedStateSize {
		return PersistedState{}, ErrStateCorrupt
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	major, minor := buf[4], buf[5]
	size := binary.LittleEndian.Uint16(buf[6:8])
	if id != recoveryJournalComponentID || major != stateVersionMajor || minor != stateVersionMinor || size != stateRecordSize {
		return PersistedState{}, ErrStateCorrupt
	}

	body := buf[headerRecordSize:]
	return PersistedState{
		JournalStart:       binary.LittleEndian.Uint64(body[0:8]),
		LogicalBlocksUsed:  binary.LittleEndian.Uint64(body[8:16]),
		BlockMapDataBlocks: binary.LittleEndian.Uint64(body[16:24]),
	}, nil
}

// Save computes the PersistedState to write for a clean or read-only
// journal shutdown (§6: "journal_start is tail if the journal was saved
// cleanly, otherwise min(block_map_head, slab_journal_head)").
func (j *RecoveryJournal) Save() PersistedState {
	start := uint64(j.tail)
	if j.adminState.isReadOnly() {
		start = uint64(j.blockMapHead)
		if uint64(j.slabJournalHead) < start {
			start = uint64(j.slabJournalHead)
		}
	}
	return PersistedState{
		JournalStart:       start,
		LogicalBlocksUsed:  j.logicalBlocksUsed,
		BlockMapDataBlocks: j.blockMapDataBlocks,
	}
}

// Load resets a freshly constructed journal's in-memory sequence state
// from a decoded PersistedState and marks it adminLoaded (§9 open
// question (i)): every head and the tail start at JournalStart, and
// available_space is recomputed from the (now-empty) ring.
func (j *RecoveryJournal) Load(s PersistedState) {
	seq := types.SequenceNumber(s.JournalStart)
	j.tail = seq
	j.appendPoint = types.JournalPoint{SequenceNumber: seq}
	j.lastWriteAcknowledged = seq
	if seq > 0 {
		j.lastWriteAcknowledged = seq - 1
	}
	j.commitPoint = types.JournalPoint{}
	j.blockMapHead = seq
	j.slabJournalHead = seq
	j.blockMapReapHead = seq
	j.slabJournalReapHead = seq
	j.logicalBlocksUsed = s.LogicalBlocksUsed
	j.blockMapDataBlocks = s.BlockMapDataBlocks
	j.availableSpace = UsableBlocks(j.config.JournalSize) * EntriesPerBlock
	j.pendingDecrementCount = 0
	j.adminState.code = adminLoaded
}
