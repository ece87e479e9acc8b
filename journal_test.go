package waynefs

import (
	"bytes"
	"testing"
)

func TestJournalCommitCheckpoint(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, err := j.Begin()
	if err != nil {
		t.Fatal(err)
	}

	buf, _ := pc.Get(5)
	buf[0] = 0x5A
	pc.MarkDirty(5)
	if err := txn.StageMeta(5, buf); err != nil {
		t.Fatal(err)
	}

	headBefore := j.head
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %s", err)
	}

	// checkpoint reached the home location
	raw := make([]byte, 512)
	_ = dev.ReadBlock(5, raw)
	if raw[0] != 0x5A {
		t.Error("checkpoint did not write the home block")
	}

	// ring advanced past descriptor + 1 meta + commit
	if j.head != j.ringNext(headBefore, 3) {
		t.Errorf("head moved to %d, expected %d", j.head, j.ringNext(headBefore, 3))
	}
	if j.sequence != 2 {
		t.Errorf("sequence is %d, expected 2", j.sequence)
	}
	if dev.synced < 4 {
		t.Errorf("commit issued %d syncs, protocol needs at least 4", dev.synced)
	}
}

func TestJournalOrderedDataFlushedBeforeCommit(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()

	data, _ := pc.Get(10)
	data[0] = 0xDA
	pc.MarkDirty(10)
	if err := txn.AddOrdered(10); err != nil {
		t.Fatal(err)
	}

	meta, _ := pc.Get(4)
	meta[0] = 0x04
	pc.MarkDirty(4)
	if err := txn.StageMeta(4, meta); err != nil {
		t.Fatal(err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 512)
	_ = dev.ReadBlock(10, raw)
	if raw[0] != 0xDA {
		t.Error("ordered data did not reach its home location")
	}
}

func TestJournalAbortDiscardsStagedPages(t *testing.T) {
	_, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()
	buf, _ := pc.Get(6)
	buf[0] = 0x66
	pc.MarkDirty(6)
	_ = txn.StageMeta(6, buf)

	txn.Abort()

	// the next access reloads the clean copy from the device
	buf, _ = pc.Get(6)
	if buf[0] != 0 {
		t.Error("abort kept the staged mutation visible")
	}
	if j.Current() != nil {
		t.Error("aborted transaction still current")
	}
}

// commitNoCheckpoint runs steps 1-4 of the commit protocol and stops,
// reproducing the on-disk state of a crash after the commit record became
// durable but before checkpoint.
func commitNoCheckpoint(t *testing.T, txn *Txn) {
	t.Helper()
	j := txn.j
	blockSize := j.dev.BlockSize()

	if err := j.cache.FlushSet(txn.orderedOrder); err != nil {
		t.Fatal(err)
	}
	if err := j.dev.Sync(); err != nil {
		t.Fatal(err)
	}

	tags := make([]descTag, len(txn.metaOrder))
	for i, bno := range txn.metaOrder {
		tags[i] = descTag{HomeBno: bno}
	}
	desc := make([]byte, blockSize)
	encodeDescriptor(desc, j.sequence, tags)
	if err := j.dev.WriteBlock(j.ringBlock(j.head), desc); err != nil {
		t.Fatal(err)
	}

	metas := make([][]byte, len(txn.metaOrder))
	for i, bno := range txn.metaOrder {
		metas[i] = txn.meta[bno]
		if err := j.dev.WriteBlock(j.ringBlock(j.ringNext(j.head, uint32(i)+1)), metas[i]); err != nil {
			t.Fatal(err)
		}
	}

	commit := make([]byte, blockSize)
	encodeCommit(commit, j.sequence, txnChecksum(desc, metas))
	if err := j.dev.WriteBlock(j.ringBlock(j.ringNext(j.head, uint32(len(metas))+1)), commit); err != nil {
		t.Fatal(err)
	}
	if err := j.dev.Sync(); err != nil {
		t.Fatal(err)
	}
}

// stageNoCommit writes only the descriptor and metadata copies,
// reproducing a crash before the commit record was durable.
func stageNoCommit(t *testing.T, txn *Txn) {
	t.Helper()
	j := txn.j
	blockSize := j.dev.BlockSize()

	tags := make([]descTag, len(txn.metaOrder))
	for i, bno := range txn.metaOrder {
		tags[i] = descTag{HomeBno: bno}
	}
	desc := make([]byte, blockSize)
	encodeDescriptor(desc, j.sequence, tags)
	if err := j.dev.WriteBlock(j.ringBlock(j.head), desc); err != nil {
		t.Fatal(err)
	}
	for i, bno := range txn.metaOrder {
		if err := j.dev.WriteBlock(j.ringBlock(j.ringNext(j.head, uint32(i)+1)), txn.meta[bno]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestJournalRecoveryReplaysCommitted(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()
	buf, _ := pc.Get(7)
	buf[0] = 0x77
	pc.MarkDirty(7)
	_ = txn.StageMeta(7, buf)

	commitNoCheckpoint(t, txn)

	// crash: home block never written
	raw := make([]byte, 512)
	_ = dev.ReadBlock(7, raw)
	if raw[0] != 0 {
		t.Fatal("home block written before checkpoint, test is broken")
	}

	// a fresh journal over the same device, like a remount
	_, _, j2 := reopenJournal(t, dev, 32, 8)
	if n, err := j2.Recover(); err != nil || n != 1 {
		t.Fatalf("Recover: replayed %d, err %v", n, err)
	}

	_ = dev.ReadBlock(7, raw)
	if raw[0] != 0x77 {
		t.Error("recovery did not replay the committed transaction")
	}
	if j2.sequence != 2 {
		t.Errorf("recovery left sequence at %d, expected 2", j2.sequence)
	}

	// a second recovery is a no-op
	_, _, j3 := reopenJournal(t, dev, 32, 8)
	if n, err := j3.Recover(); err != nil || n != 0 {
		t.Fatalf("second Recover: replayed %d, err %v", n, err)
	}
	if j3.sequence != 2 {
		t.Errorf("idle recovery moved sequence to %d", j3.sequence)
	}
}

func reopenJournal(t *testing.T, dev BlockDevice, start, length uint32) (*memDevice, *PageCache, *Journal) {
	t.Helper()
	pc := NewPageCache(dev)
	j := NewJournal(dev, pc, quietLogger(), start, length)
	if err := j.Load(); err != nil {
		t.Fatalf("journal Load failed: %s", err)
	}
	return nil, pc, j
}

func TestJournalRecoveryDiscardsPartial(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()
	buf, _ := pc.Get(9)
	buf[0] = 0x99
	pc.MarkDirty(9)
	_ = txn.StageMeta(9, buf)

	stageNoCommit(t, txn) // crash before the commit record

	_, _, j2 := reopenJournal(t, dev, 32, 8)
	if n, err := j2.Recover(); err != nil || n != 0 {
		t.Fatalf("Recover: replayed %d, err %v", n, err)
	}

	raw := make([]byte, 512)
	_ = dev.ReadBlock(9, raw)
	if raw[0] != 0 {
		t.Error("recovery replayed an uncommitted transaction")
	}
	if j2.sequence != 1 {
		t.Errorf("sequence moved to %d for a discarded transaction", j2.sequence)
	}
}

func TestJournalRecoveryRejectsBadChecksum(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()
	buf, _ := pc.Get(11)
	buf[0] = 0x11
	pc.MarkDirty(11)
	_ = txn.StageMeta(11, buf)

	commitNoCheckpoint(t, txn)

	// corrupt the logged metadata copy after the commit became durable
	metaBlock := j.ringBlock(j.ringNext(j.head, 1))
	raw := make([]byte, 512)
	_ = dev.ReadBlock(metaBlock, raw)
	raw[100] ^= 0xFF
	_ = dev.WriteBlock(metaBlock, raw)

	_, _, j2 := reopenJournal(t, dev, 32, 8)
	if n, err := j2.Recover(); err != nil || n != 0 {
		t.Fatalf("Recover: replayed %d, err %v", n, err)
	}

	_ = dev.ReadBlock(11, raw)
	if raw[0] != 0 {
		t.Error("recovery replayed a transaction with a bad checksum")
	}
}

func TestJournalRingWraps(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	// each commit consumes 3 ring slots of the 7 available; several
	// commits force the ring to wrap
	for i := 0; i < 5; i++ {
		txn, err := j.Begin()
		if err != nil {
			t.Fatal(err)
		}
		buf, _ := pc.Get(uint32(12 + i))
		buf[0] = byte(0xA0 + i)
		pc.MarkDirty(uint32(12 + i))
		if err := txn.StageMeta(uint32(12+i), buf); err != nil {
			t.Fatal(err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("commit %d failed: %s", i, err)
		}
	}

	raw := make([]byte, 512)
	for i := 0; i < 5; i++ {
		_ = dev.ReadBlock(uint32(12+i), raw)
		if raw[0] != byte(0xA0+i) {
			t.Errorf("commit %d lost after ring wrap", i)
		}
	}

	// the wrapped log is idle: recovery is a no-op
	_, _, j2 := reopenJournal(t, dev, 32, 8)
	if n, err := j2.Recover(); err != nil || n != 0 {
		t.Fatalf("Recover on idle wrapped log: replayed %d, err %v", n, err)
	}
	if j2.sequence != 6 {
		t.Errorf("sequence is %d after 5 commits, expected 6", j2.sequence)
	}
}

func TestJournalStageMetaCopies(t *testing.T) {
	_, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()
	buf, _ := pc.Get(20)
	buf[0] = 1
	_ = txn.StageMeta(20, buf)

	// mutating the live buffer after staging must not change the staged copy
	buf[0] = 2
	if txn.meta[20][0] != 1 {
		t.Error("StageMeta did not snapshot the buffer")
	}

	// re-staging replaces the copy
	_ = txn.StageMeta(20, buf)
	if txn.meta[20][0] != 2 {
		t.Error("re-staging did not replace the snapshot")
	}
	if len(txn.metaOrder) != 1 {
		t.Errorf("re-staging duplicated the block in the order list")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	block := make([]byte, 512)
	tags := []descTag{{HomeBno: 3}, {HomeBno: 99}, {HomeBno: 7}}
	encodeDescriptor(block, 42, tags)

	id, got, err := decodeDescriptor(block)
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 || len(got) != 3 || got[1].HomeBno != 99 {
		t.Errorf("descriptor decode mismatch: id=%d tags=%v", id, got)
	}

	commit := make([]byte, 512)
	encodeCommit(commit, 42, 0xDEAD)
	id, sum, ok := decodeCommit(commit)
	if !ok || id != 42 || sum != 0xDEAD {
		t.Errorf("commit decode mismatch: ok=%v id=%d sum=%x", ok, id, sum)
	}
	if _, _, ok := decodeCommit(block); ok {
		t.Error("descriptor decoded as commit record")
	}
}

func TestJournalChecksumOrderMatters(t *testing.T) {
	a := bytes.Repeat([]byte{1}, 64)
	b := bytes.Repeat([]byte{2}, 64)
	desc := make([]byte, 64)
	if txnChecksum(desc, [][]byte{a, b}) == txnChecksum(desc, [][]byte{b, a}) {
		t.Error("checksum ignores payload order")
	}
}

func TestJournalCommitIOErrorAborts(t *testing.T) {
	dev, pc, j := testJournal(t, 64, 512, 32, 8)

	txn, _ := j.Begin()
	buf, _ := pc.Get(15)
	buf[0] = 0x15
	pc.MarkDirty(15)
	_ = txn.StageMeta(15, buf)

	// the descriptor write fails
	dev.failWrite[j.ringBlock(j.head)] = ErrBlockOutOfRange
	if err := txn.Commit(); err == nil {
		t.Fatal("commit succeeded despite descriptor write failure")
	}
	txn.Abort()

	// nothing became durable: recovery finds an empty log and the home
	// block is untouched
	delete(dev.failWrite, j.ringBlock(j.head))
	_, _, j2 := reopenJournal(t, dev, 32, 8)
	if n, err := j2.Recover(); err != nil || n != 0 {
		t.Fatalf("Recover: replayed %d, err %v", n, err)
	}
	raw := make([]byte, 512)
	_ = dev.ReadBlock(15, raw)
	if raw[0] != 0 {
		t.Error("failed commit leaked to the home block")
	}
}
