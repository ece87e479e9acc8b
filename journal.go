package waynefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Journal block markers. Each record type occupies the first bytes of its
// block; the rest is payload or zero padding.
const (
	logMagicSuper  uint32 = 0xC0FFEE07
	logMagicDesc   uint32 = 0xC0FFEE0D
	logMagicCommit uint32 = 0xC0FFEE0C

	logVersion uint32 = 1

	// logSuperSize is the encoded size of the log superblock record
	logSuperSize = 4 + 4 + 8 + 4 + 16

	// descHeaderSize is magic + txn id + tag count
	descHeaderSize = 4 + 8 + 4

	// descTagSize is one (home_bno, flags) pair
	descTagSize = 8

	// commitSize is magic + txn id + checksum
	commitSize = 4 + 8 + 8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// logSuperblock is the first block of the journal region: the ring head
// and the next transaction sequence number. It is rewritten after every
// checkpoint and after recovery.
type logSuperblock struct {
	Magic    uint32
	Version  uint32
	Sequence uint64
	Head     uint32
	UUID     [16]byte
}

func (ls *logSuperblock) UnmarshalBinary(data []byte) error {
	if len(data) < logSuperSize {
		return fmt.Errorf("%w: log superblock truncated", ErrJournalCorrupt)
	}
	r := bytes.NewReader(data[:logSuperSize])
	if err := binary.Read(r, binary.LittleEndian, ls); err != nil {
		return err
	}
	if ls.Magic != logMagicSuper {
		return fmt.Errorf("%w: bad log superblock magic 0x%x", ErrJournalCorrupt, ls.Magic)
	}
	if ls.Version != logVersion {
		return fmt.Errorf("%w: unsupported log version %d", ErrJournalCorrupt, ls.Version)
	}
	return nil
}

func (ls *logSuperblock) encodeInto(block []byte) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, ls)
	copy(block, buf.Bytes())
	for i := buf.Len(); i < len(block); i++ {
		block[i] = 0
	}
}

// descTag names the home block of one logged metadata payload. Flags are
// reserved and written as zero.
type descTag struct {
	HomeBno uint32
	Flags   uint32
}

func encodeDescriptor(block []byte, txnID uint64, tags []descTag) {
	binary.LittleEndian.PutUint32(block[0:4], logMagicDesc)
	binary.LittleEndian.PutUint64(block[4:12], txnID)
	binary.LittleEndian.PutUint32(block[12:16], uint32(len(tags)))
	off := descHeaderSize
	for _, tag := range tags {
		binary.LittleEndian.PutUint32(block[off:off+4], tag.HomeBno)
		binary.LittleEndian.PutUint32(block[off+4:off+8], tag.Flags)
		off += descTagSize
	}
	for i := off; i < len(block); i++ {
		block[i] = 0
	}
}

func decodeDescriptor(block []byte) (txnID uint64, tags []descTag, err error) {
	if binary.LittleEndian.Uint32(block[0:4]) != logMagicDesc {
		return 0, nil, fmt.Errorf("%w: not a descriptor block", ErrJournalCorrupt)
	}
	txnID = binary.LittleEndian.Uint64(block[4:12])
	count := binary.LittleEndian.Uint32(block[12:16])
	if int(count) > (len(block)-descHeaderSize)/descTagSize {
		return 0, nil, fmt.Errorf("%w: descriptor claims %d tags", ErrJournalCorrupt, count)
	}
	tags = make([]descTag, count)
	off := descHeaderSize
	for i := range tags {
		tags[i].HomeBno = binary.LittleEndian.Uint32(block[off : off+4])
		tags[i].Flags = binary.LittleEndian.Uint32(block[off+4 : off+8])
		off += descTagSize
	}
	return txnID, tags, nil
}

func encodeCommit(block []byte, txnID uint64, checksum uint64) {
	binary.LittleEndian.PutUint32(block[0:4], logMagicCommit)
	binary.LittleEndian.PutUint64(block[4:12], txnID)
	binary.LittleEndian.PutUint64(block[12:20], checksum)
	for i := commitSize; i < len(block); i++ {
		block[i] = 0
	}
}

func decodeCommit(block []byte) (txnID uint64, checksum uint64, ok bool) {
	if binary.LittleEndian.Uint32(block[0:4]) != logMagicCommit {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(block[4:12]), binary.LittleEndian.Uint64(block[12:20]), true
}

// txnChecksum covers the descriptor block and every metadata payload of
// the transaction, in log order.
func txnChecksum(desc []byte, metas [][]byte) uint64 {
	crc := crc32.Update(0, crcTable, desc)
	for _, m := range metas {
		crc = crc32.Update(crc, crcTable, m)
	}
	return uint64(crc)
}

type txnState int

const (
	txnOpen txnState = iota
	txnCommitting
	txnDone
	txnAborted
)

// Txn accumulates one operation's metadata writes and ordered data blocks.
// Open is the only state that accepts staging.
type Txn struct {
	j     *Journal
	state txnState

	meta      map[uint32][]byte
	metaOrder []uint32

	ordered      map[uint32]struct{}
	orderedOrder []uint32
}

// Journal is the write-ahead log over the journal region, operated in
// ordered mode: data blocks reach their home locations before the commit
// record that references them becomes durable, and only metadata flows
// through the log itself.
//
// The ring layout is block 0 = log superblock, blocks 1..J-1 = records.
// Because every commit checkpoints before returning, the ring is empty
// between transactions and head is simply the next write position.
type Journal struct {
	dev   BlockDevice
	cache *PageCache
	log   *logrus.Logger

	start  uint32 // first block of the journal region
	blocks uint32 // region length J, including the log superblock

	sequence uint64 // id of the next transaction
	head     uint32 // ring index in [1, J) of the next record
	uuid     [16]byte

	txn *Txn
}

func NewJournal(dev BlockDevice, cache *PageCache, log *logrus.Logger, start, blocks uint32) *Journal {
	return &Journal{
		dev:    dev,
		cache:  cache,
		log:    log,
		start:  start,
		blocks: blocks,
	}
}

// ringBlock maps a ring index in [1, J) to a device block number, wrapping
// past the end of the region but never onto the log superblock.
func (j *Journal) ringBlock(idx uint32) uint32 {
	return j.start + 1 + (idx-1)%(j.blocks-1)
}

func (j *Journal) ringNext(idx uint32, n uint32) uint32 {
	return 1 + (idx-1+n)%(j.blocks-1)
}

// maxTags is the descriptor capacity, which bounds a transaction's
// metadata set.
func (j *Journal) maxTags() int {
	return (j.dev.BlockSize() - descHeaderSize) / descTagSize
}

// Load reads the log superblock. Mount calls this before recovery.
func (j *Journal) Load() error {
	buf := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlock(j.start, buf); err != nil {
		return err
	}
	var ls logSuperblock
	if err := ls.UnmarshalBinary(buf); err != nil {
		return err
	}
	if ls.Head == 0 || ls.Head >= j.blocks {
		return fmt.Errorf("%w: head %d outside ring of %d blocks", ErrJournalCorrupt, ls.Head, j.blocks)
	}
	j.sequence = ls.Sequence
	j.head = ls.Head
	j.uuid = ls.UUID
	return nil
}

func (j *Journal) writeLogSuper() error {
	buf := make([]byte, j.dev.BlockSize())
	ls := logSuperblock{
		Magic:    logMagicSuper,
		Version:  logVersion,
		Sequence: j.sequence,
		Head:     j.head,
		UUID:     j.uuid,
	}
	ls.encodeInto(buf)
	return j.dev.WriteBlock(j.start, buf)
}

// InitLog formats an empty journal: fresh UUID, sequence 1, head 1. The
// formatter calls this on a new image.
func InitLog(dev BlockDevice, start uint32) error {
	id := uuid.New()
	j := &Journal{dev: dev, start: start, blocks: 2, sequence: 1, head: 1}
	copy(j.uuid[:], id[:])
	return j.writeLogSuper()
}

// Begin opens a transaction. Exactly one transaction exists per mutating
// operation; nesting is a caller bug.
func (j *Journal) Begin() (*Txn, error) {
	if j.txn != nil && j.txn.state == txnOpen {
		return nil, fmt.Errorf("%w: transaction already open", ErrInvalid)
	}
	t := &Txn{
		j:       j,
		state:   txnOpen,
		meta:    make(map[uint32][]byte),
		ordered: make(map[uint32]struct{}),
	}
	j.txn = t
	return t, nil
}

// Current returns the open transaction, or nil.
func (j *Journal) Current() *Txn {
	if j.txn != nil && j.txn.state == txnOpen {
		return j.txn
	}
	return nil
}

// StageMeta records the final contents of a metadata block. The buffer is
// copied at stage time; staging the same block again replaces the copy.
func (t *Txn) StageMeta(bno uint32, buf []byte) error {
	if t.state != txnOpen {
		return fmt.Errorf("%w: stage on closed transaction", ErrInvalid)
	}
	if _, ok := t.meta[bno]; !ok {
		if len(t.metaOrder) >= t.j.maxTags() {
			return ErrTxnTooLarge
		}
		t.metaOrder = append(t.metaOrder, bno)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.meta[bno] = cp
	return nil
}

// AddOrdered records a data block whose dirty page must reach its home
// location before this transaction commits.
func (t *Txn) AddOrdered(bno uint32) error {
	if t.state != txnOpen {
		return fmt.Errorf("%w: stage on closed transaction", ErrInvalid)
	}
	if _, ok := t.ordered[bno]; !ok {
		t.ordered[bno] = struct{}{}
		t.orderedOrder = append(t.orderedOrder, bno)
	}
	return nil
}

// Commit runs the ordered-mode commit protocol:
//
//  1. flush ordered data in place, sync
//  2. descriptor record into the log, sync
//  3. metadata copies into the log, sync
//  4. commit record with checksum, sync; the transaction is now durable
//  5. checkpoint metadata to home locations, sync, advance the ring head
//
// An error before step 4 completes leaves nothing durable; the caller
// aborts. An error during step 5 leaves the transaction recoverable from
// the log.
func (t *Txn) Commit() error {
	if t.state != txnOpen {
		return fmt.Errorf("%w: commit on closed transaction", ErrInvalid)
	}
	t.state = txnCommitting
	j := t.j
	defer func() { j.txn = nil }()

	if len(t.metaOrder) == 0 {
		// nothing mutated; sync any ordered data and finish
		if err := j.cache.FlushSet(t.orderedOrder); err != nil {
			t.state = txnAborted
			return err
		}
		if err := j.dev.Sync(); err != nil {
			t.state = txnAborted
			return err
		}
		t.state = txnDone
		return nil
	}

	// records: descriptor, len(meta) copies, commit
	if uint32(len(t.metaOrder))+2 > j.blocks-1 {
		t.state = txnAborted
		return ErrTxnTooLarge
	}

	txnID := j.sequence
	blockSize := j.dev.BlockSize()

	// 1. ordered data flush
	if err := j.cache.FlushSet(t.orderedOrder); err != nil {
		t.state = txnAborted
		return err
	}
	if err := j.dev.Sync(); err != nil {
		t.state = txnAborted
		return err
	}

	// 2. descriptor
	tags := make([]descTag, len(t.metaOrder))
	for i, bno := range t.metaOrder {
		tags[i] = descTag{HomeBno: bno}
	}
	desc := make([]byte, blockSize)
	encodeDescriptor(desc, txnID, tags)
	if err := j.dev.WriteBlock(j.ringBlock(j.head), desc); err != nil {
		t.state = txnAborted
		return err
	}
	if err := j.dev.Sync(); err != nil {
		t.state = txnAborted
		return err
	}

	// 3. metadata copies
	metas := make([][]byte, len(t.metaOrder))
	for i, bno := range t.metaOrder {
		metas[i] = t.meta[bno]
		idx := j.ringNext(j.head, uint32(i)+1)
		if err := j.dev.WriteBlock(j.ringBlock(idx), metas[i]); err != nil {
			t.state = txnAborted
			return err
		}
	}
	if err := j.dev.Sync(); err != nil {
		t.state = txnAborted
		return err
	}

	// 4. commit record
	commit := make([]byte, blockSize)
	encodeCommit(commit, txnID, txnChecksum(desc, metas))
	commitIdx := j.ringNext(j.head, uint32(len(metas))+1)
	if err := j.dev.WriteBlock(j.ringBlock(commitIdx), commit); err != nil {
		t.state = txnAborted
		return err
	}
	if err := j.dev.Sync(); err != nil {
		t.state = txnAborted
		return err
	}

	// 5. checkpoint: staged copies to home locations through the cache
	for _, bno := range t.metaOrder {
		buf, err := j.cache.Get(bno)
		if err != nil {
			t.state = txnDone
			return err
		}
		copy(buf, t.meta[bno])
		j.cache.MarkDirty(bno)
		if err := j.cache.Flush(bno); err != nil {
			t.state = txnDone
			return err
		}
	}
	if err := j.dev.Sync(); err != nil {
		t.state = txnDone
		return err
	}

	// reclaim the log space
	j.head = j.ringNext(j.head, uint32(len(metas))+2)
	j.sequence = txnID + 1
	if err := j.writeLogSuper(); err != nil {
		// stale head only means recovery replays an already
		// checkpointed transaction, which is idempotent
		j.log.WithError(err).Warn("journal: head update failed")
	}

	t.state = txnDone
	j.log.WithFields(logrus.Fields{
		"txn":  txnID,
		"meta": len(metas),
		"data": len(t.orderedOrder),
	}).Debug("journal: committed")
	return nil
}

// Abort rolls the transaction back: staged metadata and ordered data pages
// are dropped from the cache so clean copies reload from disk. Nothing of
// the transaction was durable.
func (t *Txn) Abort() {
	if t.state == txnDone {
		return
	}
	t.state = txnAborted
	for _, bno := range t.metaOrder {
		t.j.cache.Discard(bno)
	}
	for _, bno := range t.orderedOrder {
		t.j.cache.Discard(bno)
	}
	if t.j.txn == t {
		t.j.txn = nil
	}
}

// Recover scans the log from the head and replays every transaction whose
// commit record validates, stopping at the first gap. Runs at mount,
// before anything else reads metadata. Returns how many transactions were
// replayed.
func (j *Journal) Recover() (int, error) {
	blockSize := j.dev.BlockSize()
	pos := j.head
	seq := j.sequence
	replayed := 0

	buf := make([]byte, blockSize)
	for {
		if err := j.dev.ReadBlock(j.ringBlock(pos), buf); err != nil {
			return replayed, err
		}
		txnID, tags, err := decodeDescriptor(buf)
		if err != nil || txnID != seq {
			break // end of log
		}
		if uint32(len(tags))+2 > j.blocks-1 {
			break
		}

		desc := make([]byte, blockSize)
		copy(desc, buf)

		metas := make([][]byte, len(tags))
		for i := range tags {
			metas[i] = make([]byte, blockSize)
			idx := j.ringNext(pos, uint32(i)+1)
			if err := j.dev.ReadBlock(j.ringBlock(idx), metas[i]); err != nil {
				return replayed, err
			}
		}

		commitIdx := j.ringNext(pos, uint32(len(tags))+1)
		if err := j.dev.ReadBlock(j.ringBlock(commitIdx), buf); err != nil {
			return replayed, err
		}
		commitID, sum, ok := decodeCommit(buf)
		if !ok || commitID != txnID || sum != txnChecksum(desc, metas) {
			// partial transaction: not durable, discard it and stop
			break
		}

		// replay to home locations
		for i, tag := range tags {
			if uint64(tag.HomeBno) >= uint64(j.dev.Blocks()) {
				return replayed, fmt.Errorf("%w: replay target %d out of range", ErrJournalCorrupt, tag.HomeBno)
			}
			if err := j.dev.WriteBlock(tag.HomeBno, metas[i]); err != nil {
				return replayed, err
			}
		}

		pos = j.ringNext(pos, uint32(len(tags))+2)
		seq = txnID + 1
		replayed++
	}

	if replayed > 0 {
		if err := j.dev.Sync(); err != nil {
			return replayed, err
		}
		j.head = pos
		j.sequence = seq
		if err := j.writeLogSuper(); err != nil {
			return replayed, err
		}
		if err := j.dev.Sync(); err != nil {
			return replayed, err
		}
		j.log.WithField("transactions", replayed).Info("journal: recovery replayed committed transactions")
	}
	return replayed, nil
}
