package xmlformat

import (
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/dump"
)

// StreamWriter is the low-memory alternate to Writer: rather than
// buffering the whole document (Writer's xmlSuperblock tree), it
// encodes one JSON object per event as the walk produces it, using
// git.lukeshu.com/go/lowmemjson the way lib/jsonutil and
// lib/btrfs/btrfssum do for their own large, streamed structures. This
// is the sink to reach for when a dump is too large to hold in memory
// twice (once as the tree walk's working set, once again as a buffered
// xmlSuperblock) — at the cost of the output being JSON-lines rather
// than the portable XML form restore reads back.
type StreamWriter struct {
	enc *lowmemjson.Encoder
	w   io.Writer
}

var _ dump.Sink = (*StreamWriter)(nil)

func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{enc: lowmemjson.NewEncoder(w), w: w}
}

type event struct {
	Type string `json:"type"`

	UUID          string `json:"uuid,omitempty"`
	Time          uint32 `json:"time,omitempty"`
	Transaction   uint64 `json:"transaction,omitempty"`
	Flags         uint32 `json:"flags,omitempty"`
	Version       uint32 `json:"version,omitempty"`
	DataBlockSize uint32 `json:"data_block_size,omitempty"`
	NrDataBlocks  uint64 `json:"nr_data_blocks,omitempty"`

	DevID        uint64 `json:"dev_id,omitempty"`
	MappedBlocks uint64 `json:"mapped_blocks,omitempty"`
	CreationTime uint32 `json:"creation_time,omitempty"`
	SnapTime     uint32 `json:"snap_time,omitempty"`

	Origin      uint64 `json:"origin,omitempty"`
	OriginBegin uint64 `json:"origin_begin,omitempty"`
	Data        uint64 `json:"data,omitempty"`
	DataBegin   uint64 `json:"data_begin,omitempty"`
	Length      uint64 `json:"length,omitempty"`
}

func (s *StreamWriter) emit(e event) error {
	if err := s.enc.Encode(e); err != nil {
		return err
	}
	_, err := io.WriteString(s.w, "\n")
	return err
}

func (s *StreamWriter) SuperblockBegin(uuid [16]byte, t uint32, txn uint64, flags, version, dataBlockSize uint32, nrDataBlocks uint64) error {
	return s.emit(event{
		Type: "superblock_begin", UUID: fmt.Sprintf("%x", uuid), Time: t, Transaction: txn,
		Flags: flags, Version: version, DataBlockSize: dataBlockSize, NrDataBlocks: nrDataBlocks,
	})
}

func (s *StreamWriter) DeviceBegin(devID, mappedBlocks, transaction uint64, creationTime, snapTime uint32) error {
	return s.emit(event{Type: "device_begin", DevID: devID, MappedBlocks: mappedBlocks, Transaction: transaction, CreationTime: creationTime, SnapTime: snapTime})
}

func (s *StreamWriter) SingleMap(origin, data uint64, t uint32) error {
	return s.emit(event{Type: "single_map", Origin: origin, Data: data, Time: t})
}

func (s *StreamWriter) RangeMap(originBegin, dataBegin uint64, t uint32, length uint64) error {
	return s.emit(event{Type: "range_map", OriginBegin: originBegin, DataBegin: dataBegin, Time: t, Length: length})
}

func (s *StreamWriter) DeviceEnd() error { return s.emit(event{Type: "device_end"}) }

func (s *StreamWriter) SuperblockEnd() error { return s.emit(event{Type: "superblock_end"}) }
