package xmlformat

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/dump"
)

// Read parses the portable textual form from r and replays it into sink
// as the same ordered event stream Writer would have produced it from
// (spec §4.9/§4.10: restore's event source).
func Read(r io.Reader, sink dump.Sink) error {
	var doc xmlSuperblock
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("parsing metadata xml: %w", err)
	}

	var uuid [16]byte
	if raw, err := hex.DecodeString(doc.UUID); err == nil {
		copy(uuid[:], raw)
	}
	if err := sink.SuperblockBegin(uuid, doc.Time, doc.Transaction, doc.Flags, doc.Version, doc.DataBlockSize, doc.NrDataBlocks); err != nil {
		return err
	}

	for _, dev := range doc.Devices {
		if err := sink.DeviceBegin(dev.DevID, dev.MappedBlocks, dev.Transaction, dev.CreationTime, dev.SnapTime); err != nil {
			return err
		}
		for _, m := range dev.SingleMaps {
			if err := sink.SingleMap(m.OriginBlock, m.DataBlock, m.Time); err != nil {
				return err
			}
		}
		for _, rm := range dev.RangeMaps {
			if err := sink.RangeMap(rm.OriginBegin, rm.DataBegin, rm.Time, rm.Length); err != nil {
				return err
			}
		}
		if err := sink.DeviceEnd(); err != nil {
			return err
		}
	}

	return sink.SuperblockEnd()
}
