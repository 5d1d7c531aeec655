package lancevec

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/decisiongraph/lancevec/codec"
	"github.com/decisiongraph/lancevec/metric"
)

// metadataBlob is the reopen snapshot: everything needed to rebind an index
// plus a floor for the label counter that survives deletion of the rows
// carrying the highest labels. It is never authoritative over storage; on
// reopen the counter is the larger of the snapshot and the scan.
type metadataBlob struct {
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	NextLabel int64  `json:"next_label"`
	TableName string `json:"table_name"`
}

var metadataMagic = [4]byte{'L', 'V', 'M', 'D'}

const metadataVersion = 1

// encodeMetadata wraps the codec payload with magic, version and an xxhash64
// checksum so a truncated or bit-rotted blob is rejected instead of
// silently under-reporting the next label.
func encodeMetadata(c codec.Codec, m metadataBlob) ([]byte, error) {
	body, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("lancevec: encode metadata: %w", err)
	}
	out := make([]byte, 0, 4+1+8+len(body))
	out = append(out, metadataMagic[:]...)
	out = append(out, metadataVersion)
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(body))
	out = append(out, body...)
	return out, nil
}

func decodeMetadata(c codec.Codec, data []byte) (metadataBlob, error) {
	var m metadataBlob
	if len(data) < 4+1+8 {
		return m, fmt.Errorf("lancevec: decode metadata: blob too short (%d bytes)", len(data))
	}
	if [4]byte(data[:4]) != metadataMagic {
		return m, fmt.Errorf("lancevec: decode metadata: bad magic")
	}
	if data[4] != metadataVersion {
		return m, fmt.Errorf("lancevec: decode metadata: unsupported version %d", data[4])
	}
	sum := binary.LittleEndian.Uint64(data[5:13])
	body := data[13:]
	if xxhash.Sum64(body) != sum {
		return m, fmt.Errorf("lancevec: decode metadata: checksum mismatch")
	}
	if err := c.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("lancevec: decode metadata: %w", err)
	}
	if m.Dimension <= 0 || m.NextLabel < 0 || m.TableName == "" {
		return m, fmt.Errorf("lancevec: decode metadata: implausible contents")
	}
	if _, err := metric.Parse(m.Metric); err != nil {
		return m, fmt.Errorf("lancevec: decode metadata: %w", err)
	}
	return m, nil
}
