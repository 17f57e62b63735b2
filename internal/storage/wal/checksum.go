package wal

import (
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// record is one line of a WAL file. The checksum covers the encoded event
// bytes exactly as written.
type record struct {
	Seq      uint64          `json:"seq"`
	Checksum uint32          `json:"crc"`
	Event    json.RawMessage `json:"event"`
}

// CalculateChecksum returns the CRC32 (IEEE) of an encoded event.
func CalculateChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func encodeRecord(ev types.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(record{Seq: ev.Seq, Checksum: CalculateChecksum(body), Event: body})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// decodeRecord parses and verifies one line.
func decodeRecord(path string, line []byte) (types.Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return types.Event{}, err
	}
	if sum := CalculateChecksum(rec.Event); sum != rec.Checksum {
		return types.Event{}, &ChecksumError{Path: path, Seq: rec.Seq, Expected: rec.Checksum, Actual: sum}
	}
	var ev types.Event
	if err := json.Unmarshal(rec.Event, &ev); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}
