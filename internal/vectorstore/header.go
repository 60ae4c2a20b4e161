package vectorstore

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed 64-byte mmap file header: magic (4) + version (4)
// + count (8) + dim (8) + chunkSize (8), padded with reserved bytes.
const HeaderSize = 64

const magicPVDB = "PVDB"
const formatVersion = 1

type header struct {
	version   uint32
	count     uint64
	dim       uint64
	chunkSize uint64
}

func (h *header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magicPVDB)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint64(buf[8:16], h.count)
	binary.LittleEndian.PutUint64(buf[16:24], h.dim)
	binary.LittleEndian.PutUint64(buf[24:32], h.chunkSize)
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("vectorstore: header truncated, got %d bytes", len(buf))
	}
	if string(buf[0:4]) != magicPVDB {
		return nil, fmt.Errorf("vectorstore: bad magic %q, expected %q", buf[0:4], magicPVDB)
	}
	h := &header{
		version:   binary.LittleEndian.Uint32(buf[4:8]),
		count:     binary.LittleEndian.Uint64(buf[8:16]),
		dim:       binary.LittleEndian.Uint64(buf[16:24]),
		chunkSize: binary.LittleEndian.Uint64(buf[24:32]),
	}
	if h.version != formatVersion {
		return nil, fmt.Errorf("vectorstore: unsupported format version %d", h.version)
	}
	return h, nil
}

// vectorOffset returns the byte offset of node-id nodeID's vector, given dim.
func vectorOffset(nodeID uint32, dim uint64) int64 {
	return int64(HeaderSize) + int64(nodeID)*int64(dim)*4
}
