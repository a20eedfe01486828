// Package streams provides parsers for the various PDB streams.
package streams

import (
	"encoding/binary"
	"fmt"

	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// PDB Stream versions
const (
	PDBStreamVersionVC2     = 19941610
	PDBStreamVersionVC4     = 19950623
	PDBStreamVersionVC41    = 19950814
	PDBStreamVersionVC50    = 19960307
	PDBStreamVersionVC98    = 19970604
	PDBStreamVersionVC70Dep = 19990604
	PDBStreamVersionVC70    = 20000404
	PDBStreamVersionVC80    = 20030901
	PDBStreamVersionVC110   = 20091201
	PDBStreamVersionVC140   = 20140508
)

// NamesStreamName is the named stream holding the global string table.
const NamesStreamName = "/names"

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32            // Timestamp of PDB creation
	Age          uint32            // Number of times PDB has been written
	GUID         [16]byte          // Unique identifier
	NamedStreams map[string]uint32 // Map of named streams to stream indices
}

// ReadPDBInfo parses the PDB info stream.
func ReadPDBInfo(data []byte) (*PDBInfo, error) {
	r := binreader.New("PDB info stream", data)
	info := &PDBInfo{
		Version:      r.U32(),
		Signature:    r.U32(),
		Age:          r.U32(),
		NamedStreams: make(map[string]uint32),
	}
	copy(info.GUID[:], r.Bytes(16))
	if err := r.Err(); err != nil {
		return nil, truncated("PDB info header", err)
	}

	// Named streams might not be present in older PDBs.
	if r.Remaining() == 0 {
		return info, nil
	}

	// Format: StringTableSize + StringTable + HashTableSize + HashTable
	strBuf := r.Sub("named stream strings", int(r.U32()))
	_ = r.U32() // hash size
	capacity := r.U32()
	present := r.U32Array(int(r.U32()))
	_ = r.U32Array(int(r.U32())) // deleted bit vector
	if err := r.Err(); err != nil {
		return nil, truncated("named stream map", err)
	}

	if limit := uint64(len(present)) * 32; uint64(capacity) > limit {
		capacity = uint32(limit)
	}
	for i := uint32(0); i < capacity; i++ {
		if !isBitSet(present, i) {
			continue
		}
		keyOffset := r.U32()
		streamIndex := r.U32()
		if err := r.Err(); err != nil {
			return nil, truncated("named stream map entry", err)
		}
		strBuf.Seek(int(keyOffset))
		name := strBuf.CString()
		if err := strBuf.Err(); err != nil {
			return nil, truncated(fmt.Sprintf("named stream %d name", streamIndex), err)
		}
		info.NamedStreams[name] = streamIndex
	}

	return info, nil
}

// GUIDString returns the GUID as a formatted string.
func (p *PDBInfo) GUIDString() string {
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(p.GUID[0:4]),
		binary.LittleEndian.Uint16(p.GUID[4:6]),
		binary.LittleEndian.Uint16(p.GUID[6:8]),
		p.GUID[8], p.GUID[9], p.GUID[10], p.GUID[11],
		p.GUID[12], p.GUID[13], p.GUID[14], p.GUID[15])
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	bitIdx := n % 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return (words[wordIdx] & (1 << bitIdx)) != 0
}
