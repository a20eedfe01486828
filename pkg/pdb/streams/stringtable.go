package streams

import (
	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// StringTableSignature is the magic at the start of a PDB string table.
const StringTableSignature = 0xEFFEEFFE

// StringTable is a PDB string table, as found in the /names stream and the
// DBI EC substream. Strings are addressed by byte offset into the buffer.
type StringTable struct {
	Signature   uint32
	HashVersion uint32
	buf         []byte
	Buckets     []uint32
	NameCount   uint32
}

// ParseStringTable decodes a string table.
func ParseStringTable(data []byte) (*StringTable, error) {
	r := binreader.New("string table", data)
	st := &StringTable{
		Signature:   r.U32(),
		HashVersion: r.U32(),
	}
	size := r.U32()
	if err := r.Err(); err != nil {
		return nil, truncated("string table header", err)
	}
	if st.Signature != StringTableSignature {
		return nil, unsupportedf("invalid string table signature %#x", st.Signature)
	}
	if st.HashVersion != 1 && st.HashVersion != 2 {
		return nil, unsupportedf("unsupported string table hash version %d", st.HashVersion)
	}
	if int64(size) > int64(r.Remaining()) {
		return nil, structuralf("string table buffer of %d bytes exceeds stream (%d remaining)", size, r.Remaining())
	}
	st.buf = r.Bytes(int(size))
	buckets := r.U32()
	if err := r.Err(); err != nil {
		return nil, truncated("string table bucket count", err)
	}
	if int64(buckets)*4 > int64(r.Remaining()) {
		return nil, structuralf("string table declares %d buckets, only %d bytes remain", buckets, r.Remaining())
	}
	st.Buckets = r.U32Array(int(buckets))
	st.NameCount = r.U32()
	if err := r.Err(); err != nil {
		return nil, truncated("string table", err)
	}
	return st, nil
}

// Len returns the size of the string buffer in bytes.
func (st *StringTable) Len() int { return len(st.buf) }

// String returns the NUL-terminated string at offset.
func (st *StringTable) String(offset uint32) (string, error) {
	if int64(offset) >= int64(len(st.buf)) {
		return "", structuralf("string table offset %#x outside buffer of %d bytes", offset, len(st.buf))
	}
	r := binreader.New("string table buffer", st.buf)
	r.Seek(int(offset))
	s := r.CString()
	if err := r.Err(); err != nil {
		return "", truncated("string table entry", err)
	}
	return s, nil
}

// Strings returns every distinct string in the buffer, in buffer order.
// Offset 0 always holds the empty string and is skipped.
func (st *StringTable) Strings() []string {
	var out []string
	r := binreader.New("string table buffer", st.buf)
	for r.Remaining() > 0 {
		start := r.Pos()
		s := r.CString()
		if r.Err() != nil {
			break
		}
		if start == 0 && s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
