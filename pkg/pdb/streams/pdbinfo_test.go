package streams

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbdbi/internal/pdbtest"
)

var testGUID = [16]byte{
	0x78, 0x56, 0x34, 0x12, 0xbc, 0x9a, 0xf0, 0xde,
	0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
}

func TestReadPDBInfo(t *testing.T) {
	data := pdbtest.PDBInfo(PDBStreamVersionVC70, 0x5f000000, 3, testGUID, map[string]uint32{
		NamesStreamName:         6,
		"/LinkInfo":             5,
		"/src/headerblock":      9,
		"/TMCache":              7,
		"sourcelink$1":          10,
		"/UDTSRCLINEUNDONE":     11,
		"/a/b/c/d/e/f/g/h/i/j/": 12,
	})
	info, err := ReadPDBInfo(data)
	require.NoError(t, err)

	assert.Equal(t, uint32(PDBStreamVersionVC70), info.Version)
	assert.Equal(t, uint32(0x5f000000), info.Signature)
	assert.Equal(t, uint32(3), info.Age)
	assert.Equal(t, "123456789ABCDEF00123456789ABCDEF", info.GUIDString())
	assert.Len(t, info.NamedStreams, 7)
	assert.Equal(t, uint32(6), info.NamedStreams[NamesStreamName])
	assert.Equal(t, uint32(12), info.NamedStreams["/a/b/c/d/e/f/g/h/i/j/"])
}

func TestReadPDBInfoNoNamedStreams(t *testing.T) {
	data := pdbtest.PDBInfo(PDBStreamVersionVC70, 1, 1, testGUID, nil)
	info, err := ReadPDBInfo(data[:28])
	require.NoError(t, err)
	assert.Empty(t, info.NamedStreams)

	info, err = ReadPDBInfo(data)
	require.NoError(t, err)
	assert.Empty(t, info.NamedStreams)
}

func TestReadPDBInfoTruncated(t *testing.T) {
	data := pdbtest.PDBInfo(PDBStreamVersionVC70, 1, 1, testGUID, map[string]uint32{NamesStreamName: 4})
	_, err := ReadPDBInfo(data[:20])
	assert.ErrorIs(t, err, ErrStructural)

	_, err = ReadPDBInfo(data[:len(data)-8])
	assert.ErrorIs(t, err, ErrStructural)
}

func TestReadPDBInfoCapacityBeyondBitVector(t *testing.T) {
	data := pdbtest.PDBInfo(PDBStreamVersionVC70, 1, 1, testGUID, map[string]uint32{NamesStreamName: 4})
	// Header, string buffer size, strings, hash size, then capacity.
	capOff := 28 + 4 + len(NamesStreamName) + 1 + 4
	binary.LittleEndian.PutUint32(data[capOff:], 0xFFFFFFFF)

	info, err := ReadPDBInfo(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{NamesStreamName: 4}, info.NamedStreams)
}
