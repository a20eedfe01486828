package msf

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jtang613/pdbdbi/pkg/logflags"
	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// nilStreamSize marks an unused or deleted stream in the directory.
const nilStreamSize = 0xFFFFFFFF

// MSF represents an opened MSF (Multi-Stream Format) file. It implements
// the stream provider used by the DBI stream reader.
type MSF struct {
	r          io.ReaderAt
	closer     io.Closer
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
	log        *logrus.Entry
}

// Open opens an MSF file and parses its structure.
func Open(path string) (*MSF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	m, err := newMSF(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// New parses an MSF image read through r. Close on the result is a no-op.
func New(r io.ReaderAt) (*MSF, error) {
	return newMSF(r, nil)
}

func newMSF(r io.ReaderAt, closer io.Closer) (*MSF, error) {
	m := &MSF{r: r, closer: closer, log: logflags.MSFLogger()}

	sb, err := ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, err
	}
	m.superBlock = sb

	if err := m.readStreamDirectory(); err != nil {
		return nil, fmt.Errorf("failed to read stream directory: %w", err)
	}
	m.buildStreams()

	m.log.Debugf("block size %d, %d blocks, %d streams", sb.BlockSize, sb.NumBlocks, len(m.streams))
	return m, nil
}

// Close closes the MSF file.
func (m *MSF) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// NumStreams returns the number of streams in the file.
func (m *MSF) NumStreams() int {
	return len(m.streams)
}

// Stream returns the stream at the given index.
func (m *MSF) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// StreamData reads the whole stream at the given index.
func (m *MSF) StreamData(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	data, err := s.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %d: %w", index, err)
	}
	return data, nil
}

// BlockSize returns the block size used by this MSF file.
func (m *MSF) BlockSize() uint32 {
	return m.superBlock.BlockSize
}

// readAt reads data from the file at the given offset.
func (m *MSF) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

func (m *MSF) readBlocks(blocks []uint32, size uint32) ([]byte, error) {
	blockSize := m.superBlock.BlockSize
	data := make([]byte, size)
	for i, blockIdx := range blocks {
		start := uint32(i) * blockSize
		end := start + blockSize
		if end > size {
			end = size
		}
		n, err := m.readAt(data[start:end], int64(blockIdx)*int64(blockSize))
		if err != nil && !(err == io.EOF && n == int(end-start)) {
			return nil, fmt.Errorf("failed to read block %d: %w", blockIdx, err)
		}
	}
	return data, nil
}

// readStreamDirectory reads and parses the stream directory.
func (m *MSF) readStreamDirectory() error {
	sb := m.superBlock

	mapData, err := m.readBlocks([]uint32{sb.BlockMapAddr}, sb.NumDirectoryBlocks()*4)
	if err != nil {
		return fmt.Errorf("failed to read block map: %w", err)
	}
	br := binreader.New("block map", mapData)
	dirBlocks := br.U32Array(int(sb.NumDirectoryBlocks()))
	if err := m.checkBlocks(dirBlocks); err != nil {
		return err
	}

	dirData, err := m.readBlocks(dirBlocks, sb.NumDirectoryBytes)
	if err != nil {
		return err
	}
	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory parses the stream directory from raw bytes.
func (m *MSF) parseStreamDirectory(data []byte) error {
	r := binreader.New("stream directory", data)
	numStreams := r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if int64(numStreams)*4 > int64(r.Remaining()) {
		return fmt.Errorf("stream directory declares %d streams in %d bytes", numStreams, len(data))
	}
	streamSizes := r.U32Array(int(numStreams))

	blockSize := m.superBlock.BlockSize
	streamBlocks := make([][]uint32, numStreams)
	for i, size := range streamSizes {
		if size == nilStreamSize {
			continue
		}
		if int64(size) > m.superBlock.FileSize() {
			return fmt.Errorf("stream %d size %d exceeds file size %d", i, size, m.superBlock.FileSize())
		}
		numBlocks := (uint64(size) + uint64(blockSize) - 1) / uint64(blockSize)
		streamBlocks[i] = r.U32Array(int(numBlocks))
		if err := r.Err(); err != nil {
			return fmt.Errorf("failed to read block list for stream %d: %w", i, err)
		}
		if err := m.checkBlocks(streamBlocks[i]); err != nil {
			return fmt.Errorf("stream %d: %w", i, err)
		}
	}

	m.directory = &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  streamSizes,
		StreamBlocks: streamBlocks,
	}
	return nil
}

func (m *MSF) checkBlocks(blocks []uint32) error {
	for _, b := range blocks {
		if b >= m.superBlock.NumBlocks {
			return fmt.Errorf("block index %d beyond last block %d", b, m.superBlock.NumBlocks)
		}
	}
	return nil
}

// buildStreams creates Stream objects for all streams in the directory.
func (m *MSF) buildStreams() {
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i, size := range m.directory.StreamSizes {
		if size == nilStreamSize {
			size = 0
		}
		m.streams[i] = &Stream{
			msf:    m,
			size:   size,
			blocks: m.directory.StreamBlocks[i],
		}
	}
}
