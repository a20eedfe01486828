package msf

import (
	"fmt"
	"io"
)

// Stream represents a single stream within an MSF file.
// Streams are composed of potentially non-contiguous blocks.
type Stream struct {
	msf    *MSF
	size   uint32
	blocks []uint32
}

// Size returns the size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.size
}

// Blocks returns the block indices that make up this stream.
func (s *Stream) Blocks() []uint32 {
	return s.blocks
}

// ReadAll reads the entire stream contents into a byte slice.
func (s *Stream) ReadAll() ([]byte, error) {
	data := make([]byte, s.size)
	if _, err := io.ReadFull(NewStreamReader(s), data); err != nil {
		return nil, err
	}
	return data, nil
}

// StreamReader provides sequential read access to a stream's data,
// handling the non-contiguous block layout transparently.
type StreamReader struct {
	stream      *Stream
	offset      int64 // Current position in the stream
	blockOffset int   // Current block index within stream.blocks
	posInBlock  int   // Position within current block
}

// NewStreamReader creates a new reader for the given stream.
func NewStreamReader(s *Stream) *StreamReader {
	return &StreamReader{stream: s}
}

// Read implements io.Reader for streaming data from non-contiguous blocks.
func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.offset >= int64(sr.stream.size) {
		return 0, io.EOF
	}

	totalRead := 0
	blockSize := int(sr.stream.msf.superBlock.BlockSize)

	for len(p) > 0 && sr.offset < int64(sr.stream.size) {
		toRead := len(p)
		if remainingInBlock := blockSize - sr.posInBlock; toRead > remainingInBlock {
			toRead = remainingInBlock
		}
		if remainingInStream := int64(sr.stream.size) - sr.offset; int64(toRead) > remainingInStream {
			toRead = int(remainingInStream)
		}

		if sr.blockOffset >= len(sr.stream.blocks) {
			return totalRead, io.ErrUnexpectedEOF
		}
		blockIndex := sr.stream.blocks[sr.blockOffset]
		fileOffset := int64(blockIndex)*int64(blockSize) + int64(sr.posInBlock)

		n, err := sr.stream.msf.readAt(p[:toRead], fileOffset)
		totalRead += n
		sr.offset += int64(n)
		sr.posInBlock += n
		p = p[n:]

		if n < toRead {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return totalRead, err
		}

		if sr.posInBlock >= blockSize {
			sr.blockOffset++
			sr.posInBlock = 0
		}
	}

	return totalRead, nil
}

// Seek implements io.Seeker. Offsets are clamped to the stream bounds.
func (sr *StreamReader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = sr.offset + offset
	case io.SeekEnd:
		newOffset = int64(sr.stream.size) + offset
	default:
		return sr.offset, fmt.Errorf("seek: invalid whence %d", whence)
	}

	if newOffset < 0 {
		newOffset = 0
	}
	if newOffset > int64(sr.stream.size) {
		newOffset = int64(sr.stream.size)
	}

	sr.offset = newOffset
	blockSize := int64(sr.stream.msf.superBlock.BlockSize)
	sr.blockOffset = int(newOffset / blockSize)
	sr.posInBlock = int(newOffset % blockSize)

	return sr.offset, nil
}

// StreamDirectory represents the directory of all streams in the MSF file.
type StreamDirectory struct {
	NumStreams   uint32
	StreamSizes  []uint32
	StreamBlocks [][]uint32
}
