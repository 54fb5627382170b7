package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// TotalChunks is the number of chunkSize pieces needed for size bytes.
func TotalChunks(size int64, chunkSize int) uint32 {
	if chunkSize <= 0 || size <= 0 {
		return 0
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChunkLen is the length of chunk seq. Only the last chunk may be short.
func ChunkLen(size int64, chunkSize int, seq uint32) int {
	offset := int64(seq) * int64(chunkSize)
	if offset >= size {
		return 0
	}
	if remaining := size - offset; remaining < int64(chunkSize) {
		return int(remaining)
	}
	return chunkSize
}

// Split cuts data into chunkSize pieces. The pieces alias data.
func Split(data []byte, chunkSize int) [][]byte {
	total := TotalChunks(int64(len(data)), chunkSize)
	chunks := make([][]byte, 0, total)
	for seq := uint32(0); seq < total; seq++ {
		start := int(seq) * chunkSize
		end := start + ChunkLen(int64(len(data)), chunkSize, seq)
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Assemble concatenates chunks 0..total-1 in order. Every index must be
// present.
func Assemble(chunks map[uint32][]byte, total uint32) ([]byte, error) {
	var size int
	for seq := uint32(0); seq < total; seq++ {
		chunk, ok := chunks[seq]
		if !ok {
			return nil, fmt.Errorf("missing chunk %d of %d", seq, total)
		}
		size += len(chunk)
	}

	out := make([]byte, 0, size)
	for seq := uint32(0); seq < total; seq++ {
		out = append(out, chunks[seq]...)
	}
	return out, nil
}

func ReadChunkData(r io.ReaderAt, seq uint32, size int64, chunkSize int) ([]byte, error) {
	data := make([]byte, ChunkLen(size, chunkSize, seq))
	offset := int64(seq) * int64(chunkSize)
	n, err := r.ReadAt(data, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return nil, err
	}
	return data, nil
}

func WriteChunkData(w io.WriterAt, seq uint32, chunkSize int, data []byte) error {
	offset := int64(seq) * int64(chunkSize)
	_, err := w.WriteAt(data, offset)
	return err
}

// HashFile returns the BLAKE3-256 digest of r.
func HashFile(r io.Reader) ([]byte, error) {
	hash := blake3.New()
	if _, err := io.Copy(hash, r); err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

// SanitizeFilename reduces a peer-supplied name to a single safe path
// element.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "file"
	}
	return name
}

// UniquePath returns dir/name, or dir/name (n).ext when that exists.
func UniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
