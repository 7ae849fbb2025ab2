package chunked

// Chunk is a byte range of the source identified by its 1-based part number.
type Chunk struct {
	PartNumber int
	Offset     int64
	Size       int64
}

// Partition splits size bytes into ceil(size/chunkSize) chunks. Every chunk is
// chunkSize long except possibly the last one.
func Partition(size, chunkSize int64) []Chunk {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	n := (size + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, n)
	for i := int64(0); i < n; i++ {
		off := i * chunkSize
		sz := chunkSize
		if off+sz > size {
			sz = size - off
		}
		chunks = append(chunks, Chunk{PartNumber: int(i) + 1, Offset: off, Size: sz})
	}
	return chunks
}
