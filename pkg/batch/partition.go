package batch

// Partition splits items into consecutive chunks of at most size elements.
// It returns ceil(len(items)/size) chunks that share the backing array of
// items and, concatenated, reproduce it in order. A non-positive size panics.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		panic("batch: chunk size must be positive")
	}
	if len(items) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
