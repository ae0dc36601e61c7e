package ws

// assemblyBuffer accumulates fragments of one in-flight message without
// repeated reallocation: each fragment is appended as its own chunk and
// only merged into a single slice once, when the final (fin) fragment
// arrives.
type assemblyBuffer struct {
	chunks [][]byte
	size   int
}

func (a *assemblyBuffer) empty() bool {
	return len(a.chunks) == 0
}

func (a *assemblyBuffer) append(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	a.chunks = append(a.chunks, cp)
	a.size += len(cp)
}

// merged concatenates all accumulated chunks into one slice.
func (a *assemblyBuffer) merged() []byte {
	out := make([]byte, 0, a.size)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out
}

func (a *assemblyBuffer) reset() {
	a.chunks = a.chunks[:0]
	a.size = 0
}
