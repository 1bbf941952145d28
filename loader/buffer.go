package loader

// Batch is a detached buffer snapshot. Once a Batch has been taken from a
// loader nothing in the loader refers to its rows again.
type Batch struct {
	// Data holds one rendered row per entry, in insertion order.
	Data [][]byte
	// Length is the total number of bytes in Data.
	Length int
	// Origin is the spill directory the batch was read back from. It is
	// empty for batches taken from a live buffer.
	Origin string
}

// Rows returns the number of rows in the batch.
func (b Batch) Rows() int {
	return len(b.Data)
}

// rowBuffer accumulates rendered rows. It is guarded by the owning loader's
// mutex.
type rowBuffer struct {
	len  int
	Data [][]byte
}

func (u *rowBuffer) add(row []byte) {
	u.len += len(row)
	u.Data = append(u.Data, row)
}

func (u *rowBuffer) rows() int {
	return len(u.Data)
}

// snapshot hands back the current rows and leaves the buffer empty.
func (u *rowBuffer) snapshot() Batch {
	b := Batch{Data: u.Data, Length: u.len}
	u.len = 0
	u.Data = nil
	return b
}
