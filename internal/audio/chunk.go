package audio

// Chunk is a bounded slice of audio cut from a meeting stream.
type Chunk struct {
	MeetingID string
	Seq       int
	Data      []byte
	Format    Format
	// Offset is the chunk start in seconds from the first byte of the stream.
	Offset float64
	// Final marks the partial remainder emitted by Finalize.
	Final bool
}

func (c *Chunk) Duration() float64 {
	return c.Format.Seconds(int64(len(c.Data)))
}

func (c *Chunk) End() float64 {
	return c.Offset + c.Duration()
}
