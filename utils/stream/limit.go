package stream

// Limit ends the stream after limit values. A limit <= 0
// passes every value of the source stream through.
func Limit(limit int) Processor {
	return func(stream Stream) Stream {
		if limit <= 0 {
			return stream
		}

		return &limitedStream{Stream: stream, remaining: limit}
	}
}

type limitedStream struct {
	Stream
	remaining int
}

func (stream *limitedStream) Next() bool {
	if stream.remaining == 0 {
		return false
	}

	stream.remaining--

	return stream.Stream.Next()
}
