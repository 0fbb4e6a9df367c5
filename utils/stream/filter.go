package stream

// Filter drops the values of the source stream for which
// keep returns false
func Filter(keep func(value interface{}) bool) Processor {
	return func(stream Stream) Stream {
		return &filteredStream{Stream: stream, keep: keep}
	}
}

type filteredStream struct {
	Stream
	keep func(value interface{}) bool
}

func (stream *filteredStream) Next() bool {
	for stream.Stream.Next() {
		if stream.keep(stream.Stream.Value()) {
			return true
		}
	}

	return false
}
