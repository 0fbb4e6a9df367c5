package stream

// Map replaces every value of the source stream with the
// result of fn. An error from fn ends the stream and is
// reported by Error.
func Map(fn func(value interface{}) (interface{}, error)) Processor {
	return func(stream Stream) Stream {
		return &mappedStream{Stream: stream, fn: fn}
	}
}

type mappedStream struct {
	Stream
	fn    func(value interface{}) (interface{}, error)
	value interface{}
	err   error
}

func (stream *mappedStream) Next() bool {
	if stream.err != nil || !stream.Stream.Next() {
		stream.value = nil

		return false
	}

	stream.value, stream.err = stream.fn(stream.Stream.Value())

	if stream.err != nil {
		stream.value = nil

		return false
	}

	return true
}

func (stream *mappedStream) Value() interface{} {
	return stream.value
}

func (stream *mappedStream) Error() error {
	if stream.err != nil {
		return stream.err
	}

	return stream.Stream.Error()
}

// Collect drains the stream into a slice
func Collect(stream Stream) ([]interface{}, error) {
	values := []interface{}{}

	for stream.Next() {
		values = append(values, stream.Value())
	}

	if err := stream.Error(); err != nil {
		return nil, err
	}

	return values, nil
}

// Slice returns a stream over values
func Slice(values []interface{}) Stream {
	return &sliceStream{values: values, i: -1}
}

type sliceStream struct {
	values []interface{}
	i      int
}

func (stream *sliceStream) Next() bool {
	if stream.i+1 >= len(stream.values) {
		stream.i = len(stream.values)

		return false
	}

	stream.i++

	return true
}

func (stream *sliceStream) Value() interface{} {
	if stream.i < 0 || stream.i >= len(stream.values) {
		return nil
	}

	return stream.values[stream.i]
}

func (stream *sliceStream) Error() error {
	return nil
}
