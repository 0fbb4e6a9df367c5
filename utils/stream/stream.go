// Package stream implements pull streams: a source yields values one
// at a time and processors derive new streams from it. Scans over a
// store are exposed as streams so callers can filter, limit and
// transform them without buffering.
package stream

// Stream is a pull-based sequence of values
type Stream interface {
	// Next advances to the next value and must be called before the
	// first one. It returns false once the stream is exhausted or
	// failed; Error distinguishes the two.
	Next() bool
	// Value returns the current value, or nil when the
	// stream is exhausted
	Value() interface{}
	// Error returns the error that ended the stream, if any
	Error() error
}

// Processor derives a stream from a source stream
type Processor func(Stream) Stream

// Pipeline applies processors to stream in order, so
// Pipeline(s, a, b) is b(a(s)). nil processors are skipped.
func Pipeline(stream Stream, processors ...Processor) Stream {
	for _, processor := range processors {
		if processor != nil {
			stream = processor(stream)
		}
	}

	return stream
}
