package kv

import (
	"github.com/jrife/grouse/utils/stream"
)

// Stream wraps the iterator in a stream whose values are KV
// instances. Keys and values are copied since some backends only
// guarantee iterator memory for the life of the transaction.
func Stream(iter Iterator) stream.Stream {
	return &kvStream{iter: iter}
}

type kvStream struct {
	iter Iterator
	kv   *KV
}

func (stream *kvStream) Next() bool {
	stream.kv = nil

	return stream.iter.Next()
}

func (stream *kvStream) Value() interface{} {
	if stream.kv == nil {
		stream.kv = &KV{
			Key:   append([]byte(nil), stream.iter.Key()...),
			Value: append([]byte{}, stream.iter.Value()...),
		}
	}

	return *stream.kv
}

func (stream *kvStream) Error() error {
	return stream.iter.Error()
}
