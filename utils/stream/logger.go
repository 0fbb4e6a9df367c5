package stream

import (
	"fmt"

	"go.uber.org/zap"
)

// Log logs every value at debug level as it passes through,
// along with its position in the stream. The stream's error,
// if any, is logged once when the stream ends.
func Log(logger *zap.Logger) Processor {
	return func(stream Stream) Stream {
		if !logger.Core().Enabled(zap.DebugLevel) {
			return stream
		}

		return &loggedStream{Stream: stream, logger: logger}
	}
}

type loggedStream struct {
	Stream
	logger   *zap.Logger
	position int
}

func (stream *loggedStream) Next() bool {
	if !stream.Stream.Next() {
		if err := stream.Stream.Error(); err != nil {
			stream.logger.Debug("stream ended", zap.Int("values", stream.position), zap.Error(err))
		}

		return false
	}

	value := zap.Any("value", stream.Value())

	if stringer, ok := stream.Value().(fmt.Stringer); ok {
		value = zap.Stringer("value", stringer)
	}

	stream.logger.Debug("next value", zap.Int("position", stream.position), value)
	stream.position++

	return true
}
