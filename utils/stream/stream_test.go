package stream_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/utils/stream"
	"go.uber.org/zap"
)

func ints(n int) stream.Stream {
	return &randomIntStream{n, 0}
}

type randomIntStream struct {
	n int
	v int
}

func (stream *randomIntStream) Next() bool {
	if stream.n > 0 {
		stream.n--
		stream.v = rand.Int() - rand.Int()

		return true
	}

	return false
}

func (stream *randomIntStream) Value() interface{} {
	return stream.v
}

func (stream *randomIntStream) Error() error {
	return nil
}

func record(record *[]int) stream.Processor {
	*record = []int{}

	return func(stream stream.Stream) stream.Stream {
		return &streamRecorder{stream, record}
	}
}

type streamRecorder struct {
	stream.Stream
	record *[]int
}

func (stream *streamRecorder) Next() bool {
	if !stream.Stream.Next() {
		return false
	}

	*stream.record = append(*stream.record, stream.Value().(int))

	return true
}

func Drain(stream stream.Stream) {
	for stream.Next() {
	}
}

func Filter(ints []int, filter func(a interface{}) bool) []int {
	filteredInts := []int{}

	for _, i := range ints {
		if filter(i) {
			filteredInts = append(filteredInts, i)
		}
	}

	return filteredInts
}

func Limit(ints []int, limit int) []int {
	if limit <= 0 || limit > len(ints) {
		return ints
	}

	return ints[:limit]
}

func TestStream(t *testing.T) {
	positive := func(a interface{}) bool { return a.(int) > 0 }

	testCases := map[string]struct {
		limit int
	}{
		"limit-10":  {limit: 10},
		"no-limit":  {limit: 0},
		"limit-big": {limit: 5000},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			input := []int{}
			output := []int{}

			Drain(stream.Pipeline(ints(1000), record(&input), stream.Filter(positive), stream.Limit(testCase.limit), stream.Log(zap.NewNop()), record(&output)))

			if diff := cmp.Diff(Limit(Filter(input, positive), testCase.limit), output); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestMap(t *testing.T) {
	errStop := errors.New("stop")
	double := stream.Map(func(value interface{}) (interface{}, error) {
		if value.(int) == 3 {
			return nil, errStop
		}

		return value.(int) * 2, nil
	})

	values, err := stream.Collect(stream.Pipeline(stream.Slice([]interface{}{1, 2}), double))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]interface{}{2, 4}, values); diff != "" {
		t.Fatal(diff)
	}

	if _, err := stream.Collect(stream.Pipeline(stream.Slice([]interface{}{1, 3, 4}), double)); err != errStop {
		t.Fatalf("expected err to be %#v, got %#v", errStop, err)
	}
}
