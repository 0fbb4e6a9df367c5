package keys_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/storage/kv/keys"
)

func TestInc(t *testing.T) {
	testCases := map[string]struct {
		key    keys.Key
		result keys.Key
	}{
		"simple": {
			key:    keys.Key{0x04, 0x01},
			result: keys.Key{0x04, 0x02},
		},
		"carry": {
			key:    keys.Key{0x04, 0xff},
			result: keys.Key{0x05},
		},
		"overflow": {
			key:    keys.Key{0xff, 0xff},
			result: nil,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			original := append(keys.Key(nil), testCase.key...)

			if diff := cmp.Diff(testCase.result, keys.Inc(testCase.key)); diff != "" {
				t.Fatal(diff)
			}

			if diff := cmp.Diff(original, testCase.key); diff != "" {
				t.Fatalf("Inc modified its input: %s", diff)
			}
		})
	}
}

func TestRange(t *testing.T) {
	testCases := map[string]struct {
		keyRange keys.Range
		in       [][]byte
		out      [][]byte
	}{
		"prefix": {
			keyRange: keys.All().Prefix([]byte("ab")),
			in:       [][]byte{[]byte("ab\x00"), []byte("abz")},
			out:      [][]byte{[]byte("ab"), []byte("ac"), []byte("a")},
		},
		"has-prefix": {
			keyRange: keys.All().HasPrefix([]byte("ab")),
			in:       [][]byte{[]byte("ab"), []byte("abz")},
			out:      [][]byte{[]byte("aa"), []byte("ac")},
		},
		"namespace": {
			keyRange: keys.All().Namespace([]byte{0x01}).Gte([]byte("b")).Lt([]byte("d")),
			in:       [][]byte{[]byte("\x01b"), []byte("\x01c")},
			out:      [][]byte{[]byte("\x01d"), []byte("\x02b"), []byte("b")},
		},
		"namespace-all": {
			keyRange: keys.All().Namespace([]byte{0x01}),
			in:       [][]byte{[]byte("\x01"), []byte("\x01\xff\xff")},
			out:      [][]byte{[]byte("\x00"), []byte("\x02")},
		},
		"eq": {
			keyRange: keys.All().Eq([]byte("k")),
			in:       [][]byte{[]byte("k")},
			out:      [][]byte{[]byte("k\x00"), []byte("j")},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			for _, k := range testCase.in {
				if !testCase.keyRange.Contains(k) {
					t.Fatalf("expected %q to be in range", k)
				}
			}

			for _, k := range testCase.out {
				if testCase.keyRange.Contains(k) {
					t.Fatalf("expected %q to be outside range", k)
				}
			}
		})
	}
}
