package log_test

import (
	"context"
	"testing"

	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

func TestFields(t *testing.T) {
	ctx := log.WithFields(context.Background(), zap.String("a", "1"))
	ctx = log.WithFields(ctx, zap.Int("b", 2))

	if len(log.Fields(ctx)) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(log.Fields(ctx)))
	}

	if len(log.Fields(context.Background())) != 0 {
		t.Fatalf("expected no fields in an empty context")
	}
}

func TestLoggerFromContext(t *testing.T) {
	defaultLogger := zap.NewNop()
	logger, ctx := log.LoggerFromContext(context.Background(), defaultLogger)

	if logger != defaultLogger {
		t.Fatalf("expected the default logger")
	}

	if log.Logger(ctx) != defaultLogger {
		t.Fatalf("expected the default logger to be attached to the context")
	}

	other := zap.NewExample()
	logger, _ = log.LoggerFromContext(log.WithLogger(context.Background(), other), defaultLogger)

	if logger != other {
		t.Fatalf("expected the logger from the context")
	}
}

func TestNew(t *testing.T) {
	testCases := map[string]struct {
		level       string
		development bool
		fail        bool
	}{
		"default": {},
		"debug": {
			level: "debug",
		},
		"development": {
			level:       "info",
			development: true,
		},
		"invalid": {
			level: "loud",
			fail:  true,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			logger, err := log.New(testCase.level, testCase.development)

			if testCase.fail {
				if err == nil {
					t.Fatalf("expected an error")
				}

				return
			}

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if logger == nil {
				t.Fatalf("expected a logger")
			}
		})
	}
}
