package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/plugins/memory"
	"github.com/jrife/grouse/storage/session"
)

func newManager(maxRetries int) *session.Manager {
	return session.NewManager(session.Config{Store: memory.New(false), MaxRetries: maxRetries})
}

func TestCallbacks(t *testing.T) {
	failure := errors.New("before commit failed")

	testCases := map[string]struct {
		beforeCommit error
		rollback     bool
		events       []string
		err          error
	}{
		"commit": {
			events: []string{"before-commit", "after-commit", "after-end"},
		},
		"before-commit-fails": {
			beforeCommit: failure,
			events:       []string{"before-commit", "after-rollback", "after-end"},
			err:          failure,
		},
		"rollback": {
			rollback: true,
			events:   []string{"after-rollback", "after-end"},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			manager := newManager(0)
			txn, err := manager.Begin(context.Background(), true)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			events := []string{}

			txn.BeforeCommit(func() error {
				events = append(events, "before-commit")

				return testCase.beforeCommit
			})
			txn.AfterCommit(func() { events = append(events, "after-commit") })
			txn.AfterRollback(func() { events = append(events, "after-rollback") })
			txn.AfterEnd(func() { events = append(events, "after-end") })
			txn.Attach("key", "value")

			if testCase.rollback {
				err = txn.Rollback()
			} else {
				err = txn.Commit()
			}

			if err != testCase.err {
				t.Fatalf("expected err to be %#v, got %#v", testCase.err, err)
			}

			if diff := cmp.Diff(testCase.events, events); diff != "" {
				t.Fatal(diff)
			}

			if !txn.Done() {
				t.Fatalf("expected transaction to be done")
			}

			if _, ok := txn.Attachment("key"); ok {
				t.Fatalf("expected attachments to be cleared")
			}

			if err := txn.Rollback(); err != nil {
				t.Fatalf("expected rollback of an ended transaction to be a no-op, got %#v", err)
			}

			if err := txn.Commit(); err != session.ErrDone {
				t.Fatalf("expected err to be %#v, got %#v", session.ErrDone, err)
			}
		})
	}
}

func TestStartTimestamps(t *testing.T) {
	manager := newManager(0)
	first, err := manager.Begin(context.Background(), false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer first.Rollback()

	now := manager.Now()
	second, err := manager.Begin(context.Background(), false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer second.Rollback()

	if !(first.Start() <= now && now < second.Start()) {
		t.Fatalf("expected %d <= %d < %d", first.Start(), now, second.Start())
	}

	if first.ID() == second.ID() {
		t.Fatalf("expected distinct transaction ids")
	}
}

func TestRun(t *testing.T) {
	permanent := errors.New("permanent")

	testCases := map[string]struct {
		maxRetries int
		failures   []error
		attempts   int
		err        error
	}{
		"success": {
			attempts: 1,
		},
		"retry-conflict": {
			failures: []error{kv.ErrConflict, kv.ErrConflict},
			attempts: 3,
		},
		"permanent": {
			failures: []error{permanent},
			attempts: 1,
			err:      permanent,
		},
		"give-up": {
			maxRetries: 1,
			failures:   []error{kv.ErrConflict, kv.ErrConflict, kv.ErrConflict},
			attempts:   2,
			err:        kv.ErrConflict,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			manager := newManager(testCase.maxRetries)
			attempts := 0

			err := manager.Run(context.Background(), true, func(txn *session.Txn) error {
				attempts++

				if err := txn.KV().Put([]byte("attempts"), []byte{byte(attempts)}); err != nil {
					return err
				}

				if attempts <= len(testCase.failures) {
					return testCase.failures[attempts-1]
				}

				return nil
			})

			if !errors.Is(err, testCase.err) || (testCase.err == nil && err != nil) {
				t.Fatalf("expected err to be %#v, got %#v", testCase.err, err)
			}

			if attempts != testCase.attempts {
				t.Fatalf("expected %d attempts, got %d", testCase.attempts, attempts)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	manager := newManager(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.Run(ctx, false, func(txn *session.Txn) error {
		t.Fatalf("expected fn not to run")

		return nil
	})

	if err != context.Canceled {
		t.Fatalf("expected err to be %#v, got %#v", context.Canceled, err)
	}
}
