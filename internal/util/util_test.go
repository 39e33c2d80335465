package util

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	if _, ok := r.Last(); ok {
		t.Fatal("expected empty buffer")
	}
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if last, _ := r.Last(); last != 5 {
		t.Fatalf("last = %d, want 5", last)
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  tutor-1 ", "tutor-1", false},
		{"", "", true},
		{"a b", "", true},
		{"a/b", "", true},
		{"..", "", true},
	}
	for _, tt := range tests {
		got, err := ValidateIdentity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateIdentity(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateIdentity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath("/base", abs); got != abs {
		t.Fatalf("absolute path not kept: %s", got)
	}
	if got := ResolvePath("base", "data/x.db"); got != filepath.Join("base", "data", "x.db") {
		t.Fatalf("relative path not joined: %s", got)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}

func TestBackoffRetry(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	b := Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Attempts: 4}
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := b.Retry(context.Background(), retryable, func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		err := b.Retry(context.Background(), retryable, func() error {
			calls++
			return errFatal
		})
		if !errors.Is(err, errFatal) || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := b.Retry(context.Background(), retryable, func() error {
			calls++
			return errTransient
		})
		if !errors.Is(err, errTransient) || calls != 4 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})
}
