package storage

import (
	"bytes"
	"errors"
	"testing"
)

// testStorageContract runs the behaviour every backend must share.
func testStorageContract(t *testing.T, s Storage) {
	t.Helper()

	t.Run("MissIsNotError", func(t *testing.T) {
		got, err := s.Retrieve("never-written")
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if got != nil {
			t.Errorf("Retrieve returned %q, want nil", got)
		}
	})

	t.Run("Roundtrip", func(t *testing.T) {
		if err := s.Store("roundtrip", []byte("some value")); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		got, err := s.Retrieve("roundtrip")
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if !bytes.Equal(got, []byte("some value")) {
			t.Errorf("Retrieve returned %q, want %q", got, "some value")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := s.Store("overwrite", []byte("some longer first value")); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if err := s.Store("overwrite", []byte("new value")); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		got, err := s.Retrieve("overwrite")
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if !bytes.Equal(got, []byte("new value")) {
			t.Errorf("Retrieve returned %q, want %q", got, "new value")
		}
	})

	t.Run("BinarySafe", func(t *testing.T) {
		value := make([]byte, 4096)
		for i := range value {
			value[i] = byte(i % 256)
		}
		value[0], value[1] = 0xff, 0xfe // not valid UTF-8

		if err := s.Store("binary", value); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		got, err := s.Retrieve("binary")
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Error("Retrieve returned different bytes for binary value")
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		if err := s.Store("empty", []byte{}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		got, err := s.Retrieve("empty")
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Retrieve returned %v, want empty non-nil slice", got)
		}
	})

	t.Run("RetrieveReturnsCopy", func(t *testing.T) {
		if err := s.Store("copy", []byte("abc")); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		got, _ := s.Retrieve("copy")
		got[0] = 'x'

		again, _ := s.Retrieve("copy")
		if !bytes.Equal(again, []byte("abc")) {
			t.Errorf("stored value changed to %q", again)
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	testStorageContract(t, NewMemoryStorage())
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		backend  string
		location string
	}{
		{BackendFile, dir + "/files"},
		{BackendPebble, dir + "/pebble"},
		{BackendSQLite, dir + "/cache.db"},
		{BackendMemory, ""},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			s, err := Open(tt.backend, tt.location)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer Close(s)

			if err := s.Store("k", []byte("v")); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		})
	}

	if _, err := Open("floppy", dir); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestErrorIs(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&Error{Op: "write", Key: "k", Err: cause})

	if !errors.Is(err, ErrStorage) {
		t.Error("expected errors.Is(err, ErrStorage)")
	}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
}
