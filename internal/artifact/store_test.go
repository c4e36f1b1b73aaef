package artifact

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-recorder/internal/fault"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishConcatenatesInOrder(t *testing.T) {
	s := NewStore(newLogger())
	art, err := s.Publish([][]byte{[]byte("ab"), []byte("cd"), []byte("e")}, "audio/pcm")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.HasPrefix(art.Handle.String(), HandlePrefix) {
		t.Fatalf("unexpected handle %q", art.Handle)
	}
	if art.Size != 5 || art.Chunks != 3 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	_, data, err := s.Resolve(art.Handle)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(data) != "abcde" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestPublishRejectsEmpty(t *testing.T) {
	s := NewStore(newLogger())
	if _, err := s.Publish([][]byte{{}, nil}, "audio/pcm"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatal("empty publish must not produce an artifact")
	}
}

func TestSecondPublishRevokesFirst(t *testing.T) {
	s := NewStore(newLogger())
	first, err := s.Publish([][]byte{[]byte("one")}, "audio/pcm")
	if err != nil {
		t.Fatal(err)
	}
	revoked := s.Revoked(first.Handle)

	second, err := s.Publish([][]byte{[]byte("two")}, "audio/pcm")
	if err != nil {
		t.Fatal(err)
	}
	if first.Handle == second.Handle {
		t.Fatal("handles must be unique")
	}

	select {
	case <-revoked:
	default:
		t.Fatal("first handle's revocation must be signalled by the time publish returns")
	}
	if _, _, err := s.Resolve(first.Handle); !errors.Is(err, fault.ErrArtifactMissing) {
		t.Fatalf("expected ArtifactMissing for stale handle, got %v", err)
	}
	if s.Valid(first.Handle) || !s.Valid(second.Handle) {
		t.Fatal("only the newest handle may be valid")
	}
	cur, ok := s.Current()
	if !ok || cur.Handle != second.Handle {
		t.Fatalf("expected current to be second artifact, got %+v", cur)
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	s := NewStore(newLogger())
	art, _ := s.Publish([][]byte{[]byte("abc")}, "audio/pcm")
	_, data, _ := s.Resolve(art.Handle)
	data[0] = 'z'
	_, again, _ := s.Resolve(art.Handle)
	if string(again) != "abc" {
		t.Fatalf("artifact must be immutable, got %q", again)
	}
}

func TestRevokeAllIdempotent(t *testing.T) {
	s := NewStore(newLogger())
	art, _ := s.Publish([][]byte{[]byte("abc")}, "audio/pcm")
	s.RevokeAll()
	s.RevokeAll()
	if _, ok := s.Current(); ok {
		t.Fatal("expected no current artifact")
	}
	if _, _, err := s.Resolve(art.Handle); err == nil {
		t.Fatal("expected revoked handle to fail")
	}
	select {
	case <-s.Revoked(art.Handle):
	default:
		t.Fatal("unknown handle should report revoked")
	}
}

func TestConcurrentReadersSeeOneLiveHandle(t *testing.T) {
	s := NewStore(newLogger())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cur, ok := s.Current()
				if !ok {
					continue
				}
				if _, _, err := s.Resolve(cur.Handle); err != nil && !errors.Is(err, fault.ErrArtifactMissing) {
					t.Errorf("unexpected error %v", err)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := s.Publish([][]byte{[]byte("x")}, "audio/pcm"); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
}
