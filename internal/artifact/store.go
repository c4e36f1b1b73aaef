package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/fault"
)

// HandlePrefix is prepended to every issued handle.
const HandlePrefix = "blob:loqa-recorder/"

// ErrEmpty is returned when publishing an artifact with no bytes.
var ErrEmpty = errors.New("artifact has no audio data")

// Handle is a revocable reference to a published artifact.
type Handle string

func (h Handle) String() string { return string(h) }

// Artifact describes a published recording. The bytes stay in the store and
// are reached through Resolve.
type Artifact struct {
	Handle    Handle    `json:"handle"`
	MediaType string    `json:"media_type"`
	Size      int       `json:"size"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	meta    Artifact
	data    []byte
	revoked chan struct{}
}

// Store holds the single current artifact. Publish is the only writer;
// Resolve may be called concurrently by any number of readers.
type Store struct {
	mu      sync.RWMutex
	current *entry
	log     *slog.Logger
	clock   func() time.Time
	newID   func() string
}

func NewStore(log *slog.Logger) *Store {
	return &Store{
		log:   log.With(slog.String("component", "artifact-store")),
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// Publish concatenates chunks in order into one immutable buffer and makes it
// the current artifact. The previous handle is revoked before the new one is
// visible.
func (s *Store) Publish(chunks [][]byte, mediaType string) (Artifact, error) {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	if size == 0 {
		return Artifact{}, ErrEmpty
	}
	if strings.TrimSpace(mediaType) == "" {
		return Artifact{}, fmt.Errorf("artifact media type must not be empty")
	}

	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	next := &entry{
		meta: Artifact{
			Handle:    Handle(HandlePrefix + s.newID()),
			MediaType: mediaType,
			Size:      size,
			Chunks:    len(chunks),
			CreatedAt: s.clock().UTC(),
		},
		data:    data,
		revoked: make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.current
	if prev != nil {
		close(prev.revoked)
	}
	s.current = next
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("artifact superseded", slog.String("revoked", prev.meta.Handle.String()), slog.String("handle", next.meta.Handle.String()))
	} else {
		s.log.Info("artifact published", slog.String("handle", next.meta.Handle.String()), slog.Int("bytes", size))
	}
	return next.meta, nil
}

// Current returns the live artifact, if any.
func (s *Store) Current() (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Artifact{}, false
	}
	return s.current.meta, true
}

// Valid reports whether h still resolves.
func (s *Store) Valid(h Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && s.current.meta.Handle == h
}

// Resolve returns a copy of the artifact bytes behind h.
func (s *Store) Resolve(h Handle) (Artifact, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h == "" {
		return Artifact{}, nil, fault.Newf(fault.KindArtifactMissing, "artifact.resolve", "no artifact handle")
	}
	if s.current == nil || s.current.meta.Handle != h {
		return Artifact{}, nil, fault.Newf(fault.KindArtifactMissing, "artifact.resolve", "handle %s revoked or unknown", h)
	}
	data := make([]byte, len(s.current.data))
	copy(data, s.current.data)
	return s.current.meta, data, nil
}

// Revoked returns a channel closed once h stops resolving. Unknown handles
// get an already-closed channel.
func (s *Store) Revoked(h Handle) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil && s.current.meta.Handle == h {
		return s.current.revoked
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// RevokeAll invalidates the current handle. Safe to call repeatedly.
func (s *Store) RevokeAll() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	if prev != nil {
		close(prev.revoked)
	}
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("artifact revoked", slog.String("handle", prev.meta.Handle.String()))
	}
}
