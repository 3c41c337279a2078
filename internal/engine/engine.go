package engine

// Shared shape of the two peer state machines. Each engine owns its Writer,
// its Reader, and its session for the lifetime of one transfer; inbound
// frames are handled one at a time under the engine lock, so transitions
// never interleave.

import (
	"log"

	"beam/internal/chunker"
	"beam/internal/sessionstore"
)

type State string

const (
	StateIdle      State = "IDLE"
	StateHandshake State = "HANDSHAKE"
	StateTransfer  State = "TRANSFER"
	StateDone      State = "DONE"
	StateError     State = "ERROR"
	StateCancelled State = "CANCELLED"
)

func (s State) terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

// Defaults both peers assume unless configured otherwise.
const (
	DefaultChunkSize       = 64
	DefaultSessionIDLength = 5
)

// ChunkStore is the slice of the durable store the sender needs. Failures
// here are never fatal to a transfer; resumability is a nice-to-have.
type ChunkStore interface {
	Put(name string, size uint64, mime string, chunkSize uint32, chunks [][]byte) error
	Delete(name string) error
}

// Callbacks let the surrounding application observe a transfer. Any field
// may be nil; the engine pushes, the caller may drop.
type Callbacks struct {
	OnHandshake func(sessionID string)
	OnChunk     func(index, total int)
	OnProgress  func(snap sessionstore.Snapshot)
	OnDone      func(f chunker.File)
	OnError     func(err error)
}

func (c Callbacks) handshake(sessionID string) {
	if c.OnHandshake != nil {
		c.OnHandshake(sessionID)
	}
}

func (c Callbacks) chunk(index, total int) {
	if c.OnChunk != nil {
		c.OnChunk(index, total)
	}
}

func (c Callbacks) progress(snap sessionstore.Snapshot) {
	if c.OnProgress != nil {
		c.OnProgress(snap)
	}
}

func (c Callbacks) done(f chunker.File) {
	if c.OnDone != nil {
		c.OnDone(f)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// saveSnapshot persists progress best-effort; a dead session store only costs
// the resume hint.
func saveSnapshot(logger *log.Logger, store sessionstore.Store, role sessionstore.Role, snap sessionstore.Snapshot) {
	if store == nil {
		return
	}
	if err := store.Save(role, snap); err != nil && logger != nil {
		logger.Printf("[%s] session snapshot save failed: %v", role, err)
	}
}
