package engine

import (
	"context"
	"log"
	"sync"

	"beam/internal/beamerr"
	"beam/internal/chunker"
	"beam/internal/chunkstore"
	"beam/internal/sessionid"
	"beam/internal/sessionstore"
	"beam/internal/transport"
	"beam/internal/wire"
)

// Sender offers a file and answers the receiver's pulls. The receiver drives
// the transfer; the sender never transmits unsolicited DATA, and loss
// recovery is the receiver re-pulling, never a sender retransmit.

type SenderOptions struct {
	ChunkSize       int
	SessionIDLength int
	Logger          *log.Logger
	Chunks          ChunkStore         // optional; enables resume
	Sessions        sessionstore.Store // optional; UI resume hints
	Callbacks       Callbacks
}

type Sender struct {
	writer transport.Writer
	reader transport.Reader
	opts   SenderOptions

	mu        sync.Mutex
	state     State
	sessionID string
	localSeq  uint32
	remoteSeq uint32
	seenPeer  bool

	fileName    string
	fileSize    uint64
	mimeType    string
	chunkSize   uint32
	totalChunks int
	chunks      [][]byte
	sentChunks  int

	prog    *tracker
	settled bool
	result  chan error
}

func NewSender(w transport.Writer, r transport.Reader, opts SenderOptions) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SessionIDLength <= 0 {
		opts.SessionIDLength = DefaultSessionIDLength
	}
	return &Sender{
		writer:   w,
		reader:   r,
		opts:     opts,
		state:    StateIdle,
		localSeq: sessionid.InitialSeq(),
		result:   make(chan error, 1),
	}
}

// Send transfers one file and blocks until the receiver has pulled every
// chunk, the transfer fails, or the context is cancelled.
func (s *Sender) Send(ctx context.Context, f chunker.File) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return beamerr.Protocolf(s.sessionID, "sender already used (state %s)", s.state)
	}
	s.state = StateHandshake
	s.sessionID = sessionid.Derive(f.Name, s.opts.SessionIDLength)
	s.fileName = f.Name
	s.fileSize = uint64(len(f.Data))
	s.mimeType = f.Mime
	s.chunkSize = uint32(s.opts.ChunkSize)
	s.chunks = chunker.Split(f.Data, s.opts.ChunkSize)
	s.totalChunks = len(s.chunks)
	s.prog = newTracker()

	// Resumability is best-effort: a dead chunk store must not stop the show.
	if s.opts.Chunks != nil {
		if err := s.opts.Chunks.Put(f.Name, s.fileSize, f.Mime, s.chunkSize, s.chunks); err != nil {
			s.logf("chunk store write failed for %q: %v", f.Name, err)
		}
	}
	saveSnapshot(s.opts.Logger, s.opts.Sessions, sessionstore.RoleSender,
		s.prog.snapshot(s.sessionID, s.fileName, s.fileSize, 0, s.totalChunks))

	hello := wire.Hello{
		SessionID:   s.sessionID,
		Seq:         s.nextSeqLocked(),
		Party:       wire.PartySender,
		Version:     wire.ProtoVersion,
		FileName:    s.fileName,
		FileSize:    s.fileSize,
		MimeType:    s.mimeType,
		TotalChunks: uint32(s.totalChunks),
		ChunkSize:   s.chunkSize,
	}
	s.mu.Unlock()

	return s.run(ctx, hello)
}

// SendResumable restarts a transfer from a stored chunk set. The entry is
// validated against the chunker integrity rule before anything touches the
// wire; a rotten entry fails with SESSION_EXPIRED.
func (s *Sender) SendResumable(ctx context.Context, stored chunkstore.Entry) error {
	if err := chunker.Validate(stored.Chunks, stored.FileSize, stored.ChunkSize); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return beamerr.Protocolf(s.sessionID, "sender already used (state %s)", s.state)
	}
	s.state = StateHandshake
	s.sessionID = sessionid.Derive(stored.FileName, s.opts.SessionIDLength)
	s.fileName = stored.FileName
	s.fileSize = stored.FileSize
	s.mimeType = stored.MimeType
	s.chunkSize = stored.ChunkSize
	s.chunks = stored.Chunks
	s.totalChunks = len(stored.Chunks)
	s.prog = newTracker()

	saveSnapshot(s.opts.Logger, s.opts.Sessions, sessionstore.RoleSender,
		s.prog.snapshot(s.sessionID, s.fileName, s.fileSize, 0, s.totalChunks))

	hello := wire.Hello{
		SessionID:   s.sessionID,
		Seq:         s.nextSeqLocked(),
		Party:       wire.PartySender,
		Version:     wire.ProtoVersion,
		FileName:    s.fileName,
		FileSize:    s.fileSize,
		MimeType:    s.mimeType,
		TotalChunks: uint32(s.totalChunks),
		ChunkSize:   s.chunkSize,
	}
	s.mu.Unlock()

	return s.run(ctx, hello)
}

func (s *Sender) run(ctx context.Context, hello wire.Hello) error {
	s.reader.Start(s.handleFrame, s.handleReadError)

	if err := s.write(ctx, hello); err != nil {
		s.mu.Lock()
		err = beamerr.ConnectionLostf(s.sessionID, "hello write failed: %v", err)
		s.fatalLocked(err)
		s.mu.Unlock()
		return err
	}

	select {
	case err := <-s.result:
		return err
	case <-ctx.Done():
		s.Cancel()
		return beamerr.Cancelledf(s.sessionID, "context cancelled: %v", ctx.Err())
	}
}

// Cancel aborts the transfer. Safe to call any number of times in any state;
// only the first call out of a live state does anything.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = StateCancelled
	s.reader.Stop()
	s.settleLocked(beamerr.Cancelledf(s.sessionID, "transfer cancelled"))
}

// State reports the current engine state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) handleFrame(frame string) {
	msg, err := wire.Decode(frame)
	if err != nil {
		s.mu.Lock()
		s.fatalLocked(err)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	if s.duplicateLocked(msg) {
		return
	}

	switch m := msg.(type) {
	case wire.Hello:
		// Any peer announcing itself mid-session is one peer too many.
		// The detecting side tells the other before giving up.
		s.writeLocked(wire.Error{Code: wire.ErrCodeInvalidParty})
		s.fatalLocked(beamerr.InvalidPartyf(s.sessionID, "unexpected hello from party %d", m.Party))

	case wire.Ack:
		s.handleAckLocked(m)

	case wire.Pull:
		s.handlePullLocked(m)

	case wire.Error:
		if m.Code == wire.ErrCodeInvalidParty {
			s.fatalLocked(beamerr.InvalidPartyf(s.sessionID, "peer reported party collision"))
		} else {
			s.fatalLocked(beamerr.Protocolf(s.sessionID, "peer error code %d", m.Code))
		}

	default:
		s.fatalLocked(beamerr.Protocolf(s.sessionID, "unexpected message %T in state %s", msg, s.state))
	}
}

func (s *Sender) handleAckLocked(m wire.Ack) {
	if m.SessionID != s.sessionID {
		s.fatalLocked(beamerr.Protocolf(s.sessionID, "ack for wrong session %q", m.SessionID))
		return
	}
	if s.state != StateHandshake {
		s.fatalLocked(beamerr.Protocolf(s.sessionID, "ack in state %s", s.state))
		return
	}

	s.state = StateTransfer
	s.writeLocked(wire.Ack{SessionID: s.sessionID, Seq: s.nextSeqLocked()})
	s.opts.Callbacks.handshake(s.sessionID)

	if s.totalChunks == 0 {
		s.completeLocked()
	}
}

func (s *Sender) handlePullLocked(m wire.Pull) {
	if m.SessionID != s.sessionID {
		s.fatalLocked(beamerr.Protocolf(s.sessionID, "pull for wrong session %q", m.SessionID))
		return
	}
	if s.state != StateTransfer {
		s.fatalLocked(beamerr.Protocolf(s.sessionID, "pull in state %s", s.state))
		return
	}

	idx := int(m.ChunkIndex)
	if idx < 0 || idx >= s.totalChunks {
		// Nothing there: answer with an empty terminal frame so the
		// receiver stops pulling.
		s.writeLocked(wire.Data{
			SessionID:      s.sessionID,
			Seq:            s.nextSeqLocked(),
			ChunkIndex:     m.ChunkIndex,
			NextChunkIndex: -1,
			Payload:        []byte{},
		})
		s.completeLocked()
		return
	}

	next := int32(idx + 1)
	if idx == s.totalChunks-1 {
		next = -1
	}
	payload := s.chunks[idx]
	s.writeLocked(wire.Data{
		SessionID:      s.sessionID,
		Seq:            s.nextSeqLocked(),
		ChunkIndex:     m.ChunkIndex,
		NextChunkIndex: next,
		Payload:        payload,
	})

	s.sentChunks = idx
	s.prog.add(len(payload))
	s.opts.Callbacks.chunk(idx, s.totalChunks)
	snap := s.prog.snapshot(s.sessionID, s.fileName, s.fileSize, idx+1, s.totalChunks)
	s.opts.Callbacks.progress(snap)
	saveSnapshot(s.opts.Logger, s.opts.Sessions, sessionstore.RoleSender, snap)

	if next == -1 {
		s.completeLocked()
	}
}

func (s *Sender) completeLocked() {
	if s.opts.Chunks != nil {
		if err := s.opts.Chunks.Delete(s.fileName); err != nil {
			s.logf("chunk store delete failed for %q: %v", s.fileName, err)
		}
	}
	s.state = StateDone
	s.reader.Stop()
	s.opts.Callbacks.done(chunker.File{Name: s.fileName, Mime: s.mimeType})
	s.settleLocked(nil)
}

func (s *Sender) handleReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.fatalLocked(beamerr.ConnectionLostf(s.sessionID, "reader failed: %v", err))
}

func (s *Sender) fatalLocked(err error) {
	if s.state.terminal() {
		return
	}
	s.state = StateError
	s.reader.Stop()
	s.opts.Callbacks.fail(err)
	s.settleLocked(err)
}

func (s *Sender) settleLocked(err error) {
	if s.settled {
		return
	}
	s.settled = true
	s.result <- err
}

// duplicateLocked drops frames already seen, which the camera produces by
// decoding the same still more than once. Sequence numbers only ever grow.
func (s *Sender) duplicateLocked(msg wire.Message) bool {
	var seq uint32
	switch m := msg.(type) {
	case wire.Hello:
		seq = m.Seq
	case wire.Ack:
		seq = m.Seq
	case wire.Pull:
		seq = m.Seq
	case wire.Data:
		seq = m.Seq
	default:
		return false // ERROR frames carry no sequence number
	}
	if s.seenPeer && seq <= s.remoteSeq {
		return true
	}
	s.seenPeer = true
	s.remoteSeq = seq
	return false
}

func (s *Sender) nextSeqLocked() uint32 {
	seq := s.localSeq
	s.localSeq++
	return seq
}

// writeLocked emits a frame from inside a handler. Write failures here are
// fatal: the visual channel has no partial-delivery mode.
func (s *Sender) writeLocked(msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		s.fatalLocked(err)
		return
	}
	if err := s.writer.Write(context.Background(), frame); err != nil {
		s.fatalLocked(beamerr.ConnectionLostf(s.sessionID, "write failed: %v", err))
	}
}

func (s *Sender) write(ctx context.Context, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.writer.Write(ctx, frame)
}

func (s *Sender) logf(format string, args ...interface{}) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf("[sender] "+format, args...)
	}
}
