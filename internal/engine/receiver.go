package engine

import (
	"context"
	"log"
	"sync"

	"beam/internal/beamerr"
	"beam/internal/chunker"
	"beam/internal/sessionid"
	"beam/internal/sessionstore"
	"beam/internal/transport"
	"beam/internal/wire"
)

// Receiver detects a sender, pulls chunks strictly in order and assembles
// the file. On entry it announces itself with a HELLO so that a second
// receiver on the same channel is caught as a party collision.

type ReceiverOptions struct {
	Logger    *log.Logger
	Sessions  sessionstore.Store // optional
	Callbacks Callbacks
}

type receiveResult struct {
	file chunker.File
	err  error
}

type Receiver struct {
	writer transport.Writer
	reader transport.Reader
	opts   ReceiverOptions

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
	table       map[int][]byte
	cursor      int

	prog    *tracker
	settled bool
	result  chan receiveResult
}

func NewReceiver(w transport.Writer, r transport.Reader, opts ReceiverOptions) *Receiver {
	return &Receiver{
		writer:   w,
		reader:   r,
		opts:     opts,
		state:    StateIdle,
		localSeq: sessionid.InitialSeq(),
		table:    make(map[int][]byte),
		result:   make(chan receiveResult, 1),
	}
}

// Receive listens for a sender and blocks until the file is fully assembled,
// the transfer fails, or the context is cancelled.
func (r *Receiver) Receive(ctx context.Context) (chunker.File, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return chunker.File{}, beamerr.Protocolf(r.sessionID, "receiver already used (state %s)", r.state)
	}
	r.state = StateHandshake
	r.prog = newTracker()
	announce := wire.Hello{
		Seq:     r.nextSeqLocked(),
		Party:   wire.PartyReceiver,
		Version: wire.ProtoVersion,
	}
	r.mu.Unlock()

	r.reader.Start(r.handleFrame, r.handleReadError)

	if err := r.write(ctx, announce); err != nil {
		err = beamerr.ConnectionLostf("", "hello write failed: %v", err)
		r.mu.Lock()
		r.fatalLocked(err)
		r.mu.Unlock()
		return chunker.File{}, err
	}

	select {
	case res := <-r.result:
		return res.file, res.err
	case <-ctx.Done():
		r.Cancel()
		return chunker.File{}, beamerr.Cancelledf(r.sessionID, "context cancelled: %v", ctx.Err())
	}
}

// Cancel aborts the transfer; repeat calls are no-ops.
func (r *Receiver) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return
	}
	r.state = StateCancelled
	r.reader.Stop()
	r.settleLocked(chunker.File{}, beamerr.Cancelledf(r.sessionID, "transfer cancelled"))
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) handleFrame(frame string) {
	msg, err := wire.Decode(frame)
	if err != nil {
		r.mu.Lock()
		r.fatalLocked(err)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return
	}
	if r.duplicateLocked(msg) {
		return
	}

	switch m := msg.(type) {
	case wire.Hello:
		r.handleHelloLocked(m)
	case wire.Ack:
		r.handleAckLocked(m)
	case wire.Data:
		r.handleDataLocked(m)
	case wire.Error:
		if m.Code == wire.ErrCodeInvalidParty {
			r.fatalLocked(beamerr.InvalidPartyf(r.sessionID, "peer reported party collision"))
		} else {
			r.fatalLocked(beamerr.Protocolf(r.sessionID, "peer error code %d", m.Code))
		}
	default:
		r.fatalLocked(beamerr.Protocolf(r.sessionID, "unexpected message %T in state %s", msg, r.state))
	}
}

func (r *Receiver) handleHelloLocked(m wire.Hello) {
	if r.state != StateHandshake {
		r.fatalLocked(beamerr.Protocolf(r.sessionID, "hello in state %s", r.state))
		return
	}
	if m.Party == wire.PartyReceiver {
		// Someone else is already receiving on this channel.
		r.writeLocked(wire.Error{Code: wire.ErrCodeInvalidParty})
		r.fatalLocked(beamerr.InvalidPartyf(r.sessionID, "another receiver is on the channel"))
		return
	}
	if m.Party != wire.PartySender {
		r.writeLocked(wire.Error{Code: wire.ErrCodeInvalidParty})
		r.fatalLocked(beamerr.InvalidPartyf(r.sessionID, "unknown party %d", m.Party))
		return
	}
	if m.Version != wire.ProtoVersion {
		r.fatalLocked(beamerr.Protocolf(m.SessionID, "unsupported protocol version %d", m.Version))
		return
	}

	r.sessionID = m.SessionID
	r.fileName = m.FileName
	r.fileSize = m.FileSize
	r.mimeType = m.MimeType
	r.totalChunks = int(m.TotalChunks)
	r.chunkSize = m.ChunkSize

	r.writeLocked(wire.Ack{SessionID: r.sessionID, Seq: r.nextSeqLocked()})
	r.opts.Callbacks.handshake(r.sessionID)
	saveSnapshot(r.opts.Logger, r.opts.Sessions, sessionstore.RoleReceiver,
		r.prog.snapshot(r.sessionID, r.fileName, r.fileSize, 0, r.totalChunks))
	// Still HANDSHAKE: the transfer starts on the sender's responding ack.
}

func (r *Receiver) handleAckLocked(m wire.Ack) {
	if m.SessionID != r.sessionID || r.sessionID == "" {
		r.fatalLocked(beamerr.Protocolf(r.sessionID, "ack for wrong session %q", m.SessionID))
		return
	}
	if r.state != StateHandshake {
		r.fatalLocked(beamerr.Protocolf(r.sessionID, "ack in state %s", r.state))
		return
	}

	r.state = StateTransfer
	if r.totalChunks == 0 {
		r.completeLocked()
		return
	}
	r.cursor = 0
	r.writeLocked(wire.Pull{SessionID: r.sessionID, Seq: r.nextSeqLocked(), ChunkIndex: 0})
}

func (r *Receiver) handleDataLocked(m wire.Data) {
	if m.SessionID != r.sessionID || r.sessionID == "" {
		r.fatalLocked(beamerr.Protocolf(r.sessionID, "data for wrong session %q", m.SessionID))
		return
	}
	if r.state != StateTransfer {
		r.fatalLocked(beamerr.Protocolf(r.sessionID, "data in state %s", r.state))
		return
	}

	idx := int(m.ChunkIndex)
	if idx < 0 || idx >= r.totalChunks {
		r.fatalLocked(beamerr.InvalidChunkf(r.sessionID, "chunk index %d out of range [0,%d)", idx, r.totalChunks))
		return
	}
	if len(m.Payload) == 0 {
		r.fatalLocked(beamerr.InvalidChunkf(r.sessionID, "empty payload for chunk %d", idx))
		return
	}

	if _, dup := r.table[idx]; !dup {
		r.prog.add(len(m.Payload))
	}
	r.table[idx] = m.Payload

	r.opts.Callbacks.chunk(idx, r.totalChunks)
	snap := r.prog.snapshot(r.sessionID, r.fileName, r.fileSize, idx+1, r.totalChunks)
	r.opts.Callbacks.progress(snap)
	saveSnapshot(r.opts.Logger, r.opts.Sessions, sessionstore.RoleReceiver, snap)

	if m.NextChunkIndex == -1 {
		r.completeLocked()
		return
	}
	r.cursor = int(m.NextChunkIndex)
	r.writeLocked(wire.Pull{SessionID: r.sessionID, Seq: r.nextSeqLocked(), ChunkIndex: m.NextChunkIndex})
}

// completeLocked verifies the chunk table is dense and the assembled size
// matches the sender's claim, then hands the file to the caller.
func (r *Receiver) completeLocked() {
	chunks := make([][]byte, r.totalChunks)
	for i := 0; i < r.totalChunks; i++ {
		c, ok := r.table[i]
		if !ok {
			r.fatalLocked(beamerr.InvalidChunkf(r.sessionID, "chunk %d missing at completion", i))
			return
		}
		chunks[i] = c
	}

	f := chunker.Assemble(chunks, r.fileName, r.mimeType)
	if uint64(len(f.Data)) != r.fileSize {
		r.fatalLocked(beamerr.InvalidChunkf(r.sessionID, "assembled %d bytes, sender claimed %d", len(f.Data), r.fileSize))
		return
	}

	r.state = StateDone
	r.reader.Stop()
	r.opts.Callbacks.done(f)
	r.settleLocked(f, nil)
}

func (r *Receiver) handleReadError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return
	}
	r.fatalLocked(beamerr.ConnectionLostf(r.sessionID, "reader failed: %v", err))
}

func (r *Receiver) fatalLocked(err error) {
	if r.state.terminal() {
		return
	}
	r.state = StateError
	r.reader.Stop()
	r.opts.Callbacks.fail(err)
	r.settleLocked(chunker.File{}, err)
}

func (r *Receiver) settleLocked(f chunker.File, err error) {
	if r.settled {
		return
	}
	r.settled = true
	r.result <- receiveResult{file: f, err: err}
}

func (r *Receiver) duplicateLocked(msg wire.Message) bool {
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
		return false
	}
	if r.seenPeer && seq <= r.remoteSeq {
		return true
	}
	r.seenPeer = true
	r.remoteSeq = seq
	return false
}

func (r *Receiver) nextSeqLocked() uint32 {
	seq := r.localSeq
	r.localSeq++
	return seq
}

func (r *Receiver) writeLocked(msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		r.fatalLocked(err)
		return
	}
	if err := r.writer.Write(context.Background(), frame); err != nil {
		r.fatalLocked(beamerr.ConnectionLostf(r.sessionID, "write failed: %v", err))
	}
}

func (r *Receiver) write(ctx context.Context, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return r.writer.Write(ctx, frame)
}
