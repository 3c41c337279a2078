package engine

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"beam/internal/beamerr"
	"beam/internal/chunker"
	"beam/internal/chunkstore"
	"beam/internal/sessionstore"
	"beam/internal/transport"
	"beam/internal/wire"
)

type recvOut struct {
	f   chunker.File
	err error
}

// frameLog is a silent third screen on the bus that records every frame it
// can decode.
type frameLog struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (l *frameLog) attach(bus *transport.Bus) {
	ep := bus.Endpoint()
	ep.Start(func(f string) {
		if m, err := wire.Decode(f); err == nil {
			l.mu.Lock()
			l.msgs = append(l.msgs, m)
			l.mu.Unlock()
		}
	}, nil)
}

func (l *frameLog) pulls() []int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int32
	for _, m := range l.msgs {
		if p, ok := m.(wire.Pull); ok {
			out = append(out, p.ChunkIndex)
		}
	}
	return out
}

func (l *frameLog) dataCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if _, ok := m.(wire.Data); ok {
			n++
		}
	}
	return n
}

func (l *frameLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

type fakeChunkStore struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
	failPut bool
}

func (f *fakeChunkStore) Put(name string, size uint64, mime string, chunkSize uint32, chunks [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, name)
	if f.failPut {
		return fakeErr("store unavailable")
	}
	return nil
}

func (f *fakeChunkStore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// transfer runs one full sender/receiver exchange over a fresh bus.
func transfer(t *testing.T, f chunker.File, chunkSize int, senderOpts SenderOptions, recvOpts ReceiverOptions) (error, recvOut, *frameLog) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := transport.NewBus()
	log := &frameLog{}
	log.attach(bus)

	rEP := bus.Endpoint()
	recv := NewReceiver(rEP, rEP, recvOpts)
	out := make(chan recvOut, 1)
	go func() {
		got, err := recv.Receive(ctx)
		out <- recvOut{got, err}
	}()

	// The receiver must be on the air before the sender's hello.
	time.Sleep(50 * time.Millisecond)

	sEP := bus.Endpoint()
	senderOpts.ChunkSize = chunkSize
	snd := NewSender(sEP, sEP, senderOpts)
	sendErr := snd.Send(ctx, f)

	select {
	case res := <-out:
		return sendErr, res, log
	case <-time.After(4 * time.Second):
		t.Fatalf("receiver did not finish")
		return nil, recvOut{}, nil
	}
}

func TestTransfer_Text(t *testing.T) {
	content := "Hello World! This is a test file for Beam transfer."
	sess := sessionstore.NewMemoryStore()

	var handshakes, dones int
	var mu sync.Mutex
	cb := Callbacks{
		OnHandshake: func(string) { mu.Lock(); handshakes++; mu.Unlock() },
		OnDone:      func(chunker.File) { mu.Lock(); dones++; mu.Unlock() },
	}

	sendErr, res, _ := transfer(t,
		chunker.File{Name: "test.txt", Mime: "text/plain", Data: []byte(content)}, 10,
		SenderOptions{Callbacks: cb, Sessions: sess},
		ReceiverOptions{Callbacks: cb, Sessions: sess})

	if sendErr != nil {
		t.Fatalf("send: %v", sendErr)
	}
	if res.err != nil {
		t.Fatalf("receive: %v", res.err)
	}
	if res.f.Name != "test.txt" || res.f.Mime != "text/plain" {
		t.Fatalf("metadata: %+v", res.f)
	}
	if len(res.f.Data) != 51 || string(res.f.Data) != content {
		t.Fatalf("content mismatch: %q", res.f.Data)
	}

	mu.Lock()
	defer mu.Unlock()
	if handshakes != 2 || dones != 2 {
		t.Fatalf("handshakes=%d dones=%d, want 2 and 2", handshakes, dones)
	}

	snap, ok, err := sess.Last(sessionstore.RoleReceiver)
	if err != nil || !ok {
		t.Fatalf("receiver snapshot: ok=%v err=%v", ok, err)
	}
	if snap.PercentComplete != 100 || snap.CurrentChunk != snap.TotalChunks {
		t.Fatalf("final snapshot: %+v", snap)
	}
	if snap.BytesTransferred != 51 {
		t.Fatalf("bytes transferred: %d", snap.BytesTransferred)
	}
}

func TestTransfer_EmptyFile(t *testing.T) {
	sendErr, res, log := transfer(t,
		chunker.File{Name: "empty.txt", Mime: "text/plain"}, 10,
		SenderOptions{}, ReceiverOptions{})

	if sendErr != nil || res.err != nil {
		t.Fatalf("send=%v receive=%v", sendErr, res.err)
	}
	if len(res.f.Data) != 0 {
		t.Fatalf("received %d bytes from an empty file", len(res.f.Data))
	}
	if n := log.dataCount(); n != 0 {
		t.Fatalf("%d DATA frames for an empty file", n)
	}
}

func TestTransfer_MultiChunk_PullOrdering(t *testing.T) {
	content := strings.Repeat("A", 250)
	sendErr, res, log := transfer(t,
		chunker.File{Name: "big.txt", Mime: "text/plain", Data: []byte(content)}, 10,
		SenderOptions{}, ReceiverOptions{})

	if sendErr != nil || res.err != nil {
		t.Fatalf("send=%v receive=%v", sendErr, res.err)
	}
	if string(res.f.Data) != content {
		t.Fatalf("content mismatch")
	}

	waitFor(t, func() bool { return log.dataCount() == 25 })

	pulls := log.pulls()
	if len(pulls) != 25 {
		t.Fatalf("%d pulls, want 25", len(pulls))
	}
	for i, p := range pulls {
		if int(p) != i {
			t.Fatalf("pull sequence broken at %d: %v", i, pulls)
		}
	}
}

func TestTransfer_Binary(t *testing.T) {
	payload := []byte{0, 1, 2, 3, 255, 254, 253, 252, 128, 127}
	sendErr, res, log := transfer(t,
		chunker.File{Name: "blob.bin", Mime: "application/octet-stream", Data: payload}, 10,
		SenderOptions{}, ReceiverOptions{})

	if sendErr != nil || res.err != nil {
		t.Fatalf("send=%v receive=%v", sendErr, res.err)
	}
	if !bytes.Equal(res.f.Data, payload) {
		t.Fatalf("bytes differ: %v", res.f.Data)
	}
	waitFor(t, func() bool { return log.dataCount() == 1 })
}

func TestCollision_SecondReceiver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := transport.NewBus()
	e1 := bus.Endpoint()
	e2 := bus.Endpoint()

	r1 := NewReceiver(e1, e1, ReceiverOptions{})
	r2 := NewReceiver(e2, e2, ReceiverOptions{})

	out1 := make(chan recvOut, 1)
	go func() {
		f, err := r1.Receive(ctx)
		out1 <- recvOut{f, err}
	}()
	time.Sleep(50 * time.Millisecond)

	out2 := make(chan recvOut, 1)
	go func() {
		f, err := r2.Receive(ctx)
		out2 <- recvOut{f, err}
	}()

	for i, ch := range []chan recvOut{out1, out2} {
		select {
		case res := <-ch:
			if beamerr.CodeOf(res.err) != beamerr.CodeInvalidParty {
				t.Fatalf("receiver %d: want INVALID_PARTY, got %v", i+1, res.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("receiver %d did not fail", i+1)
		}
	}

	// A sender joining the wreckage finds no receiver and never completes.
	sEP := bus.Endpoint()
	snd := NewSender(sEP, sEP, SenderOptions{})
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- snd.Send(ctx, chunker.File{Name: "f.txt", Mime: "text/plain", Data: []byte("data")})
	}()
	time.Sleep(100 * time.Millisecond)
	if st := snd.State(); st == StateDone {
		t.Fatalf("sender completed with no receiver")
	}
	snd.Cancel()
	if err := <-sendDone; beamerr.CodeOf(err) != beamerr.CodeCancelled {
		t.Fatalf("cancelled sender returned %v", err)
	}
}

func TestCancel_DuringHandshake(t *testing.T) {
	ctx := context.Background()

	// Unconnected buses: both engines hang in handshake until cancelled.
	sBus := transport.NewBus()
	rBus := transport.NewBus()
	sEP := sBus.Endpoint()
	rEP := rBus.Endpoint()

	var errEvents int
	var mu sync.Mutex
	cb := Callbacks{OnError: func(error) { mu.Lock(); errEvents++; mu.Unlock() }}

	snd := NewSender(sEP, sEP, SenderOptions{ChunkSize: 10, Callbacks: cb})
	recv := NewReceiver(rEP, rEP, ReceiverOptions{Callbacks: cb})

	sendDone := make(chan error, 1)
	recvDone := make(chan recvOut, 1)
	go func() {
		sendDone <- snd.Send(ctx, chunker.File{Name: "c.txt", Data: []byte(strings.Repeat("A", 1000))})
	}()
	go func() {
		f, err := recv.Receive(ctx)
		recvDone <- recvOut{f, err}
	}()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		snd.Cancel()
		recv.Cancel()
	}

	if err := <-sendDone; beamerr.CodeOf(err) != beamerr.CodeCancelled {
		t.Fatalf("sender: want CANCELLED, got %v", err)
	}
	res := <-recvDone
	if beamerr.CodeOf(res.err) != beamerr.CodeCancelled {
		t.Fatalf("receiver: want CANCELLED, got %v", res.err)
	}

	if snd.State() != StateCancelled || recv.State() != StateCancelled {
		t.Fatalf("states: sender=%s receiver=%s", snd.State(), recv.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if errEvents != 0 {
		t.Fatalf("cancel emitted %d error events", errEvents)
	}
}

func TestSender_StoresAndDeletesChunks(t *testing.T) {
	store := &fakeChunkStore{}
	sendErr, res, _ := transfer(t,
		chunker.File{Name: "kept.txt", Mime: "text/plain", Data: []byte("some data here")}, 10,
		SenderOptions{Chunks: store}, ReceiverOptions{})

	if sendErr != nil || res.err != nil {
		t.Fatalf("send=%v receive=%v", sendErr, res.err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.puts) != 1 || store.puts[0] != "kept.txt" {
		t.Fatalf("puts: %v", store.puts)
	}
	if len(store.deletes) != 1 || store.deletes[0] != "kept.txt" {
		t.Fatalf("deletes: %v", store.deletes)
	}
}

func TestSender_ChunkStoreFailureIsNotFatal(t *testing.T) {
	store := &fakeChunkStore{failPut: true}
	sendErr, res, _ := transfer(t,
		chunker.File{Name: "x.txt", Mime: "text/plain", Data: []byte("payload")}, 10,
		SenderOptions{Chunks: store}, ReceiverOptions{})

	if sendErr != nil || res.err != nil {
		t.Fatalf("transfer failed on a chunk store error: send=%v receive=%v", sendErr, res.err)
	}
}

func TestSendResumable_EndToEnd(t *testing.T) {
	data := []byte(strings.Repeat("B", 95))
	entry := chunkstore.Entry{
		FileName:  "resume.txt",
		FileSize:  95,
		MimeType:  "text/plain",
		ChunkSize: 10,
		Chunks:    chunker.Split(data, 10),
	}
	entry.TotalChunks = uint32(len(entry.Chunks))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := transport.NewBus()
	rEP := bus.Endpoint()
	recv := NewReceiver(rEP, rEP, ReceiverOptions{})
	out := make(chan recvOut, 1)
	go func() {
		f, err := recv.Receive(ctx)
		out <- recvOut{f, err}
	}()
	time.Sleep(50 * time.Millisecond)

	sEP := bus.Endpoint()
	snd := NewSender(sEP, sEP, SenderOptions{ChunkSize: 10})
	if err := snd.SendResumable(ctx, entry); err != nil {
		t.Fatalf("resumable send: %v", err)
	}

	res := <-out
	if res.err != nil {
		t.Fatalf("receive: %v", res.err)
	}
	if !bytes.Equal(res.f.Data, data) || res.f.Name != "resume.txt" {
		t.Fatalf("resumed transfer mismatch: %q %q", res.f.Name, res.f.Data)
	}
}

func TestSendResumable_RejectsCorruptEntry(t *testing.T) {
	entry := chunkstore.Entry{
		FileName:  "rot.txt",
		FileSize:  50,
		ChunkSize: 10,
		// middle chunk has the wrong length
		Chunks: [][]byte{bytes.Repeat([]byte{1}, 10), {2}, bytes.Repeat([]byte{3}, 10)},
	}

	bus := transport.NewBus()
	log := &frameLog{}
	log.attach(bus)

	sEP := bus.Endpoint()
	snd := NewSender(sEP, sEP, SenderOptions{ChunkSize: 10})
	err := snd.SendResumable(context.Background(), entry)
	if beamerr.CodeOf(err) != beamerr.CodeSessionExpired {
		t.Fatalf("want SESSION_EXPIRED, got %v", err)
	}
	if snd.State() != StateIdle {
		t.Fatalf("sender left idle state: %s", snd.State())
	}

	time.Sleep(20 * time.Millisecond)
	if n := log.total(); n != 0 {
		t.Fatalf("%d frames hit the wire before validation", n)
	}
}

func TestCancel_BeforeStartIsTerminal(t *testing.T) {
	bus := transport.NewBus()
	ep := bus.Endpoint()
	snd := NewSender(ep, ep, SenderOptions{})
	snd.Cancel()
	snd.Cancel()
	if snd.State() != StateCancelled {
		t.Fatalf("state = %s", snd.State())
	}
	if err := snd.Send(context.Background(), chunker.File{Name: "x"}); err == nil {
		t.Fatalf("send succeeded on a cancelled engine")
	}
}
