package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"beam/internal/chunker"
	"beam/internal/chunkstore"
	"beam/internal/config"
	"beam/internal/engine"
	"beam/internal/fsutil"
	"beam/internal/sessionstore"
	"beam/internal/transport"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.FromFlags()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	store, err := chunkstore.Open(cfg.StorePath)
	if err != nil {
		logger.Fatalf("open chunk store: %v", err)
	}
	defer store.Close()

	sessions := openSessionStore(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch args[0] {
	case "store":
		if err := runStore(logger, store, cfg, args[1:]); err != nil {
			logger.Fatalf("store: %v", err)
		}
	case "selftest":
		if err := runSelftest(ctx, logger, store, sessions, cfg, args[1:]); err != nil {
			logger.Fatalf("selftest: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: beam [flags] <command>

commands:
  store list             list resumable chunk store entries
  store stats            chunk store totals
  store evict            apply the configured eviction policy
  store delete NAME      drop one entry
  selftest FILE [OUT]    transfer FILE sender->receiver over the loopback bus`)
	flag.PrintDefaults()
}

func openSessionStore(cfg config.Config) sessionstore.Store {
	if cfg.RedisAddr == "" {
		return sessionstore.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return sessionstore.NewRedisStore(client)
}

func runStore(logger *log.Logger, store *chunkstore.Store, cfg config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing store subcommand")
	}
	switch args[0] {
	case "list":
		names, err := store.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "stats":
		st, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("entries=%d total_bytes=%d\n", st.Count, st.TotalBytes)
		if st.Count > 0 {
			fmt.Printf("oldest=%s newest=%s\n",
				st.OldestCreated.Format(time.RFC3339), st.NewestCreated.Format(time.RFC3339))
		}
		return nil
	case "evict":
		n, err := store.Evict(chunkstore.EvictPolicy{
			MaxAge:     cfg.EvictMaxAge,
			MaxEntries: cfg.EvictMaxEntries,
		})
		if err != nil {
			return err
		}
		logger.Printf("evicted %d entries", n)
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("store delete needs a name")
		}
		return store.Delete(args[1])
	default:
		return fmt.Errorf("unknown store subcommand %q", args[0])
	}
}

// runSelftest pushes a real file through both engines joined by the loopback
// bus and verifies the bytes made it over intact.
func runSelftest(ctx context.Context, logger *log.Logger, store *chunkstore.Store,
	sessions sessionstore.Store, cfg config.Config, args []string) error {

	if len(args) == 0 {
		return fmt.Errorf("selftest needs a file")
	}
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	bus := transport.NewBus()
	recvEP := bus.Endpoint()
	sendEP := bus.Endpoint()

	recv := engine.NewReceiver(recvEP, recvEP, engine.ReceiverOptions{
		Logger:   logger,
		Sessions: sessions,
		Callbacks: engine.Callbacks{
			OnProgress: func(snap sessionstore.Snapshot) {
				logger.Printf("[receiver] %3.0f%% chunk %d/%d (%.0f B/s)",
					snap.PercentComplete, snap.CurrentChunk, snap.TotalChunks, snap.TransferSpeed)
			},
		},
	})

	type recvOut struct {
		f   chunker.File
		err error
	}
	got := make(chan recvOut, 1)
	go func() {
		f, err := recv.Receive(ctx)
		got <- recvOut{f, err}
	}()

	// Let the receiver come up before the sender's hello hits the bus.
	time.Sleep(100 * time.Millisecond)

	send := engine.NewSender(sendEP, sendEP, engine.SenderOptions{
		ChunkSize:       cfg.ChunkSize,
		SessionIDLength: cfg.SessionIDLength,
		Logger:          logger,
		Chunks:          store,
		Sessions:        sessions,
		Callbacks: engine.Callbacks{
			OnHandshake: func(sessionID string) {
				logger.Printf("[sender] handshake, session %s", sessionID)
			},
		},
	})

	start := time.Now()
	if err := send.Send(ctx, chunker.File{Name: name, Mime: mimeType, Data: data}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	out := <-got
	if out.err != nil {
		return fmt.Errorf("receive: %w", out.err)
	}
	if !bytes.Equal(out.f.Data, data) {
		return fmt.Errorf("received %d bytes that do not match the input", len(out.f.Data))
	}

	logger.Printf("transferred %d bytes in %s (%s, %s)", len(data), time.Since(start), name, mimeType)

	if len(args) > 1 {
		if err := fsutil.WriteAtomic(args[1], out.f.Data); err != nil {
			return err
		}
		logger.Printf("wrote %s", args[1])
	}
	return nil
}
