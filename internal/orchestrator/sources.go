package orchestrator

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/turtacn/vboxhalt/internal/platform"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

// SignalSource maps process signals to events: SIGHUP asks to end the
// session, SIGINT and SIGTERM close the daemon.
type SignalSource struct{}

func (SignalSource) Name() string { return "signals" }

func (SignalSource) Start(ctx context.Context, post func(Event) bool) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					logger.Log.Info("Signal: SIGHUP received. Stopping running machines.")
					post(Event{Kind: EventQueryEndSession})
				default:
					logger.Log.Info("Signal: Stop received. Shutting down.", "signal", sig.String())
					post(Event{Kind: EventClose})
				}
			}
		}
	}()
	return nil
}

// LogindSource turns logind shutdown notifications into queries. It keeps a
// delay lock armed so there is time to see the query; the query's Ack
// releases it and a cancelled shutdown re-arms it.
type LogindSource struct {
	Watcher platform.ShutdownWatcher
	Reason  string
}

func (s *LogindSource) Name() string { return "logind" }

func (s *LogindSource) Start(ctx context.Context, post func(Event) bool) error {
	prep, err := s.Watcher.PrepareForShutdown(ctx.Done())
	if err != nil {
		return err
	}
	lock, err := s.Watcher.Inhibit(s.Reason)
	if err != nil {
		return err
	}
	go s.loop(ctx, prep, lock, post)
	return nil
}

func (s *LogindSource) loop(ctx context.Context, prep <-chan bool, lock io.Closer, post func(Event) bool) {
	log := logger.Log.With("component", "logind")

	var mu sync.Mutex
	held := lock
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			return
		}
		if err := held.Close(); err != nil {
			log.Warn("Failed to release delay lock", "err", err)
		}
		held = nil
	}
	defer release()

	for {
		select {
		case <-ctx.Done():
			return
		case active, ok := <-prep:
			if !ok {
				return
			}
			if active {
				log.Info("System shutdown announced")
				if !post(Event{Kind: EventQueryEndSession, Ack: release}) {
					release()
				}
				continue
			}
			log.Info("System shutdown cancelled, re-arming")
			mu.Lock()
			if held == nil {
				l, err := s.Watcher.Inhibit(s.Reason)
				if err != nil {
					log.Error("Failed to re-arm delay lock", "err", err)
				} else {
					held = l
				}
			}
			mu.Unlock()
		}
	}
}

// SessionSource forwards window-system session messages. The query is
// acknowledged once the engine answers it; the final session end once the
// machines are stopped.
type SessionSource struct {
	Watcher platform.SessionWatcher
}

func (s *SessionSource) Name() string { return "session" }

func (s *SessionSource) Start(ctx context.Context, post func(Event) bool) error {
	notices := s.Watcher.Sessions()
	if notices == nil {
		return platform.ErrUnsupported
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-notices:
				kind := EventQueryEndSession
				if n.Ending {
					kind = EventEndSession
				}
				logger.Log.Info("Session message received", "event", kind)
				if !post(Event{Kind: kind, Ack: n.Ack}) && n.Ack != nil {
					n.Ack()
				}
			}
		}
	}()
	return nil
}

// Personal.AI order the ending
