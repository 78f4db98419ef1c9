package transfer

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/toncenter/ton-wallet-engine/engine/models"
)

// FinalizeFunc registers a background task that keeps holding the address
// lock after the main task returns. Used to confirm a broadcast without
// making the caller wait for it.
type FinalizeFunc func(background func())

// Gate serializes transfers per (network, address): concurrent submissions
// from one wallet would race for the same seqno.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
	log     *logrus.Logger
}

type gateEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewGate(log *logrus.Logger) *Gate {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gate{
		entries: make(map[string]*gateEntry),
		log:     log,
	}
}

func (g *Gate) acquire(ctx context.Context, key string) (*gateEntry, error) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok {
		entry = &gateEntry{sem: semaphore.NewWeighted(1)}
		g.entries[key] = entry
	}
	entry.refs++
	g.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		g.release(key, entry, false)
		return nil, err
	}
	return entry, nil
}

func (g *Gate) release(key string, entry *gateEntry, held bool) {
	if held {
		entry.sem.Release(1)
	}
	g.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(g.entries, key)
	}
	g.mu.Unlock()
}

// Run executes the task under the address lock. The task may register a
// background finalizer; the lock is then held until the finalizer finishes,
// but Run returns as soon as the task itself does. The task's error is
// returned either way.
func (g *Gate) Run(
	ctx context.Context,
	network models.Network,
	address string,
	task func(finalize FinalizeFunc) error,
) error {
	key := string(network) + ":" + address
	entry, err := g.acquire(ctx, key)
	if err != nil {
		return err
	}

	var background func()
	finalize := func(fn func()) { background = fn }

	err = func() error {
		defer func() {
			if r := recover(); r != nil {
				background = nil
				g.release(key, entry, true)
				panic(r)
			}
		}()
		return task(finalize)
	}()

	if background == nil {
		g.release(key, entry, true)
		return err
	}

	go func() {
		defer g.release(key, entry, true)
		defer func() {
			if r := recover(); r != nil {
				g.log.WithField("address", address).Errorf("transfer finalizer panic: %v", r)
			}
		}()
		background()
	}()
	return err
}

// RunWithResult is Run for tasks that produce a value.
func RunWithResult[T any](
	g *Gate,
	ctx context.Context,
	network models.Network,
	address string,
	task func(finalize FinalizeFunc) (T, error),
) (T, error) {
	var result T
	err := g.Run(ctx, network, address, func(finalize FinalizeFunc) error {
		var taskErr error
		result, taskErr = task(finalize)
		return taskErr
	})
	return result, err
}
