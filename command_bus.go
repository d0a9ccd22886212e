package main

import (
	"context"
	"errors"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// commandJob pairs a submitted command with the channel its caller is
// waiting on, the unit of work the writer goroutine and reader pool drain.
type commandJob struct {
	ctx    context.Context
	cmd    Command
	respCh chan commandResult
}

type commandResult struct {
	value any
	err   error
}

// CommandBus is C2: a single writer goroutine draining a channel plus a
// sizedwaitgroup-bounded pool of concurrent readers, so the many read-mostly
// lookups (ban checks, account fetches) never queue behind the far rarer
// writes (spec §4.2, §5).
type CommandBus struct {
	store *Store

	writeCh chan commandJob
	readers sizedwaitgroup.SizedWaitGroup

	retryBase time.Duration
	retryMax  time.Duration
	retries   int

	done chan struct{}
}

// NewCommandBus starts the writer goroutine. maxReaders bounds the number
// of concurrent read commands in flight; retries/retryBase/retryMax
// configure the bounded exponential backoff applied to transient store
// errors (spec §7: "transient store errors are retried a bounded number of
// times with exponential backoff before being surfaced to the caller").
func NewCommandBus(store *Store, maxReaders int, retries int, retryBase, retryMax time.Duration) *CommandBus {
	b := &CommandBus{
		store:     store,
		writeCh:   make(chan commandJob, 256),
		readers:   sizedwaitgroup.New(maxReaders),
		retryBase: retryBase,
		retryMax:  retryMax,
		retries:   retries,
		done:      make(chan struct{}),
	}
	go b.runWriter()
	return b
}

// Submit validates cmd, then routes it to the reader pool or the writer
// channel depending on CommandKind.readOnly, and blocks until a result (or
// ctx cancellation) arrives.
func (b *CommandBus) Submit(ctx context.Context, cmd Command) (any, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	job := commandJob{ctx: ctx, cmd: cmd, respCh: make(chan commandResult, 1)}

	if cmd.Kind().readOnly() {
		b.readers.Add()
		go func() {
			defer b.readers.Done()
			job.respCh <- b.runWithRetry(job)
		}()
	} else {
		select {
		case b.writeCh <- job:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, &CommandStoreError{Command: string(cmd.Kind()), Err: errors.New("command bus stopped")}
		}
	}

	select {
	case res := <-job.respCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runWriter is the bus's single writer: every mutating command passes
// through here one at a time, giving the store a single-writer guarantee
// without needing a database-level lock.
func (b *CommandBus) runWriter() {
	for {
		select {
		case job := <-b.writeCh:
			job.respCh <- b.runWithRetry(job)
		case <-b.done:
			return
		}
	}
}

// runWithRetry executes cmd against the store, retrying transient errors
// with jitter-free bounded exponential backoff and giving up after b.retries
// retries (b.retries+1 attempts in all).
func (b *CommandBus) runWithRetry(job commandJob) commandResult {
	backoff := b.retryBase
	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		value, err := job.cmd.execute(job.ctx, b.store)
		if err == nil {
			return commandResult{value: value}
		}
		lastErr = err

		var storeErr *CommandStoreError
		if !errors.As(err, &storeErr) || !storeErr.Transient || attempt == b.retries {
			break
		}

		logger.Warn("persistence command retrying after transient error",
			"command", job.cmd.Kind(), "attempt", attempt+1, "error", err)

		select {
		case <-time.After(backoff):
		case <-job.ctx.Done():
			return commandResult{err: job.ctx.Err()}
		}
		backoff *= 2
		if backoff > b.retryMax {
			backoff = b.retryMax
		}
	}
	return commandResult{err: lastErr}
}

// Close stops the writer loop and waits for in-flight readers to drain.
// Safe to call once during shutdown.
func (b *CommandBus) Close() {
	close(b.done)
	b.readers.Wait()
}
