package main

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

// ZMQFastPath is D1: an optional SUB-socket that watches the wallet's
// hashblock notifications and triggers an out-of-schedule GET_HEIGHT the
// moment a new block appears, instead of waiting for the next height-poll
// tick. Grounded on job_feed.go's zmqBlockLoop; health is tracked purely for
// observability and never gates correctness, since the height-poll ticker
// in WalletLink.runConnection keeps working regardless of ZMQ's state.
type ZMQFastPath struct {
	addr    string
	trigger chan struct{}
	healthy atomic.Bool
}

func NewZMQFastPath(addr string) *ZMQFastPath {
	return &ZMQFastPath{addr: addr, trigger: make(chan struct{}, 1)}
}

// Trigger fires (non-blocking) whenever the ZMQ watcher sees a new block,
// prompting the wallet link to poll GET_HEIGHT immediately instead of
// waiting out the rest of its interval.
func (z *ZMQFastPath) Trigger() <-chan struct{} { return z.trigger }

func (z *ZMQFastPath) Healthy() bool { return z.healthy.Load() }

func (z *ZMQFastPath) notify() {
	select {
	case z.trigger <- struct{}{}:
	default:
	}
}

// Run watches hashblock/rawblock notifications until ctx is cancelled,
// reconnecting on any socket error. A nil or empty addr disables the fast
// path entirely; the wallet link's own poll ticker is the only trigger.
func (z *ZMQFastPath) Run(ctx context.Context) {
	if z == nil || z.addr == "" {
		return
	}
	for ctx.Err() == nil {
		if err := z.runOnce(ctx); err != nil {
			z.healthy.Store(false)
			logger.Warn("zmq fast path disconnected", "addr", z.addr, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (z *ZMQFastPath) runOnce(ctx context.Context) error {
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	defer sub.Close()

	for _, topic := range []string{"hashblock", "rawblock"} {
		if err := sub.SetSubscribe(topic); err != nil {
			return err
		}
	}
	if err := sub.SetRcvtimeo(2 * time.Second); err != nil {
		return err
	}
	if err := sub.Connect(z.addr); err != nil {
		return err
	}

	z.healthy.Store(true)
	logger.Info("zmq fast path connected", "addr", z.addr)

	for {
		if ctx.Err() != nil {
			return nil
		}
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			eno := zmq4.AsErrno(err)
			if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
				continue
			}
			return err
		}
		if len(frames) < 2 {
			continue
		}
		switch string(frames[0]) {
		case "hashblock", "rawblock":
			z.notify()
		}
	}
}
