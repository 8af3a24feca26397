package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays raw bytes between left and right until either side
// closes, then tears both sockets down. The relay is byte-exact in both
// directions; nothing is buffered beyond the copy chunk or inspected.
//
// When one direction finishes cleanly, the other gets at most drainTimeout to
// keep flushing before both sockets are closed, so the caller is guaranteed
// to get control back even if the remaining peer hangs. An error in either
// direction, or ctx being canceled, closes both sockets immediately.
func CopyBidirectional(ctx context.Context, left, right net.Conn, drainTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	var drainOnce sync.Once
	drain := func() {
		drainOnce.Do(func() {
			if drainTimeout <= 0 {
				closeBoth()
				return
			}
			dl := time.Now().Add(drainTimeout)
			_ = left.SetDeadline(dl)
			_ = right.SetDeadline(dl)
		})
	}

	// Closing both sockets is the only cancellation mechanism; it unblocks
	// any pending Read or Write.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		defer drain()
		buf := relayBuffers.Get()
		defer relayBuffers.Put(buf)
		_, err := io.CopyBuffer(left, right, buf)
		return err
	})

	g.Go(func() error {
		defer drain()
		buf := relayBuffers.Get()
		defer relayBuffers.Put(buf)
		_, err := io.CopyBuffer(right, left, buf)
		return err
	})

	return g.Wait()
}
