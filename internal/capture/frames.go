package capture

import (
	"context"
	"errors"
)

// errNoFrame is what a frame reader returns when its wait window passed with
// nothing to read.
var errNoFrame = errors.New("no frame ready")

// readFrames counts the UDP frames returned by read until ctx is done. read
// must return within a bounded time, reporting errNoFrame on an idle link,
// so cancellation is noticed without traffic.
func readFrames(ctx context.Context, read func([]byte) (int, error), c *Counter) error {
	cls := NewClassifier()
	buf := make([]byte, 1<<16)
	for ctx.Err() == nil {
		n, err := read(buf)
		if errors.Is(err, errNoFrame) {
			continue
		}
		if err != nil {
			return err
		}
		if cls.IsUDP(buf[:n]) {
			c.Add(1)
		}
	}
	return nil
}
