package transfer

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// ChunkFunc sends one chunk. data is only valid until it returns.
type ChunkFunc func(ctx context.Context, index int, data []byte) error

// StreamFile reads path in chunkSize pieces and hands them to send in order.
// The next chunk is read only after send returns, so at most one chunk is
// held in memory. pace may be nil.
func StreamFile(ctx context.Context, path string, chunkSize int, pace *rate.Limiter, send ChunkFunc) (int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if pace != nil {
				if err := pace.Wait(ctx); err != nil {
					return sent, err
				}
			}
			if err := send(ctx, sent, buf[:n]); err != nil {
				return sent, err
			}
			sent++
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if rerr != nil {
			return sent, rerr
		}
	}
}
