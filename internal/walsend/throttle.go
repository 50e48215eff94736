// Copyright (c) 2025 CoreDB. All rights reserved.
// Use of this source code is governed by the CoreDB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package walsend

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps how many bytes a single throttled write may release at
// once. It is a fixed 256KiB and does not follow Senders.MaxBatchBytes
// (default 128kb).
const maxBurstSize = 256 * 1024

// ThrottledWriter rate-limits a downstream io.Writer to bytesPerSec,
// splitting oversized writes into burst-sized chunks so a single huge batch
// cannot reserve the whole bucket at once.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a token-bucket rate limiter. A
// bytesPerSec <= 0 disables throttling entirely (returns w unchanged),
// matching the "0 = unlimited" convention used throughout Config.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write sends p through the rate limiter, blocking as needed to stay within
// the configured rate.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
