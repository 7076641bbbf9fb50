package invocation

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

// GenerationStream is a pull-based fragment sequence for one streaming
// invocation. Fragments are produced lazily: the producer blocks until
// the consumer calls Recv, so nothing is buffered ahead of the reader.
//
// Recv returns io.EOF after the terminal fragment of a completed stream.
// A failed stream ends with the failure as the terminal element instead.
type GenerationStream struct {
	fragments chan ai.StreamFragment
	cancel    context.CancelFunc
	err       error
	closeOnce sync.Once
}

// Recv blocks for the next fragment. After the sequence ends it returns
// io.EOF on success or the terminating error on failure, on every
// subsequent call.
func (s *GenerationStream) Recv() (ai.StreamFragment, error) {
	frag, ok := <-s.fragments
	if !ok {
		if s.err != nil {
			return ai.StreamFragment{}, s.err
		}
		return ai.StreamFragment{}, io.EOF
	}
	return frag, nil
}

// Close abandons the stream and releases the producer. Safe to call more
// than once and after the stream has ended.
func (s *GenerationStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// GenerateStream starts one streaming generation call. Failover between
// adapters happens only while no fragment has been emitted; once the
// consumer has observed output, a failure terminates the stream rather
// than silently switching adapters, which could duplicate or drop
// content.
func (o *Orchestrator) GenerateStream(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*GenerationStream, error) {
	if err := validateMessages(messages); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &GenerationStream{
		fragments: make(chan ai.StreamFragment),
		cancel:    cancel,
	}

	go o.runStream(streamCtx, stream, messages, opts)

	return stream, nil
}

func (o *Orchestrator) runStream(ctx context.Context, stream *GenerationStream, messages []ai.Message, opts ai.GenerationOptions) {
	var finalErr error
	defer func() {
		stream.err = finalErr
		close(stream.fragments)
	}()

	var lastErr error
	var lastAdapter string

	for i, adapter := range o.adapterOrder() {
		if i > 0 {
			logrus.WithFields(logrus.Fields{
				"from":  lastAdapter,
				"to":    adapter.Name(),
				"error": lastErr.Error(),
			}).Warn("Failing over to next adapter for stream")
		}

		emitted, err := o.attemptAdapterStream(ctx, stream, adapter, messages, opts)
		if err == nil {
			return
		}
		if emitted || ctx.Err() != nil {
			// Mid-stream failure or consumer cancellation: terminal.
			finalErr = err
			return
		}
		if ai.IsValidation(err) {
			finalErr = err
			return
		}

		lastErr = err
		lastAdapter = adapter.Name()
	}

	finalErr = &ai.ExhaustedError{Adapter: lastAdapter, Err: lastErr}
}

// attemptAdapterStream mirrors the non-streaming retry ladder, with one
// extra rule: an attempt that already delivered fragments must not be
// re-attempted, on this adapter or any other.
func (o *Orchestrator) attemptAdapterStream(ctx context.Context, stream *GenerationStream, adapter ai.Backend, messages []ai.Message, opts ai.GenerationOptions) (bool, error) {
	var lastErr error

	for attempt := 0; attempt <= o.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := o.retryWait(lastErr)
			logrus.WithFields(logrus.Fields{
				"adapter": adapter.Name(),
				"attempt": attempt + 1,
				"wait":    wait,
			}).Info("Retrying stream adapter after delay")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		emitted, err := o.streamOnce(ctx, stream, adapter, messages, opts)
		if err == nil {
			return true, nil
		}
		if emitted {
			return true, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		lastErr = err
		logrus.WithFields(logrus.Fields{
			"adapter": adapter.Name(),
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Stream attempt failed before first fragment")

		if !ai.IsRetryable(err) {
			break
		}
	}

	return false, lastErr
}

// streamOnce runs a single streaming attempt. The per-attempt timeout
// bounds the window up to the first emitted fragment; a committed stream
// is time-unbounded and ends only on completion, failure or consumer
// cancellation. Adapters without stream capability are served by
// synthesizing one terminal fragment from the non-streaming call.
func (o *Orchestrator) streamOnce(ctx context.Context, stream *GenerationStream, adapter ai.Backend, messages []ai.Message, opts ai.GenerationOptions) (bool, error) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	var emitted atomic.Bool
	timer := time.AfterFunc(o.config.AttemptTimeout, func() {
		if !emitted.Load() {
			cancelAttempt()
		}
	})
	defer timer.Stop()

	sawDone := false
	lastContent := ""
	emit := func(frag ai.StreamFragment) error {
		if frag.Done {
			if sawDone {
				return nil
			}
			sawDone = true
		}
		select {
		case stream.fragments <- frag:
			emitted.Store(true)
			timer.Stop()
			lastContent = frag.Content
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	if streaming, ok := adapter.(ai.StreamingBackend); ok {
		err = streaming.GenerateStream(attemptCtx, messages, opts, emit)
	} else {
		var result *ai.GenerationResult
		result, err = adapter.GenerateText(attemptCtx, messages, opts)
		if err == nil {
			err = emit(ai.StreamFragment{Content: result.Content, Delta: result.Content, Done: true, Usage: result.Usage})
		}
	}

	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil && !emitted.Load() && !ai.IsTimeout(err) {
			return false, &ai.ProviderError{Adapter: adapter.Name(), Timeout: true, Err: err}
		}
		return emitted.Load(), err
	}

	if !sawDone {
		// The adapter finished without a terminal fragment; a sequence
		// must contain exactly one.
		if err := emit(ai.StreamFragment{Content: lastContent, Done: true}); err != nil {
			return emitted.Load(), err
		}
	}
	return emitted.Load(), nil
}
