package impl

import (
	"context"
	"io"
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// RetryOptions bound the attempts of a store operation.
// Zero values are replaced by the defaults from interf.
type RetryOptions struct {
	MaxTries int           // attempts per operation (default interf.DefaultMaxTries)
	Delay    time.Duration // first backoff delay, doubled after every attempt
	MaxDelay time.Duration // backoff cap
	Timeout  time.Duration // per attempt; 0 = no timeout
	Clock    clock.Clock
	Logger   *zap.Logger

	// OnRetry is called after every failed transient attempt (can be nil).
	OnRetry func(store, op string, attempt int, err error)
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxTries < 1 {
		o.MaxTries = interf.DefaultMaxTries
	}
	if o.Delay <= 0 {
		o.Delay = interf.DefaultRetryDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = interf.DefaultMaxRetryDelay
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Retry runs fn until it succeeds, fails with a non transient error, the attempts are
// exhausted or ctx is done. Every attempt gets its own context with opts.Timeout.
// An attempt that runs into its own timeout counts as transient.
// Exhausted attempts are escalated to a KindPermanent StoreError.
func Retry(ctx context.Context, opts RetryOptions, store, op string, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			actx, cancel := attemptContext(ctx, opts.Timeout)
			defer cancel()

			err := fn(actx)
			if err != nil && ctx.Err() == nil && actx.Err() == context.DeadlineExceeded {
				err = &interf.StoreError{Store: store, Op: op, Kind: interf.KindTransient, Err: err}
			}
			lastErr = err
			return err
		},
		IsFatalError: func(err error) bool {
			return !interf.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			opts.Logger.Warn("store operation failed",
				zap.String("store", store),
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("maxTries", opts.MaxTries),
				zap.Error(err))
			if opts.OnRetry != nil {
				opts.OnRetry(store, op, attempt, err)
			}
		},
		Attempts:    opts.MaxTries,
		Delay:       opts.Delay,
		MaxDelay:    opts.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       opts.Clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return &interf.StoreError{
			Store: store,
			Op:    op,
			Kind:  interf.KindPermanent,
			Err:   errors.Annotatef(lastErr, "gave up after %d attempts", opts.MaxTries),
		}
	case retry.IsRetryStopped(err):
		cause := ctx.Err()
		if cause == nil {
			cause = lastErr
		}
		return &interf.StoreError{Store: store, Op: op, Kind: interf.KindPermanent, Err: cause}
	case lastErr != nil:
		return interf.NewStoreError(store, op, interf.KindPermanent, lastErr)
	default:
		return interf.NewStoreError(store, op, interf.KindPermanent, err)
	}
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

//--------------------------------------------------------------------------------------------------------------------//

// interface check: interf.Store
var _ interf.Store = (*_RetryStore)(nil)
var _ interf.RangeReader = (*_RetryRangeStore)(nil)

// _RetryStore wraps every operation of the inner store with Retry.
type _RetryStore struct {
	inner interf.Store
	opts  RetryOptions
}

// _RetryRangeStore is a _RetryStore whose inner store supports ranged reads.
type _RetryRangeStore struct {
	*_RetryStore
	ranges interf.RangeReader
}

// NewRetryStore wraps inner with bounded retries and per attempt timeouts.
// The result implements interf.RangeReader if inner does.
//
// Write can only be repeated if the reader is an io.Seeker (it is rewound to the
// position it had on the first attempt). Other readers get exactly one attempt.
func NewRetryStore(inner interf.Store, opts RetryOptions) interf.Store {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.Named("retry")
	rs := &_RetryStore{inner: inner, opts: opts}
	if rr, ok := inner.(interf.RangeReader); ok {
		return &_RetryRangeStore{_RetryStore: rs, ranges: rr}
	}
	return rs
}

// Unwrap returns the inner store.
func (s *_RetryStore) Unwrap() interf.Store {
	return s.inner
}

func (s *_RetryStore) Name() string {
	return s.inner.Name()
}

func (s *_RetryStore) Write(ctx context.Context, key string, r io.Reader, rec *interf.FileRecord) (interf.CopyInfo, error) {
	opts := s.opts
	seeker, ok := r.(io.Seeker)
	var start int64
	if ok {
		var err error
		if start, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			ok = false
		}
	}
	if !ok {
		opts.MaxTries = 1
	}

	var info interf.CopyInfo
	first := true
	err := Retry(ctx, opts, s.Name(), interf.OpWrite, func(actx context.Context) error {
		if !first {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return interf.NewStoreError(s.Name(), interf.OpWrite, interf.KindIO, err)
			}
		}
		first = false

		var err error
		info, err = s.inner.Write(actx, key, r, rec)
		return err
	})
	return info, err
}

func (s *_RetryStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.open(ctx, interf.OpRead, func(actx context.Context) (io.ReadCloser, error) {
		return s.inner.Read(actx, key)
	})
}

func (s *_RetryStore) Remove(ctx context.Context, key string) error {
	return Retry(ctx, s.opts, s.Name(), interf.OpRemove, func(actx context.Context) error {
		return s.inner.Remove(actx, key)
	})
}

func (s *_RetryStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := Retry(ctx, s.opts, s.Name(), interf.OpExists, func(actx context.Context) error {
		var err error
		ok, err = s.inner.Exists(actx, key)
		return err
	})
	return ok, err
}

func (s *_RetryRangeStore) ReadRange(ctx context.Context, key string, off int64) (io.ReadCloser, error) {
	return s.open(ctx, interf.OpRead, func(actx context.Context) (io.ReadCloser, error) {
		return s.ranges.ReadRange(actx, key, off)
	})
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// open retries opening a reader. The attempt timeout only covers the opening,
// the context of a successful attempt lives until the reader is closed.
func (s *_RetryStore) open(ctx context.Context, op string, fn func(ctx context.Context) (io.ReadCloser, error)) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := Retry(ctx, RetryOptions{
		MaxTries: s.opts.MaxTries,
		Delay:    s.opts.Delay,
		MaxDelay: s.opts.MaxDelay,
		Clock:    s.opts.Clock,
		Logger:   s.opts.Logger,
		OnRetry:  s.opts.OnRetry,
	}, s.Name(), op, func(_ context.Context) error {
		// derived from ctx, the attempt context ends with the attempt
		octx, cancel := context.WithCancel(ctx)
		var timer *time.Timer
		if s.opts.Timeout > 0 {
			timer = time.AfterFunc(s.opts.Timeout, cancel)
		}
		r, err := fn(octx)
		if timer != nil && !timer.Stop() && ctx.Err() == nil {
			if err == nil {
				_ = r.Close()
				err = errors.Timeoutf("opening %s", op)
			}
			err = &interf.StoreError{Store: s.Name(), Op: op, Kind: interf.KindTransient, Err: err}
		}
		if err != nil {
			cancel()
			return err
		}
		rc = &_CancelReadCloser{ReadCloser: r, cancel: cancel}
		return nil
	})
	return rc, err
}

// _CancelReadCloser releases the context of a read when the reader is closed.
type _CancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *_CancelReadCloser) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
