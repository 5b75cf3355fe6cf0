package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Middleware wraps an Analyzer with extra behaviour.
type Middleware func(Analyzer) Analyzer

// Chain applies mws to a in order, so the last middleware is the outermost.
func Chain(a Analyzer, mws ...Middleware) Analyzer {
	for _, mw := range mws {
		a = mw(a)
	}
	return a
}

type analysis struct {
	desc Description
	err  error
}

// WithTimeout bounds every call to d. A timed out call is an analysis failure.
// A non-positive d disables the bound.
func WithTimeout(d time.Duration) Middleware {
	return func(next Analyzer) Analyzer {
		if d <= 0 {
			return next
		}
		return Func(func(ctx context.Context, img ImageData) (Description, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			// providers that ignore ctx must not hold up the caller
			done := make(chan analysis, 1)
			go func() {
				desc, err := analyze(ctx, next, img)
				done <- analysis{desc, err}
			}()

			select {
			case r := <-done:
				return r.desc, r.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return Description{}, fmt.Errorf("%w: timed out after %s", models.ErrAnalysis, d)
				}
				return Description{}, fmt.Errorf("%w: %v", models.ErrAnalysis, ctx.Err())
			}
		})
	}
}

// WithRateLimit spaces calls to at most rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next Analyzer) Analyzer {
		return Func(func(ctx context.Context, img ImageData) (Description, error) {
			if err := limiter.Wait(ctx); err != nil {
				return Description{}, fmt.Errorf("%w: rate limiter: %v", models.ErrAnalysis, err)
			}
			return next.Analyze(ctx, img)
		})
	}
}

// WithCache remembers descriptions by image content so repeated images across
// documents are analyzed once. Failures are not cached.
func WithCache(size int) (Middleware, error) {
	cache, err := lru.New[string, Description](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create description cache: %w", err)
	}
	return func(next Analyzer) Analyzer {
		return Func(func(ctx context.Context, img ImageData) (Description, error) {
			key := cacheKey(img)
			if d, ok := cache.Get(key); ok {
				return d, nil
			}
			d, err := next.Analyze(ctx, img)
			if err != nil {
				return Description{}, err
			}
			cache.Add(key, d)
			return d, nil
		})
	}, nil
}

func cacheKey(img ImageData) string {
	h := sha256.New()
	h.Write([]byte(img.Format))
	h.Write([]byte{0})
	h.Write(img.Bytes)
	return hex.EncodeToString(h.Sum(nil))
}
