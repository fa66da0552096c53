// Package fallback routes reads through the network when possible and
// falls back to the local cache when the server is unreachable, so the
// point of sale keeps working offline with possibly stale data.
package fallback

import (
	"context"

	"github.com/marcomamdouh99/newsync/internal/connectivity"
	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
)

// Result is the outcome of a fallback-aware read. IsOffline tells the
// caller the data came from the local cache and may be stale; rendering
// decisions (staleness badges) key off it, not off errors.
type Result[T any] struct {
	Data      T
	IsOffline bool
}

// NetworkFetch loads fresh data from the server.
type NetworkFetch[T any] func(ctx context.Context) (T, error)

// LocalFetch loads cached data. The bool reports whether the cache held
// anything at all; an empty cache is a distinct condition, not an error.
type LocalFetch[T any] func(ctx context.Context) (T, bool, error)

// LocalStore best-effort refreshes the cache after a network success.
type LocalStore[T any] func(ctx context.Context, data T) error

// Facade decides per read whether to go to the network.
type Facade struct {
	monitor *connectivity.Monitor
	log     *logging.Logger
}

// New creates a facade over the connectivity monitor.
func New(monitor *connectivity.Monitor) *Facade {
	return &Facade{
		monitor: monitor,
		log:     logging.Get().WithComponent("fallback"),
	}
}

// FetchWithFallback reads through the facade. While online it tries the network
// first; a success refreshes the cache best-effort (a refresh failure is
// logged, never returned). Any network failure, or being offline, falls
// back to the cache. An empty cache yields NO_CACHED_DATA.
func FetchWithFallback[T any](ctx context.Context, f *Facade, key string, network NetworkFetch[T], local LocalFetch[T], store LocalStore[T]) (Result[T], error) {
	var zero Result[T]

	if f.monitor.IsOnline() {
		data, err := network(ctx)
		if err == nil {
			if store != nil {
				if serr := store(ctx, data); serr != nil {
					f.log.Warn("Cache refresh failed", map[string]interface{}{
						"key":   key,
						"error": serr.Error(),
					})
				}
			}
			return Result[T]{Data: data}, nil
		}

		if apperrors.IsNetwork(err) {
			f.log.Info("Network fetch failed, falling back to cache", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			f.monitor.ReportFailure()
		} else {
			f.log.Error("Fetch failed, falling back to cache", err, map[string]interface{}{"key": key})
		}
	}

	data, found, err := local(ctx)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, apperrors.New(apperrors.ErrNoCachedData, "no cached data for "+key)
	}
	return Result[T]{Data: data, IsOffline: true}, nil
}
