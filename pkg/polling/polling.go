package polling

import (
	"context"
	"sync"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// OrNop returns log, or a logger that drops everything when log is nil.
func OrNop(log Logger) Logger {
	if log == nil {
		return nopLogger{}
	}
	return log
}

// SubtypeFetcher fetches every page of a single subtype. A returned error
// aborts the whole run; recoverable problems are reported through
// SubtypeResult.Abandoned instead.
type SubtypeFetcher func(ctx context.Context, subtype string) (platforms.SubtypeResult, error)

// FetchSubtypes runs fetch for every subtype concurrently and waits for all of
// them. Results come back in the order of subtypes. The first fatal error
// cancels the context handed to the remaining fetches and is returned.
func FetchSubtypes(ctx context.Context, subtypes []string, fetch SubtypeFetcher, log Logger) ([]platforms.SubtypeResult, error) {
	log = OrNop(log)
	results := make([]platforms.SubtypeResult, len(subtypes))

	err := fanOut(ctx, len(subtypes), func(ctx context.Context, i int) error {
		res, err := fetch(ctx, subtypes[i])
		if res.Subtype == "" {
			res.Subtype = subtypes[i]
		}
		// Each goroutine owns its slot.
		results[i] = res
		if err != nil {
			log.Debugf("Fetch of type %s stopped: %v", subtypes[i], err)
			return err
		}
		if res.Abandoned != nil {
			log.Debugf("Type %s abandoned after %d request(s) with %d record(s): %v", subtypes[i], res.Requests, len(res.Records), res.Abandoned)
		}
		return nil
	})
	return results, err
}

// fanOut calls fn for 0..n-1 in separate goroutines. The first error wins and
// cancels the shared context; the others still run to completion.
func fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := fn(ctx, i); err != nil {
				once.Do(func() {
					firstErr = err
					cancel(err)
				})
			}
		}(i)
	}
	wg.Wait()

	return firstErr
}

// ResultSetFrom builds the subtype keyed view of results.
func ResultSetFrom(results []platforms.SubtypeResult) platforms.ResultSet {
	rs := make(platforms.ResultSet, len(results))
	for _, r := range results {
		records := r.Records
		if records == nil {
			records = []platforms.LogRecord{}
		}
		rs[r.Subtype] = records
	}
	return rs
}
