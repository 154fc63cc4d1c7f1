// Command demo runs the digest scheduler end to end in memory: a handful of
// subscriptions, a fake discovery backend with one flaky category, and a
// short tick interval so the schedule advancing is visible.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/digest-scheduler/internal/discovery"
	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/internal/metrics"
	"github.com/ChuLiYu/digest-scheduler/internal/queue"
	"github.com/ChuLiYu/digest-scheduler/internal/scheduler"
	"github.com/ChuLiYu/digest-scheduler/internal/store"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

func main() {
	interval := flag.Duration("interval", time.Second, "tick interval")
	ticks := flag.Int("ticks", 5, "number of ticks before exiting")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	log := logging.New(logging.Options{Level: *level, Format: "console", Out: os.Stderr})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemory()
	seeded := seed(ctx, st)

	sched, err := scheduler.New(scheduler.Config{
		Interval:  *interval,
		BatchSize: 3,
		PageSize:  5,
		Retry:     scheduler.RetryPolicy{MaxConsecutiveFailures: 3},
	}, scheduler.Dependencies{
		Store:     st,
		Discovery: fakeDiscovery(),
		Observer:  metrics.NewCollector(prometheus.NewRegistry()),
		Queue:     queue.New(10),
		Logger:    log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build scheduler: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ seeded %d subscriptions, ticking every %s\n\n", seeded, *interval)

	// one manual job jumps the schedule
	if _, err := sched.EnqueueJob(6, 60, types.ReasonManual, queue.WithPayload(map[string]any{"source": "demo"})); err != nil {
		fmt.Fprintf(os.Stderr, "manual enqueue failed: %v\n", err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for i := 1; i <= *ticks; i++ {
		report, err := sched.RunTick(ctx)
		if errors.Is(err, scheduler.ErrTickInProgress) {
			continue
		}
		fmt.Printf("tick %d: due=%d enqueued=%d executed=%d failed=%d pending=%d quarantined=%v\n",
			i, report.Due, report.Enqueued, report.Executed, report.Failed,
			sched.QueueSnapshot().Pending, sched.Quarantined())

		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted")
			return
		case <-ticker.C:
		}
	}

	fmt.Println("\n📊 Final schedule:")
	subs, _ := st.List(ctx)
	for _, s := range subs {
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.Format(time.TimeOnly)
		}
		fmt.Printf("  #%d %-12s %-9s next=%s\n", s.ID, s.Category, s.Frequency, next)
	}
}

func seed(ctx context.Context, st store.Store) int {
	now := time.Now()
	subs := []types.Subscription{
		{ID: 1, UserID: 10, Category: types.CategoryJob, Query: "golang", Frequency: types.FrequencyDaily},
		{ID: 2, UserID: 10, Category: types.CategoryGig, Query: "logo design", Frequency: types.FrequencyWeekly},
		{ID: 3, UserID: 20, Category: types.CategoryPeople, Query: "ana", Frequency: types.FrequencyImmediate},
		{ID: 4, UserID: 30, Category: types.CategoryMixed, Query: "climate", Frequency: types.FrequencyDaily},
		{ID: 5, UserID: 40, Category: types.CategoryVolunteering, Query: "tutoring", Frequency: types.FrequencyDaily},
		{ID: 6, UserID: 60, Category: types.CategoryProject, Query: "open source", Frequency: types.FrequencyWeekly},
	}
	for i, s := range subs {
		at := now.Add(-time.Duration(len(subs)-i) * time.Minute)
		if s.ID == 6 {
			at = now.Add(time.Hour)
		}
		s.NextRunAt = &at
		if _, err := st.Upsert(ctx, s); err != nil {
			panic(err)
		}
	}
	return len(subs)
}

// fakeDiscovery answers every category in process. Volunteering fails half
// of the time so the retry path shows up.
func fakeDiscovery() *discovery.Registry {
	r := discovery.NewRegistry()
	for _, c := range types.Categories {
		r.Register(c, func(ctx context.Context, req types.SearchRequest) (types.SearchResult, error) {
			if c == types.CategoryVolunteering && rand.IntN(2) == 0 {
				return types.SearchResult{}, errors.New("volunteering backend unavailable")
			}
			n := rand.IntN(req.PageSize + 1)
			items := make([]map[string]any, n)
			for i := range items {
				items[i] = map[string]any{"id": i + 1, "category": string(c), "query": req.Query}
			}
			return types.SearchResult{Items: items, Total: n}, nil
		})
	}
	return r
}
