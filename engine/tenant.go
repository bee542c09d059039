package engine

import (
	"context"

	"github.com/mikeydub/go-barter/service/discover"
	"github.com/mikeydub/go-barter/service/graph"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/subscribe"
	"github.com/mikeydub/go-barter/service/valuate"
)

// request is one unit of work for a tenant's writer goroutine. run executes
// with exclusive write access to the tenant graph.
type request struct {
	run   func(ctx context.Context) (int, error)
	reply chan result
}

type result struct {
	touched int
	err     error
}

// tenant bundles one tenant's graph, orchestrator and subscriber fan-out
// behind a single-writer queue. All mutations flow through the writer
// goroutine; reads go straight to the graph under its read lock.
type tenant struct {
	id         persist.TenantID
	store      *graph.Graph
	orch       *discover.Orchestrator
	dispatcher *subscribe.Dispatcher

	queue  chan request
	cancel context.CancelFunc
	done   chan struct{}
}

func newTenant(ctx context.Context, id persist.TenantID, cfg Config, tc TenantConfig) *tenant {
	store := graph.New(id, graph.Options{
		Resolver:               cfg.Resolver,
		MaxCollectionFanout:    tc.MaxCollectionFanout,
		BloomFalsePositiveRate: tc.BloomFPR,
	})

	values := cfg.Values
	if values == nil {
		values = hintSource{store: store}
	}

	dispatcher := subscribe.NewDispatcher(id, tc.SubscriberBuffer)
	orch := discover.NewOrchestrator(store, values, dispatcher, tc.discoverConfig())

	tctx, cancel := context.WithCancel(ctx)
	t := &tenant{
		id:         id,
		store:      store,
		orch:       orch,
		dispatcher: dispatcher,
		queue:      make(chan request, tc.MaxQueuedMutations),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go orch.Run(tctx)
	go t.writer(tctx)
	return t
}

// submit queues work for the writer and waits for the outcome. A full queue
// fails fast with backpressure instead of blocking the caller.
func (t *tenant) submit(ctx context.Context, run func(ctx context.Context) (int, error)) (int, error) {
	req := request{run: run, reply: make(chan result, 1)}
	select {
	case t.queue <- req:
	default:
		return 0, persist.ErrTenantBackpressured{TenantID: t.id, Queued: len(t.queue)}
	}

	select {
	case <-ctx.Done():
		// the writer still applies the queued work; the buffered reply is
		// dropped
		return 0, ctx.Err()
	case res := <-req.reply:
		return res.touched, res.err
	}
}

// applyBatch is the common mutation path: apply, then wake the orchestrator
// with the touched set.
func (t *tenant) applyBatch(ctx context.Context, batch []persist.Mutation) (int, error) {
	touched, err := t.store.ApplyBatch(ctx, batch)
	if err != nil {
		return 0, err
	}
	t.orch.Notify(touched)
	return len(touched), nil
}

func (t *tenant) writer(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.queue:
			touched, err := req.run(ctx)
			req.reply <- result{touched: touched, err: err}
		}
	}
}

// stop tears the tenant down: writer and orchestrator exit, subscribers are
// closed without a terminal event.
func (t *tenant) stop() {
	t.cancel()
	<-t.done
	t.dispatcher.Shutdown()
}

// hintSource scores with the valuation hints carried by inventory
// submissions when the host supplies no oracle. Unknown NFTs value at 0.
type hintSource struct {
	store *graph.Graph
}

var _ valuate.ValueSource = hintSource{}

func (s hintSource) ValueOf(ctx context.Context, id persist.NFTID) (float64, error) {
	v, _ := s.store.ValuationHint(id)
	return v, nil
}
