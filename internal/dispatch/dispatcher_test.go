package dispatch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/dispatch"
	"tollgate/internal/ledger"
	"tollgate/internal/memory"
	"tollgate/internal/model"
	"tollgate/internal/provider"
	"tollgate/internal/repository"
)

type stubProvider struct {
	kind     provider.Kind
	op       model.Operation
	cost     int64
	down     bool
	calls    atomic.Int32
	generate func(ctx context.Context, req provider.Request) (*provider.Response, error)
}

func (s *stubProvider) Kind() provider.Kind         { return s.kind }
func (s *stubProvider) Operation() model.Operation  { return s.op }
func (s *stubProvider) Cost(provider.Request) int64 { return s.cost }
func (s *stubProvider) Healthy() bool               { return !s.down }

func (s *stubProvider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.calls.Add(1)
	return s.generate(ctx, req)
}

func succeeding(kind provider.Kind, cost int64, content string) *stubProvider {
	return &stubProvider{
		kind: kind, op: model.OpChat, cost: cost,
		generate: func(context.Context, provider.Request) (*provider.Response, error) {
			return &provider.Response{Content: content, MeteredCost: cost}, nil
		},
	}
}

func failing(kind provider.Kind, retriable bool) *stubProvider {
	return &stubProvider{
		kind: kind, op: model.OpChat, cost: 1,
		generate: func(context.Context, provider.Request) (*provider.Response, error) {
			return nil, &provider.Error{Provider: kind, Reason: "boom", Retriable: retriable}
		},
	}
}

type stubLimiter struct{ allow bool }

func (s stubLimiter) Allow(context.Context, int64, string) (bool, error) {
	return s.allow, nil
}

var testCfg = dispatch.Config{
	MaxRetries:     1,
	BaseBackoff:    time.Millisecond,
	AttemptTimeout: time.Second,
}

type fixture struct {
	d     *dispatch.Dispatcher
	store *repository.MemStore
	lgr   *ledger.Ledger
}

func newFixture(t *testing.T, balance int64, order []provider.Kind, providers ...provider.Provider) *fixture {
	t.Helper()
	store := repository.NewMemStore()
	require.NoError(t, store.CreateAccount(context.Background(), &model.Account{
		ID:       1,
		Balance:  balance,
		MemoryOn: true,
	}))
	lgr := ledger.New(store, nil)
	mem := memory.New(store, lgr, 20)
	d := dispatch.New(lgr, stubLimiter{allow: true}, mem, providers, order, testCfg)
	return &fixture{d: d, store: store, lgr: lgr}
}

func chatReq() model.ChatRequest {
	return model.ChatRequest{AccountID: 1, Operation: model.OpChat, Payload: "hello"}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := f.lgr.Balance(context.Background(), 1)
	require.NoError(t, err)
	return bal
}

func TestHandle_Success(t *testing.T) {
	p := succeeding(provider.KindOpenAI, 1, "world")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI}, p)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "world", res.Content)
	assert.Equal(t, int64(1), res.TokensCharged)
	assert.Equal(t, int64(9), f.balance(t))

	usage := f.store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, model.OutcomeSuccess, usage[0].Outcome)
	assert.Equal(t, "openai", usage[0].Provider)

	// The exchange landed in memory.
	turns, err := f.store.LoadMemory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.Turn{Role: "user", Content: "hello"}, turns[0])
	assert.Equal(t, model.Turn{Role: "assistant", Content: "world"}, turns[1])
}

func TestHandle_FallbackChargesWinningProvider(t *testing.T) {
	a := failing(provider.KindOpenAI, true)
	a.cost = 2
	b := succeeding(provider.KindClaude, 1, "from-b")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI, provider.KindClaude}, a, b)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "from-b", res.Content)
	assert.Equal(t, int64(1), res.TokensCharged, "charged B's metered cost, not A's estimate")
	assert.Equal(t, int64(9), f.balance(t))

	assert.Equal(t, int32(2), a.calls.Load(), "initial attempt plus one retry")
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestHandle_AllProvidersUnavailableRefunds(t *testing.T) {
	a := failing(provider.KindOpenAI, true)
	b := failing(provider.KindClaude, true)
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI, provider.KindClaude}, a, b)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.ReasonAllProvidersUnavailable, res.Reason)
	assert.Equal(t, int64(10), f.balance(t), "full refund")

	usage := f.store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, model.OutcomeRefunded, usage[0].Outcome)
}

func TestHandle_PermanentErrorAbortsWithoutFallback(t *testing.T) {
	a := failing(provider.KindOpenAI, false)
	b := succeeding(provider.KindClaude, 1, "never")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI, provider.KindClaude}, a, b)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.ReasonProviderRejected, res.Reason)
	assert.Equal(t, int64(10), f.balance(t))

	assert.Equal(t, int32(1), a.calls.Load(), "permanent errors are not retried")
	assert.Zero(t, b.calls.Load(), "no fallback after a permanent rejection")
}

func TestHandle_RateLimitedSkipsLedger(t *testing.T) {
	p := succeeding(provider.KindOpenAI, 1, "x")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI}, p)
	f.d = dispatch.New(f.lgr, stubLimiter{allow: false},
		memory.New(f.store, f.lgr, 20), []provider.Provider{p},
		[]provider.Kind{provider.KindOpenAI}, testCfg)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.ReasonRateLimited, res.Reason)
	assert.Equal(t, int64(10), f.balance(t))
	assert.Empty(t, f.store.Usage(), "denied requests never touch the ledger")
	assert.Zero(t, p.calls.Load())
}

func TestHandle_InsufficientBalance(t *testing.T) {
	p := succeeding(provider.KindOpenAI, 1, "x")
	f := newFixture(t, 0, []provider.Kind{provider.KindOpenAI}, p)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.ReasonInsufficientBalance, res.Reason)
	assert.Zero(t, p.calls.Load(), "no paid provider call without a reservation")
}

func TestHandle_SkipsUnhealthyProvider(t *testing.T) {
	a := succeeding(provider.KindOpenAI, 1, "a")
	a.down = true
	b := succeeding(provider.KindClaude, 1, "b")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI, provider.KindClaude}, a, b)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "b", res.Content)
	assert.Zero(t, a.calls.Load())
}

func TestHandle_ExplicitProviderOverride(t *testing.T) {
	a := succeeding(provider.KindOpenAI, 1, "a")
	b := succeeding(provider.KindClaude, 1, "b")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI, provider.KindClaude}, a, b)

	req := chatReq()
	req.Provider = "claude"
	res, err := f.d.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Content)
	assert.Zero(t, a.calls.Load(), "override pins a single provider")
}

func TestHandle_AccountPreferenceLeadsOrder(t *testing.T) {
	a := succeeding(provider.KindOpenAI, 1, "a")
	b := succeeding(provider.KindClaude, 1, "b")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI, provider.KindClaude}, a, b)

	_, err := f.lgr.UpdateAccount(context.Background(), 1, func(acc *model.Account) {
		acc.Provider = "claude"
	})
	require.NoError(t, err)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "b", res.Content)
	assert.Zero(t, a.calls.Load())
}

func TestHandle_ImageOperation(t *testing.T) {
	img := &stubProvider{
		kind: provider.KindDalle, op: model.OpImage, cost: 5,
		generate: func(context.Context, provider.Request) (*provider.Response, error) {
			return &provider.Response{Content: "https://img.example/1.png", MeteredCost: 5}, nil
		},
	}
	f := newFixture(t, 10, nil, img)

	req := model.ChatRequest{AccountID: 1, Operation: model.OpImage, Payload: "a cat", Style: "anime"}
	res, err := f.d.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(5), res.TokensCharged)
	assert.Equal(t, int64(5), f.balance(t))

	turns, err := f.store.LoadMemory(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, turns, "image exchanges stay out of the chat window")
}

func TestHandle_BannedAccount(t *testing.T) {
	p := succeeding(provider.KindOpenAI, 1, "x")
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI}, p)
	_, err := f.lgr.UpdateAccount(context.Background(), 1, func(acc *model.Account) {
		acc.Banned = true
	})
	require.NoError(t, err)

	res, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAccountBanned, res.Reason)
	assert.Zero(t, p.calls.Load())
}

func TestHandle_CancellationReleasesReservation(t *testing.T) {
	blocking := &stubProvider{
		kind: provider.KindOpenAI, op: model.OpChat, cost: 1,
		generate: func(ctx context.Context, _ provider.Request) (*provider.Response, error) {
			<-ctx.Done()
			return nil, &provider.Error{Provider: provider.KindOpenAI, Reason: "interrupted", Retriable: true}
		},
	}
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI}, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.d.Handle(ctx, chatReq())
	require.Error(t, err)

	assert.Equal(t, int64(10), f.balance(t), "cancelled request leaves no dangling hold")
	usage := f.store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, model.OutcomeRefunded, usage[0].Outcome)

	// The freed hold is immediately reusable.
	res2, err := f.lgr.Reserve(context.Background(), 1, model.OpChat, 10)
	require.NoError(t, err)
	require.NoError(t, f.lgr.Release(context.Background(), res2, "openai"))
}

func TestHandle_HistoryReachesProvider(t *testing.T) {
	var seen []model.Turn
	p := &stubProvider{
		kind: provider.KindOpenAI, op: model.OpChat, cost: 1,
		generate: func(_ context.Context, req provider.Request) (*provider.Response, error) {
			seen = req.History
			return &provider.Response{Content: "ok", MeteredCost: 1}, nil
		},
	}
	f := newFixture(t, 10, []provider.Kind{provider.KindOpenAI}, p)
	require.NoError(t, f.store.SaveMemory(context.Background(), 1, []model.Turn{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "answer"},
	}))

	_, err := f.d.Handle(context.Background(), chatReq())
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "earlier", seen[0].Content)
}
