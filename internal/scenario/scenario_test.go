package scenario

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/config"
	"cabalcoin-lab/internal/node"
	"cabalcoin-lab/internal/rpc"
	"cabalcoin-lab/internal/txn"
)

func startNode(t *testing.T, clock *claim.ManualClock) string {
	t.Helper()

	n, err := node.New(context.Background(), node.WithMemoryStores(node.Options{Clock: clock}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(node.NewServer(n, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRunner_Story(t *testing.T) {
	clock := claim.NewManualClock(time.Unix(1_700_000_000, 0))
	endpoint := startNode(t, clock)

	cfg := &config.ScenarioConfig{Network: config.NetworkLocal, RPCEndpoint: endpoint}
	require.NoError(t, cfg.Validate())

	client := rpc.NewHTTPClient(endpoint, rpc.WithMaxRetries(0))
	ws, err := rpc.NewWSClient(context.Background(), cfg.WSEndpoint, nil, nil)
	require.NoError(t, err)
	defer ws.Close()

	waiter := rpc.NewWaiter(client, rpc.WithSubscriber(ws), rpc.WithPollInterval(20*time.Millisecond))
	submitter := rpc.NewSubmitter(client, waiter, txn.Builder{ChainID: node.DefaultChainID, Now: clock.Now})

	core, logs := observer.New(zap.InfoLevel)
	runner, err := New(Options{
		Client:    client,
		Submitter: submitter,
		Config:    cfg,
		Sleeper:   ClockSleeper{Clock: clock},
		Narrator:  zap.New(core).Sugar(),
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Verify())

	assert.Equal(t, claim.DefaultClaimAmount, result.Balances["Bobert"])
	assert.Zero(t, result.Balances["Charles"])
	assert.Zero(t, result.Balances["Daniel"])
	assert.False(t, result.AssetHandle.IsZero())

	for _, step := range result.Claims[1:] {
		assert.False(t, step.Succeeded())
		assert.Contains(t, step.VMStatus, "Move abort in "+result.Owner.String()+"::cabalcoin")
	}

	assert.True(t, strings.HasSuffix(result.Explorer["Daniel"], "/coins?network=local"))

	// Failed claims are narrated with their VM status
	warnings := logs.FilterLevelExact(zap.WarnLevel).All()
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0].Message, "E_ALREADY_CLAIMED")
	assert.Contains(t, warnings[1].Message, "E_NOT_ALLOWLISTED")
	assert.Contains(t, warnings[2].Message, "E_CLAIM_WINDOW_CLOSED")

	assert.NotEmpty(t, logs.FilterMessage("=== The Final Score ===").All())
	assert.NotEmpty(t, logs.FilterMessageSnippet("Bobert's final balance: 100 CBL").All())
}

func TestResult_Verify(t *testing.T) {
	r := &Result{Claims: []Step{
		{Player: "Bobert"},
		{Player: "Bobert", Reason: claim.ReasonAlreadyClaimed},
		{Player: "Daniel", Reason: claim.ReasonNotAllowlisted},
		{Player: "Charles"},
	}}
	err := r.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Charles -> WINDOW_NOT_OPEN")

	r.Claims = r.Claims[:2]
	assert.Error(t, r.Verify())
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRunner_StopsWhilePaused(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unexpected call", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &config.ScenarioConfig{Network: config.NetworkLocal, RPCEndpoint: srv.URL, Pace: time.Hour}
	require.NoError(t, cfg.Validate())

	client := rpc.NewHTTPClient(srv.URL, rpc.WithMaxRetries(0))
	runner, err := New(Options{
		Client:    client,
		Submitter: rpc.NewSubmitter(client, rpc.NewWaiter(client), txn.Builder{ChainID: node.DefaultChainID}),
		Config:    cfg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err = runner.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Less(t, time.Since(start), time.Minute)
	assert.Zero(t, calls.Load())
}
