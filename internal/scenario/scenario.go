// Package scenario runs the narrated CabalCoin story against a node:
// a developer publishes the ledger and allowlists two of three players,
// then each player tries to claim.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/amount"
	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/config"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/rpc"
	"cabalcoin-lab/internal/txn"
)

// Sleeper waits for ledger time to pass.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// WallSleeper sleeps on the wall clock.
type WallSleeper struct{}

// Sleep blocks for d or until ctx is done.
func (WallSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClockSleeper advances a manual ledger clock instead of sleeping.
type ClockSleeper struct {
	Clock *claim.ManualClock
}

// Sleep advances the clock by d.
func (s ClockSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.Clock.Advance(d)
	return nil
}

// Cast holds the accounts of the story.
type Cast struct {
	Alice   *domain.Account // developer and ledger owner
	Bob     *domain.Account
	Charlie *domain.Account
	Daniel  *domain.Account
}

// NewCast generates fresh accounts.
func NewCast() (*Cast, error) {
	accounts := make([]*domain.Account, 4)
	for i := range accounts {
		a, err := domain.GenerateAccount()
		if err != nil {
			return nil, fmt.Errorf("generate account: %w", err)
		}
		accounts[i] = a
	}
	return &Cast{Alice: accounts[0], Bob: accounts[1], Charlie: accounts[2], Daniel: accounts[3]}, nil
}

type player struct {
	name    string
	account *domain.Account
}

func (c *Cast) players() []player {
	return []player{{"Bobert", c.Bob}, {"Charles", c.Charlie}, {"Daniel", c.Daniel}}
}

// Step is the outcome of one claim attempt.
type Step struct {
	Player   string
	Hash     string
	VMStatus string
	Reason   claim.Reason // empty on success
}

// Succeeded reports whether the claim was accepted.
func (s Step) Succeeded() bool { return s.Reason == "" }

// Result summarizes a scenario run.
type Result struct {
	Owner       domain.Address
	AssetHandle domain.Address
	Claims      []Step
	Balances    map[string]uint64 // final CBL balance per player
	Explorer    map[string]string // explorer link per player
}

var expectedClaims = []struct {
	player string
	reason claim.Reason
}{
	{"Bobert", ""},
	{"Bobert", claim.ReasonAlreadyClaimed},
	{"Daniel", claim.ReasonNotAllowlisted},
	{"Charles", claim.ReasonWindowNotOpen},
}

// Verify checks that every claim ended the way the story says it must.
func (r *Result) Verify() error {
	if len(r.Claims) != len(expectedClaims) {
		return fmt.Errorf("expected %d claims, got %d", len(expectedClaims), len(r.Claims))
	}
	for i, want := range expectedClaims {
		got := r.Claims[i]
		if got.Player != want.player || got.Reason != want.reason {
			return fmt.Errorf("claim %d: expected %s -> %s, got %s -> %s",
				i+1, want.player, outcome(want.reason), got.Player, outcome(got.Reason))
		}
	}
	return nil
}

func outcome(r claim.Reason) string {
	if r == "" {
		return domain.ClaimOutcomeSuccess
	}
	return r.String()
}

// Options configures a Runner.
type Options struct {
	Client    rpc.LedgerClient       // required
	Submitter *rpc.Submitter         // required
	Config    *config.ScenarioConfig // defaults to validated zero config
	Cast      *Cast                  // generated if nil
	Sleeper   Sleeper                // defaults to WallSleeper
	Asset     claim.AssetInfo        // defaults to claim.DefaultAsset
	Narrator  *zap.SugaredLogger     // defaults to a no-op logger
}

// Runner plays the scenario.
type Runner struct {
	client    rpc.LedgerClient
	submitter *rpc.Submitter
	cfg       *config.ScenarioConfig
	cast      *Cast
	sleeper   Sleeper
	asset     claim.AssetInfo
	say       *zap.SugaredLogger
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Client == nil || opts.Submitter == nil {
		return nil, errors.New("scenario: client and submitter are required")
	}
	if opts.Config == nil {
		opts.Config = &config.ScenarioConfig{}
		if err := opts.Config.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Cast == nil {
		cast, err := NewCast()
		if err != nil {
			return nil, err
		}
		opts.Cast = cast
	}
	if opts.Sleeper == nil {
		opts.Sleeper = WallSleeper{}
	}
	if opts.Asset.Symbol == "" {
		opts.Asset = claim.DefaultAsset
	}
	if opts.Narrator == nil {
		opts.Narrator = zap.NewNop().Sugar()
	}
	return &Runner{
		client:    opts.Client,
		submitter: opts.Submitter,
		cfg:       opts.Config,
		cast:      opts.Cast,
		sleeper:   opts.Sleeper,
		asset:     opts.Asset,
		say:       opts.Narrator,
	}, nil
}

// Run plays the whole story. Rejected claims are part of the story and are
// recorded in the result; any other failure aborts the run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	cast := r.cast
	owner := cast.Alice.Address()
	result := &Result{
		Owner:    owner,
		Balances: make(map[string]uint64),
		Explorer: make(map[string]string),
	}

	r.section("The Plot")
	r.say.Info("Welcome to CabalCoin, a claimable token for the chosen few!")
	if err := r.pause(ctx); err != nil {
		return nil, err
	}
	r.say.Info("Only allowlisted accounts can claim it, and the window is tight.")
	if err := r.pause(ctx); err != nil {
		return nil, err
	}
	r.say.Info("How will our players fare?")

	r.section("Our Developer")
	r.say.Infof("Alice: %s", owner)
	r.section("Our Players")
	for _, p := range cast.players() {
		r.say.Infof("%s: %s", p.name, p.account.Address())
	}

	for _, a := range []*domain.Account{cast.Alice, cast.Bob, cast.Charlie, cast.Daniel} {
		hash, err := r.client.FundAccount(ctx, a.Address(), r.cfg.FundAmount)
		if err != nil {
			return nil, fmt.Errorf("fund %s: %w", a.Address().Short(), err)
		}
		if _, err := r.submitter.Wait(ctx, hash, r.cfg.TxTimeout); err != nil {
			return nil, fmt.Errorf("fund %s: %w", a.Address().Short(), err)
		}
	}

	r.section("Publishing CabalCoin")
	rec, err := r.submitter.SubmitAndWait(ctx, cast.Alice, txn.InitModulePayload(owner), r.cfg.TxTimeout)
	if err != nil {
		return nil, fmt.Errorf("publish ledger: %w", err)
	}
	r.say.Infof(">>> Transaction hash: %s", rec.Hash)

	handle, err := rpc.GetMetadata(ctx, r.client, owner)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	result.AssetHandle = handle
	r.say.Infof(">>> Metadata address: %s", handle)

	r.section("Initial Player Balances")
	for _, p := range cast.players() {
		if err := r.reportBalance(ctx, "* %s: %s", p, handle, nil); err != nil {
			return nil, err
		}
	}

	r.section("Alice Starts the Show")
	info, err := r.client.GetLedgerInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get ledger info: %w", err)
	}
	window := domain.ClaimWindow{
		Start: info.LedgerTimestamp,
		End:   info.LedgerTimestamp + int64(r.cfg.ClaimWindow/time.Second),
	}
	r.say.Infof("She adds Bobert and Charles (but not Daniel) to the allowlist for %v!", r.cfg.ClaimWindow)
	payload, err := txn.AddToAllowlistPayload(owner, []domain.Address{cast.Bob.Address(), cast.Charlie.Address()}, window)
	if err != nil {
		return nil, err
	}
	if _, err := r.submitter.SubmitAndWait(ctx, cast.Alice, payload, r.cfg.TxTimeout); err != nil {
		return nil, fmt.Errorf("add to allowlist: %w", err)
	}

	bob, charles, daniel := cast.players()[0], cast.players()[1], cast.players()[2]

	r.section("Bobert")
	r.say.Info("Bobert initiates his claim...")
	if err := r.claim(ctx, result, bob, "Bobert's claim failed"); err != nil {
		return nil, err
	}
	if err := r.reportBalance(ctx, "%s's new balance: %s", bob, handle, nil); err != nil {
		return nil, err
	}

	r.say.Info("Uh oh, Bobert gets greedy and tries to claim again...")
	if err := r.claim(ctx, result, bob, "Bobert's second claim failed"); err != nil {
		return nil, err
	}
	r.say.Info("No double-dipping, Bobert!")
	if err := r.reportBalance(ctx, "%s's balance remains: %s", bob, handle, nil); err != nil {
		return nil, err
	}

	r.section("Daniel")
	r.say.Info("Daniel hears about CabalCoin in the group chat and tries to claim...")
	if err := r.claim(ctx, result, daniel, "Daniel's claim failed"); err != nil {
		return nil, err
	}
	r.say.Info("Sadly for him, he's not part of the cabal. NGMI, Daniel :(")
	if err := r.reportBalance(ctx, "%s's balance remains: %s", daniel, handle, nil); err != nil {
		return nil, err
	}

	r.section("Charles")
	r.say.Info("Meanwhile, Charles is off touching grass...")
	if err := r.sleeper.Sleep(ctx, r.cfg.PastWindow); err != nil {
		return nil, err
	}
	r.say.Info("Charles finally returns and initiates his claim, but will he make it in time?")
	if err := r.claim(ctx, result, charles, "RIP! Charles' claim failed"); err != nil {
		return nil, err
	}
	r.say.Info("This is what happens when you step away from the computer, Charles!")
	if err := r.reportBalance(ctx, "%s' balance remains: %s", charles, handle, nil); err != nil {
		return nil, err
	}

	r.section("The Final Score")
	for _, p := range cast.players() {
		if err := r.reportBalance(ctx, "* %s's final balance: %s", p, handle, result.Balances); err != nil {
			return nil, err
		}
	}
	for _, p := range cast.players() {
		if result.Balances[p.name] > 0 {
			r.say.Infof("Congratulations to %s for claiming successfully!", p.name)
		}
	}

	r.section("FIN")
	r.say.Info("Validate the final balances of our players here:")
	for _, p := range cast.players() {
		link := r.cfg.ExplorerAccountURL(p.account.Address().String())
		result.Explorer[p.name] = link
		r.say.Infof("%s: %s", p.name, link)
	}

	return result, nil
}

// claim submits a claim for p and records its outcome. A claim rejected by
// the ledger is not an error.
func (r *Runner) claim(ctx context.Context, result *Result, p player, failure string) error {
	rec, err := r.submitter.SubmitAndWait(ctx, p.account, txn.ClaimPayload(r.cast.Alice.Address()), r.cfg.TxTimeout)

	var failed *rpc.TransactionFailedError
	switch {
	case err == nil:
		result.Claims = append(result.Claims, Step{Player: p.name, Hash: rec.Hash, VMStatus: rec.VMStatus})
	case errors.As(err, &failed):
		result.Claims = append(result.Claims, Step{
			Player:   p.name,
			Hash:     failed.Hash,
			VMStatus: failed.VMStatus,
			Reason:   claim.ReasonOf(err),
		})
		r.say.Warnf("%s:\n>>> %s", failure, failed.VMStatus)
	default:
		return fmt.Errorf("%s claim: %w", p.name, err)
	}
	return nil
}

func (r *Runner) reportBalance(ctx context.Context, format string, p player, handle domain.Address, into map[string]uint64) error {
	b, err := r.client.GetBalance(ctx, p.account.Address(), handle)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", p.name, err)
	}
	if into != nil {
		into[p.name] = b.Amount
	}
	r.say.Infof(format, p.name, amount.FormatWithSymbol(b.Amount, r.asset.Decimals, r.asset.Symbol))
	return nil
}

func (r *Runner) section(title string) {
	r.say.Infof("=== %s ===", title)
}

// pause slows the narration down. It never moves ledger time.
func (r *Runner) pause(ctx context.Context) error {
	if r.cfg.Pace <= 0 {
		return nil
	}
	return WallSleeper{}.Sleep(ctx, r.cfg.Pace)
}
