package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oraclepay/internal/audit"
	"github.com/alanyoungcy/oraclepay/internal/crypto"
	"github.com/alanyoungcy/oraclepay/internal/domain"
	"github.com/alanyoungcy/oraclepay/internal/feed"
	"github.com/alanyoungcy/oraclepay/internal/ledger"
	"github.com/alanyoungcy/oraclepay/internal/oracle"
	"github.com/alanyoungcy/oraclepay/internal/settle"
	"github.com/alanyoungcy/oraclepay/internal/store/memory"
	"github.com/alanyoungcy/oraclepay/internal/treasury"
)

// EngineMode runs the production engine: writer lock, postgres-backed state
// machines, live reserve feed, oracle refresh scheduler, audit archival, and
// operator notifications. Blocks until the context is cancelled.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	// Exactly one engine instance may mutate state per deployment.
	release, err := deps.WriterLock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("app: acquire writer lock: %w", err)
	}
	defer release()
	a.logger.InfoContext(ctx, "writer lock acquired")

	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Signer.PrivateKey,
		EncryptedKeyPath: a.cfg.Signer.EncryptedKeyPath,
		KeyPassword:      a.cfg.Signer.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("app: load signer key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex, a.cfg.Chain.ChainID)
	if err != nil {
		return fmt.Errorf("app: signer: %w", err)
	}

	tokenAddr := common.HexToAddress(a.cfg.Chain.TokenAddress)
	engineAddr := common.HexToAddress(a.cfg.Chain.EngineAddress)
	ledgerOwner := common.HexToAddress(a.cfg.Ledger.Owner)
	answerer := common.HexToAddress(a.cfg.Ledger.Answerer)
	escrow := common.HexToAddress(a.cfg.Ledger.EscrowAddress)
	settleOwner := common.HexToAddress(a.cfg.Settlement.Owner)

	if signer.Address() != answerer {
		a.logger.Warn("signer key does not match configured answerer",
			slog.String("signer", signer.Address().Hex()),
			slog.String("answerer", answerer.Hex()),
		)
	}

	treas := treasury.New(a.cfg.Chain.ChainID, tokenAddr)
	auditor := audit.New(deps.AuditStore, deps.EventBus, a.logger)

	ledgerParams := ledger.DefaultParams()
	ledgerParams.MinimumFee = a.cfg.Ledger.MinimumFee
	ledgerParams.MaxBounty = a.cfg.Ledger.MaxBounty
	ledgerParams.MaxTextLen = a.cfg.Ledger.MaxTextLen
	ledgerParams.MaxNumericResult = a.cfg.Ledger.MaxNumericResult
	ledgerParams.RefundPeriod = a.cfg.Ledger.RefundPeriod.Duration

	led, err := ledger.New(ctx, deps.QuestionStore, treas, auditor, a.logger,
		ledgerParams, ledgerOwner, answerer, escrow)
	if err != nil {
		return fmt.Errorf("app: ledger: %w", err)
	}

	settleParams := settle.DefaultParams(a.cfg.Chain.ChainID)
	settleParams.FeeBps = a.cfg.Settlement.FeeBps
	settleParams.FeeCapBps = a.cfg.Settlement.FeeCapBps
	settleParams.MaxValue = a.cfg.Settlement.MaxValue
	settleParams.DeadlineWindow = a.cfg.Settlement.DeadlineWindow.Duration

	eng, err := settle.New(ctx, deps.PaymentStore, deps.FeeStore, treas, auditor,
		a.logger, settleParams, settleOwner, engineAddr)
	if err != nil {
		return fmt.Errorf("app: settlement engine: %w", err)
	}

	a.logger.InfoContext(ctx, "engines initialized",
		slog.Int64("pending_escrow", led.PendingEscrow()),
		slog.Int64("fee_bps", eng.FeeBps()),
		slog.Bool("paused", eng.Paused()),
	)

	wsFeed := feed.NewWSFeed(a.cfg.Feed.WsURL,
		common.HexToAddress(a.cfg.Feed.Token0),
		common.HexToAddress(a.cfg.Feed.Token1),
		a.logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsFeed.Run(gctx)
	})

	g.Go(func() error {
		return a.runOracle(gctx, wsFeed, auditor)
	})

	if deps.BlobWriter != nil {
		archiver := audit.NewArchiver(deps.AuditStore, deps.BlobWriter,
			a.logger, a.cfg.Archive.Retention.Duration)
		g.Go(func() error {
			return archiver.Run(gctx, a.cfg.Archive.Interval.Duration)
		})
	}

	g.Go(func() error {
		return deps.Notifier.Watch(gctx, deps.EventBus)
	})

	return g.Wait()
}

// runOracle waits for the feed's first snapshot, builds the accumulator, and
// refreshes the observation window on the configured interval.
func (a *App) runOracle(ctx context.Context, wsFeed *feed.WSFeed, auditor domain.AuditSink) error {
	if err := wsFeed.WaitReady(ctx); err != nil {
		return fmt.Errorf("app: wait for reserve feed: %w", err)
	}

	acc, err := oracle.New(ctx, wsFeed, a.cfg.Oracle.MinPeriod.Duration, auditor, a.logger)
	if err != nil {
		return fmt.Errorf("app: oracle: %w", err)
	}

	ticker := time.NewTicker(a.cfg.Oracle.RefreshInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !acc.CanRefresh() {
				continue
			}
			if err := acc.Refresh(ctx); err != nil {
				a.logger.Warn("oracle refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SimMode runs a self-contained demo against in-memory stores: a simulated
// reserve feed drives the oracle while generated accounts ask questions,
// post answers, and settle signed payments. Useful for exercising the full
// flow without postgres, redis, or a live feed.
func (a *App) SimMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting sim mode")

	chainID := a.cfg.Chain.ChainID
	tokenAddr := common.HexToAddress("0x0000000000000000000000000000000000000010")
	engineAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	escrow := common.HexToAddress("0x0000000000000000000000000000000000000012")

	operator, err := newSimSigner(chainID)
	if err != nil {
		return err
	}
	requester, err := newSimSigner(chainID)
	if err != nil {
		return err
	}
	payer, err := newSimSigner(chainID)
	if err != nil {
		return err
	}
	merchant, err := newSimSigner(chainID)
	if err != nil {
		return err
	}

	treas := treasury.New(chainID, tokenAddr)
	for _, addr := range []common.Address{operator.Address(), requester.Address(), payer.Address()} {
		if err := treas.Mint(addr, 1_000_000_000_000); err != nil {
			return fmt.Errorf("app: sim mint: %w", err)
		}
	}

	auditStore := memory.NewAuditStore()
	auditor := audit.New(auditStore, nil, a.logger)

	led, err := ledger.New(ctx, memory.NewQuestionStore(), treas, auditor,
		a.logger, ledger.DefaultParams(), operator.Address(), operator.Address(), escrow)
	if err != nil {
		return fmt.Errorf("app: sim ledger: %w", err)
	}

	eng, err := settle.New(ctx, memory.NewPaymentStore(), memory.NewFeeStore(),
		treas, auditor, a.logger, settle.DefaultParams(chainID),
		operator.Address(), engineAddr)
	if err != nil {
		return fmt.Errorf("app: sim settlement engine: %w", err)
	}

	simFeed := feed.NewSimFeed(
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		1_000_000, 2_000_000,
	)
	acc, err := oracle.New(ctx, simFeed, a.cfg.Oracle.MinPeriod.Duration, auditor, a.logger)
	if err != nil {
		return fmt.Errorf("app: sim oracle: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var round int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			round++
			if err := a.simRound(ctx, round, rng, treas, led, eng, acc, simFeed,
				tokenAddr, engineAddr, requester, payer, merchant); err != nil {
				a.logger.Warn("sim round failed",
					slog.Int64("round", round),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// simRound drives one pass of the demo: jitter the reserves, refresh the
// oracle when allowed, run a full question lifecycle, and settle one signed
// payment.
func (a *App) simRound(
	ctx context.Context,
	round int64,
	rng *rand.Rand,
	treas *treasury.Treasury,
	led *ledger.Ledger,
	eng *settle.Engine,
	acc *oracle.Accumulator,
	simFeed *feed.SimFeed,
	tokenAddr, engineAddr common.Address,
	requester, payer, merchant *crypto.Signer,
) error {
	// Random-walk the simulated pool reserves by up to ±5%.
	r0, r1, _, err := simFeed.Reserves(ctx)
	if err != nil {
		return err
	}
	simFeed.SetReserves(jitter(rng, r0), jitter(rng, r1))

	if acc.CanRefresh() {
		if err := acc.Refresh(ctx); err != nil {
			return err
		}
	}
	if out, err := acc.Consult(ctx, common.HexToAddress("0x0000000000000000000000000000000000000001"), 1_000_000); err == nil {
		a.logger.Info("sim oracle quote", slog.Int64("amount_out", out))
	}

	// Question lifecycle: ask, answer, withdraw.
	qid, err := led.Ask(ctx, requester.Address(), domain.QuestionPrice,
		fmt.Sprintf("sim price query %d", round),
		time.Now().Add(time.Hour), 50_000)
	if err != nil {
		return fmt.Errorf("sim ask: %w", err)
	}
	if err := led.Answer(ctx, led.Answerer(), qid, "sim answer",
		rng.Int63n(1_000_000), true, 90, "sim-feed"); err != nil {
		return fmt.Errorf("sim answer: %w", err)
	}
	if _, err := led.Withdraw(ctx, led.Answerer()); err != nil {
		return fmt.Errorf("sim withdraw: %w", err)
	}

	// Settlement: payer authorizes a payment to the merchant and the engine
	// settles it with both signatures.
	auth := domain.PaymentAuthorization{
		Payer:     payer.Address(),
		Spender:   engineAddr,
		Value:     100_000,
		Deadline:  time.Now().Add(10 * time.Minute),
		Recipient: merchant.Address(),
		Nonce:     []byte(fmt.Sprintf("sim-nonce-%d", round)),
	}

	permitSig, err := payer.SignPermit(tokenAddr, engineAddr, auth.Value,
		treas.PermitNonce(payer.Address()), auth.Deadline)
	if err != nil {
		return fmt.Errorf("sim permit sign: %w", err)
	}
	authSig, err := payer.SignAuthorization(engineAddr, auth)
	if err != nil {
		return fmt.Errorf("sim auth sign: %w", err)
	}
	if err := eng.Settle(ctx, auth, permitSig, authSig); err != nil {
		return fmt.Errorf("sim settle: %w", err)
	}

	a.logger.Info("sim round complete",
		slog.Int64("round", round),
		slog.Int64("question_id", qid),
		slog.Int64("accrued_fees", eng.AccruedFees()),
		slog.Int64("merchant_balance", treas.BalanceOf(merchant.Address())),
	)
	return nil
}

// newSimSigner generates a throwaway key pair for the demo.
func newSimSigner(chainID int64) (*crypto.Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("app: generate sim key: %w", err)
	}
	return crypto.NewSigner(fmt.Sprintf("%x", ethcrypto.FromECDSA(key)), chainID)
}

// jitter moves v by up to ±5%, staying positive.
func jitter(rng *rand.Rand, v uint64) uint64 {
	if v == 0 {
		return 1
	}
	delta := int64(v / 20)
	if delta == 0 {
		delta = 1
	}
	out := int64(v) + rng.Int63n(2*delta+1) - delta
	if out < 1 {
		out = 1
	}
	return uint64(out)
}
