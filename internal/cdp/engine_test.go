package cdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

var (
	clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	uusd  = model.Native("uusd")
	mAAPL = model.Token("terra1maapl")
	mLUNA = model.Token("terra1mluna")
)

func u(s string) fixedpoint.Uint    { return fixedpoint.MustParseUint(s) }
func d(s string) fixedpoint.Decimal { return fixedpoint.MustParseDecimal(s) }

func asset(info model.AssetInfo, n string) model.Asset {
	return model.Asset{Info: info, Amount: u(n)}
}

type testEnv struct {
	ctx    context.Context
	engine *Engine
	store  *store.MemoryStore
	oracle *oracle.Static
}

// newTestEnv returns an initialised engine with mAAPL registered at a 150%
// minimum ratio and 20% auction discount, priced at 1.1 uusd.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:    context.Background(),
		store:  store.NewMemoryStore(),
		oracle: oracle.NewStatic(),
	}
	env.engine = NewEngine(env.oracle, 0)
	require.NoError(t, env.engine.Instantiate(env.ctx, env.store,
		model.Config{Owner: "owner", Oracle: "oracle", BaseDenom: "uusd"},
		[]model.AssetConfig{{Token: "terra1maapl", AuctionDiscount: d("0.2"), MinCollateralRatio: d("1.5")}},
	))
	env.setPrice(mAAPL, "1.1", clock)
	env.setPrice(mLUNA, "2", clock)
	return env
}

func (e *testEnv) setPrice(info model.AssetInfo, price string, at time.Time) {
	e.oracle.Set(info, model.PriceQuote{Price: d(price), Multiplier: fixedpoint.OneDecimal(), LastUpdateTime: at})
}

func as(sender string, funds ...model.Asset) Env {
	return Env{Sender: sender, Time: clock, Funds: funds}
}

// open creates position 1 for alice: 1000 uusd at 200% mints 454 mAAPL.
func (e *testEnv) open(t *testing.T) *model.Position {
	t.Helper()
	coll := asset(uusd, "1000")
	res, err := e.engine.OpenPosition(e.ctx, e.store, as("alice", coll), OpenRequest{
		Collateral: coll, Asset: mAAPL, CollateralRatio: d("2"),
	})
	require.NoError(t, err)
	return res.Position
}

func (e *testEnv) position(t *testing.T, idx uint64) *model.Position {
	t.Helper()
	p, err := e.store.GetPosition(e.ctx, idx)
	require.NoError(t, err)
	return p
}

func TestOpenPosition(t *testing.T) {
	env := newTestEnv(t)
	coll := asset(uusd, "1000")

	res, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", coll), OpenRequest{
		Collateral: coll, Asset: mAAPL, CollateralRatio: d("2"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.ActionOpen, res.Action)
	assert.Equal(t, uint64(1), res.Position.Idx)
	assert.Equal(t, "alice", res.Position.Owner)
	assert.Equal(t, "454", res.Position.Asset.Amount.String())
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("alice", coll),
		transfer.Mint("alice", asset(mAAPL, "454")),
	}, res.Messages)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "454", res.Events[0].Attributes["mint_amount"])

	next, err := env.engine.NextPositionIdx(env.ctx, env.store)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestOpenPosition_Rejections(t *testing.T) {
	env := newTestEnv(t)
	coll := asset(uusd, "1000")
	req := OpenRequest{Collateral: coll, Asset: mAAPL, CollateralRatio: d("2")}

	t.Run("below minimum ratio", func(t *testing.T) {
		r := req
		r.CollateralRatio = d("1.49")
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", coll), r)
		assert.ErrorIs(t, err, ErrInvalidCollateralRatio)
	})
	t.Run("funds mismatch", func(t *testing.T) {
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", asset(uusd, "999")), req)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
	t.Run("token collateral outside the hook", func(t *testing.T) {
		r := req
		r.Collateral = asset(mLUNA, "10")
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice"), r)
		assert.ErrorIs(t, err, ErrInvalidAssetKind)
	})
	t.Run("unregistered asset", func(t *testing.T) {
		r := req
		r.Asset = model.Token("terra1mtsla")
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", coll), r)
		assert.ErrorIs(t, err, ErrAssetNotFound)
	})
	t.Run("native asset cannot be minted", func(t *testing.T) {
		r := req
		r.Asset = model.Native("ukrw")
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", coll), r)
		assert.ErrorIs(t, err, ErrInvalidAssetKind)
	})
	t.Run("dust collateral", func(t *testing.T) {
		dust := asset(uusd, "1")
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", dust), OpenRequest{
			Collateral: dust, Asset: mAAPL, CollateralRatio: d("2"),
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
	t.Run("stale price", func(t *testing.T) {
		env.setPrice(mAAPL, "1.1", clock.Add(-61*time.Second))
		defer env.setPrice(mAAPL, "1.1", clock)
		_, err := env.engine.OpenPosition(env.ctx, env.store, as("alice", coll), req)
		assert.ErrorIs(t, err, ErrStalePrice)
	})

	next, _ := env.store.NextPositionIdx(env.ctx)
	assert.Equal(t, uint64(1), next, "rejected opens allocate no idx")
}

func TestOpenPosition_PriceAtExpiryIsFresh(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(mAAPL, "1.1", clock.Add(-DefaultPriceExpiry))
	env.open(t)
}

func TestOpenPosition_NotInitialized(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(oracle.NewStatic(), time.Minute)
	coll := asset(uusd, "1000")
	_, err := e.OpenPosition(context.Background(), st, as("alice", coll), OpenRequest{
		Collateral: coll, Asset: mAAPL, CollateralRatio: d("2"),
	})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	// deposits never need a fresh price
	env.setPrice(mAAPL, "1.1", clock.Add(-time.Hour))

	more := asset(uusd, "500")
	res, err := env.engine.Deposit(env.ctx, env.store, as("bob", more), 1, more)
	require.NoError(t, err)
	assert.Equal(t, "1500", res.Position.Collateral.Amount.String())
	assert.Equal(t, []transfer.Instruction{transfer.Receive("bob", more)}, res.Messages)

	wrong := asset(model.Native("ukrw"), "5")
	_, err = env.engine.Deposit(env.ctx, env.store, as("bob", wrong), 1, wrong)
	assert.ErrorIs(t, err, ErrWrongAsset)

	_, err = env.engine.Deposit(env.ctx, env.store, as("bob", more), 7, more)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestDeposit_RechecksRatio(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	// 454 * 2 * 1.5 = 1362 uusd needed; the quote is stale but still used
	env.setPrice(mAAPL, "2", clock.Add(-time.Hour))

	some := asset(uusd, "100")
	res, err := env.engine.Deposit(env.ctx, env.store, as("bob", some), 1, some)
	require.NoError(t, err, "an under-collateralized deposit is accepted")
	assert.Equal(t, "false", res.Events[0].Attributes["meets_min_ratio"])

	enough := asset(uusd, "262")
	res, err = env.engine.Deposit(env.ctx, env.store, as("bob", enough), 1, enough)
	require.NoError(t, err)
	assert.Equal(t, "1362", res.Position.Collateral.Amount.String())
	assert.Equal(t, "true", res.Events[0].Attributes["meets_min_ratio"])
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	amt := asset(uusd, "250")
	_, err := env.engine.Withdraw(env.ctx, env.store, as("bob"), 1, &amt)
	assert.ErrorIs(t, err, ErrUnauthorized)

	too := asset(uusd, "1001")
	_, err = env.engine.Withdraw(env.ctx, env.store, as("alice"), 1, &too)
	assert.ErrorIs(t, err, ErrAmountExceedsAvailable)

	_, err = env.engine.Withdraw(env.ctx, env.store, as("alice"), 1, nil)
	assert.ErrorIs(t, err, ErrInvalidCollateralRatio, "cannot withdraw everything while minted asset is outstanding")

	// 454 * 1.1 * 1.5 = 749.1, so 750 must stay
	over := asset(uusd, "251")
	_, err = env.engine.Withdraw(env.ctx, env.store, as("alice"), 1, &over)
	assert.ErrorIs(t, err, ErrInvalidCollateralRatio)

	res, err := env.engine.Withdraw(env.ctx, env.store, as("alice"), 1, &amt)
	require.NoError(t, err)
	assert.Equal(t, "750", res.Position.Collateral.Amount.String())
	assert.Equal(t, []transfer.Instruction{transfer.Send("alice", amt)}, res.Messages)
	assert.Equal(t, "750", env.position(t, 1).Collateral.Amount.String())
}

func TestMint_InclusiveBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	// 607 * 1.65 = 1001.55 > 1000
	_, err := env.engine.Mint(env.ctx, env.store, as("alice"), 1, asset(mAAPL, "153"))
	assert.ErrorIs(t, err, ErrInvalidCollateralRatio)
	assert.Equal(t, "454", env.position(t, 1).Asset.Amount.String())

	// 606 * 1.65 = 999.9 <= 1000
	res, err := env.engine.Mint(env.ctx, env.store, as("alice"), 1, asset(mAAPL, "152"))
	require.NoError(t, err)
	assert.Equal(t, "606", res.Position.Asset.Amount.String())
	assert.Equal(t, []transfer.Instruction{transfer.Mint("alice", asset(mAAPL, "152"))}, res.Messages)

	_, err = env.engine.Mint(env.ctx, env.store, as("bob"), 1, asset(mAAPL, "1"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.engine.Mint(env.ctx, env.store, as("alice"), 1, asset(mLUNA, "1"))
	assert.ErrorIs(t, err, ErrWrongAsset)
	_, err = env.engine.Mint(env.ctx, env.store, as("alice"), 1, asset(mAAPL, "0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func burnMsg(sender, amount string, idx uint64) ReceiveMsg {
	return ReceiveMsg{Sender: sender, Amount: u(amount), Msg: HookMsg{Burn: &PositionHook{PositionIdx: idx}}}
}

func TestBurn_PartialAndFull(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	token := as("terra1maapl")

	res, err := env.engine.Receive(env.ctx, env.store, token, burnMsg("alice", "100", 1))
	require.NoError(t, err)
	assert.Equal(t, "354", res.Position.Asset.Amount.String())
	assert.Equal(t, "1000", res.Position.Collateral.Amount.String())
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("alice", asset(mAAPL, "100")),
		transfer.Burn(asset(mAAPL, "100")),
	}, res.Messages)

	_, err = env.engine.Receive(env.ctx, env.store, token, burnMsg("alice", "355", 1))
	assert.ErrorIs(t, err, ErrAmountExceedsAvailable)

	// anyone holding the asset may repay
	res, err = env.engine.Receive(env.ctx, env.store, token, burnMsg("carol", "354", 1))
	require.NoError(t, err)
	assert.True(t, res.Position.Closed())
	assert.True(t, res.Position.Collateral.Amount.IsZero())
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("carol", asset(mAAPL, "354")),
		transfer.Burn(asset(mAAPL, "354")),
		transfer.Send("alice", asset(uusd, "1000")),
	}, res.Messages)

	// closed positions are kept but frozen
	p := env.position(t, 1)
	assert.True(t, p.Closed())
	_, err = env.engine.Mint(env.ctx, env.store, as("alice"), 1, asset(mAAPL, "1"))
	assert.ErrorIs(t, err, ErrPositionClosed)
	more := asset(uusd, "1")
	_, err = env.engine.Deposit(env.ctx, env.store, as("alice", more), 1, more)
	assert.ErrorIs(t, err, ErrPositionClosed)

	view, err := env.engine.Position(env.ctx, env.store, 1, clock)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, view.Status)
}

func TestBurn_WrongToken(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	_, err := env.engine.Receive(env.ctx, env.store, as("terra1mluna"), burnMsg("alice", "10", 1))
	assert.ErrorIs(t, err, ErrWrongAsset)
}

func auctionMsg(sender, amount string, idx uint64) ReceiveMsg {
	return ReceiveMsg{Sender: sender, Amount: u(amount), Msg: HookMsg{Auction: &PositionHook{PositionIdx: idx}}}
}

func TestAuction_StrictEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	_, err := env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "100", 1))
	assert.ErrorIs(t, err, ErrAuctionNotEligible)

	// 454 * pa * 1.5 crosses 1000 at pa = 1000/681 = 1.4684287812041116005...
	env.setPrice(mAAPL, "1.468428781204111600", clock)
	_, err = env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "100", 1))
	assert.ErrorIs(t, err, ErrAuctionNotEligible)

	env.setPrice(mAAPL, "1.468428781204111601", clock)
	_, err = env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "100", 1))
	assert.NoError(t, err)
}

func TestAuction_PartialFill(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	env.setPrice(mAAPL, "1.5", clock)

	view, err := env.engine.Position(env.ctx, env.store, 1, clock)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLiquidatable, view.Status)

	res, err := env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "100", 1))
	require.NoError(t, err)

	// floor(100 * 1.5 / (1 * 0.8)) = 187
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("bidder", asset(mAAPL, "100")),
		transfer.Burn(asset(mAAPL, "100")),
		transfer.Send("bidder", asset(uusd, "187")),
	}, res.Messages)
	assert.Equal(t, "354", res.Position.Asset.Amount.String())
	assert.Equal(t, "813", res.Position.Collateral.Amount.String())
	assert.Equal(t, "0.8", res.Events[0].Attributes["discounted_price"])
}

func TestAuction_FullFillClosesAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	env.setPrice(mAAPL, "1.5", clock)

	res, err := env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "1000", 1))
	require.NoError(t, err)

	// 454 consumed releases floor(454 * 1.5 / 0.8) = 851, owner keeps 149
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("bidder", asset(mAAPL, "1000")),
		transfer.Burn(asset(mAAPL, "454")),
		transfer.Send("bidder", asset(uusd, "851")),
		transfer.Send("bidder", asset(mAAPL, "546")),
		transfer.Send("alice", asset(uusd, "149")),
	}, res.Messages)
	assert.True(t, res.Position.Closed())
	assert.True(t, res.Position.Collateral.Amount.IsZero())
}

func TestAuction_CollateralExhaustedClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	env.setPrice(mAAPL, "5", clock)

	res, err := env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "454", 1))
	require.NoError(t, err)

	// all 1000 uusd cost ceil(1000 * 0.8 / 5) = 160; 294 is left unbacked
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("bidder", asset(mAAPL, "454")),
		transfer.Burn(asset(mAAPL, "160")),
		transfer.Send("bidder", asset(uusd, "1000")),
		transfer.Send("bidder", asset(mAAPL, "294")),
	}, res.Messages)
	assert.True(t, res.Position.Closed())
	assert.True(t, res.Position.Asset.Amount.IsZero())
	assert.True(t, res.Position.Collateral.Amount.IsZero())
	require.Len(t, res.Events, 1)
	assert.Equal(t, "294 token:terra1maapl", res.Events[0].Attributes["written_off"])
	assert.Equal(t, "true", res.Events[0].Attributes["closed"])

	view, err := env.engine.Position(env.ctx, env.store, 1, clock)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, view.Status)

	_, err = env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "10", 1))
	assert.ErrorIs(t, err, ErrPositionClosed)
	_, err = env.engine.Withdraw(env.ctx, env.store, as("alice"), 1, nil)
	assert.ErrorIs(t, err, ErrPositionClosed)
}

func TestAuction_StalePriceRejected(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	env.setPrice(mAAPL, "1.5", clock.Add(-2*time.Minute))

	_, err := env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "100", 1))
	assert.ErrorIs(t, err, ErrStalePrice)
}

func TestReceive_OpenWithTokenCollateral(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.Receive(env.ctx, env.store, as("terra1mluna"), ReceiveMsg{
		Sender: "alice",
		Amount: u("500"),
		Msg: HookMsg{OpenPosition: &OpenPositionHook{
			AssetInfo: mAAPL, CollateralRatio: d("2"),
		}},
	})
	require.NoError(t, err)

	// 500 * 2 / (1.1 * 2) = 454.54...
	assert.Equal(t, "alice", res.Position.Owner)
	assert.Equal(t, []transfer.Instruction{
		transfer.Receive("alice", asset(mLUNA, "500")),
		transfer.Mint("alice", asset(mAAPL, "454")),
	}, res.Messages)

	res, err = env.engine.Receive(env.ctx, env.store, as("terra1mluna"), ReceiveMsg{
		Sender: "bob", Amount: u("20"), Msg: HookMsg{Deposit: &PositionHook{PositionIdx: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "520", res.Position.Collateral.Amount.String())
}

func TestReceive_MalformedHook(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	token := as("terra1maapl")

	_, err := env.engine.Receive(env.ctx, env.store, token, ReceiveMsg{Sender: "alice", Amount: u("1")})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	hook := &PositionHook{PositionIdx: 1}
	_, err = env.engine.Receive(env.ctx, env.store, token, ReceiveMsg{
		Sender: "alice", Amount: u("1"), Msg: HookMsg{Burn: hook, Auction: hook},
	})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = env.engine.Receive(env.ctx, env.store, token, burnMsg("", "1", 1))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = env.engine.Receive(env.ctx, env.store, token, burnMsg("alice", "0", 1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.Receive(env.ctx, env.store, as("Not A Token"), burnMsg("alice", "1", 1))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestAdmin(t *testing.T) {
	env := newTestEnv(t)
	tsla := model.AssetConfig{Token: "terra1mtsla", AuctionDiscount: d("0.1"), MinCollateralRatio: d("1.3")}

	_, err := env.engine.RegisterAsset(env.ctx, env.store, as("mallory"), tsla)
	assert.ErrorIs(t, err, ErrUnauthorized)

	bad := tsla
	bad.AuctionDiscount = d("1")
	_, err = env.engine.RegisterAsset(env.ctx, env.store, as("owner"), bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = tsla
	bad.MinCollateralRatio = d("0.99")
	_, err = env.engine.RegisterAsset(env.ctx, env.store, as("owner"), bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = env.engine.RegisterAsset(env.ctx, env.store, as("owner"), tsla)
	require.NoError(t, err)
	_, err = env.engine.RegisterAsset(env.ctx, env.store, as("owner"), tsla)
	assert.ErrorIs(t, err, ErrAssetAlreadyRegistered)

	mcr := d("2.1")
	_, err = env.engine.UpdateAssetConfig(env.ctx, env.store, as("owner"), "terra1nope", AssetUpdate{MinCollateralRatio: &mcr})
	assert.ErrorIs(t, err, ErrAssetNotFound)

	newOwner := "dao"
	res, err := env.engine.UpdateConfig(env.ctx, env.store, as("owner"), ConfigUpdate{Owner: &newOwner})
	require.NoError(t, err)
	assert.Equal(t, model.ActionConfigure, res.Action)

	_, err = env.engine.UpdateAssetConfig(env.ctx, env.store, as("owner"), "terra1maapl", AssetUpdate{MinCollateralRatio: &mcr})
	assert.ErrorIs(t, err, ErrUnauthorized)

	cfg, err := env.engine.Config(env.ctx, env.store)
	require.NoError(t, err)
	assert.Equal(t, "dao", cfg.Owner)
	assert.Equal(t, "uusd", cfg.BaseDenom)

	assets, err := env.engine.Assets(env.ctx, env.store)
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestUpdateAssetConfig_AppliesToExistingPositions(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	// 454 * 1.1 * 2.1 = 1048.74 > 1000
	mcr := d("2.1")
	_, err := env.engine.UpdateAssetConfig(env.ctx, env.store, as("owner"), "terra1maapl", AssetUpdate{MinCollateralRatio: &mcr})
	require.NoError(t, err)

	view, err := env.engine.Position(env.ctx, env.store, 1, clock)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLiquidatable, view.Status)
	assert.Equal(t, "2.1", view.MinCollateralRatio.String())
}

func TestInstantiate_Twice(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Instantiate(env.ctx, env.store, model.Config{Owner: "x", BaseDenom: "uusd"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	more := asset(uusd, "100")
	_, err := env.engine.Deposit(env.ctx, env.store, as("alice", more), 1, more)
	require.NoError(t, err)

	// queries tolerate old quotes
	env.setPrice(mAAPL, "1.1", clock.Add(-time.Hour))
	view, err := env.engine.Position(env.ctx, env.store, 1, clock)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHealthy, view.Status)
	require.NotNil(t, view.CollateralRatio)
	assert.True(t, view.CollateralRatio.GT(d("2.2")))
	require.NotNil(t, view.AssetValueInCollateral)
	assert.Equal(t, "499", view.AssetValueInCollateral.String())

	env.oracle = oracle.NewStatic()
	env.engine = NewEngine(env.oracle, 0)
	view, err = env.engine.Position(env.ctx, env.store, 1, clock)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, view.Status)

	list, err := env.engine.Positions(env.ctx, env.store, store.PositionFilter{Owner: "alice"}, clock)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	history, err := env.engine.History(env.ctx, env.store, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.ActionOpen, history[0].Action)
	assert.Equal(t, model.ActionDeposit, history[1].Action)

	_, err = env.engine.History(env.ctx, env.store, 42)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestBankConservation(t *testing.T) {
	env := newTestEnv(t)
	bank := transfer.NewBank()
	require.NoError(t, bank.Credit("alice", asset(uusd, "1000")))
	require.NoError(t, bank.Credit("bidder", asset(mAAPL, "1000")))

	exec := func(res *Result, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, bank.Execute(env.ctx, res.Messages))
	}

	coll := asset(uusd, "1000")
	exec(env.engine.OpenPosition(env.ctx, env.store, as("alice", coll), OpenRequest{
		Collateral: coll, Asset: mAAPL, CollateralRatio: d("2"),
	}))
	assert.Equal(t, "1000", bank.Balance(transfer.EscrowAccount, uusd).String())
	assert.Equal(t, "454", bank.Balance("alice", mAAPL).String())

	env.setPrice(mAAPL, "1.5", clock)
	exec(env.engine.Receive(env.ctx, env.store, as("terra1maapl"), auctionMsg("bidder", "1000", 1)))

	assert.True(t, bank.Balance(transfer.EscrowAccount, uusd).IsZero())
	assert.True(t, bank.Balance(transfer.EscrowAccount, mAAPL).IsZero())
	assert.Equal(t, "851", bank.Balance("bidder", uusd).String())
	assert.Equal(t, "546", bank.Balance("bidder", mAAPL).String())
	assert.Equal(t, "149", bank.Balance("alice", uusd).String())
	// 1000 credited to the bidder plus 454 minted, less 454 burned
	assert.Equal(t, "1000", bank.Supply(mAAPL).String())
}
