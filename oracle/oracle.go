// Package oracle produces manipulation-resistant prices for configured
// tokens, denominated in the vault's accounting unit, and decomposes a
// concentrated-liquidity position into token amounts plus uncollected
// fees at those prices.
package oracle

import (
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/fixedmath"
)

var (
	ErrNotConfigured          = errors.New("oracle: token not configured")
	ErrInvalidPool            = errors.New("oracle: pool does not match configured pair")
	ErrInvalidMode            = errors.New("oracle: invalid mode assignment")
	ErrDivergence             = errors.New("oracle: price sources diverge beyond configured bound")
	ErrPoolPriceDivergence    = errors.New("oracle: pool spot price diverges from derived price")
	ErrStaleFeed              = errors.New("oracle: feed report older than max age")
	ErrInvalidFeedAnswer      = errors.New("oracle: feed answer not positive")
	ErrSequencerDown          = errors.New("oracle: uptime feed reports down")
	ErrSequencerGrace         = errors.New("oracle: uptime grace period not elapsed")
	ErrTickOutOfRange         = errors.New("oracle: tick outside supported range")
	ErrObservationUnavailable = errors.New("oracle: pool observations unavailable")
	ErrUnauthorized           = errors.New("oracle: caller not authorized")
)

// Mode selects how the two price sources for a token are combined.
type Mode uint8

const (
	// ModeFeedTwapVerify returns the feed price verified against the TWAP.
	ModeFeedTwapVerify Mode = iota + 1
	// ModeTwapFeedVerify returns the TWAP verified against the feed.
	ModeTwapFeedVerify
	// ModeFeedOnly returns the feed price without verification.
	ModeFeedOnly
	// ModeTwapOnly returns the TWAP without verification.
	ModeTwapOnly
)

func (m Mode) valid() bool {
	return m >= ModeFeedTwapVerify && m <= ModeTwapOnly
}

// DivergenceUnlimited disables the per-token divergence bound.
const DivergenceUnlimited = uint64(math.MaxUint64)

// DefaultMaxPoolPriceDivergenceBps bounds how far a position's own pool
// may drift from the price implied by its two token prices.
const DefaultMaxPoolPriceDivergenceBps = 200

// TokenConfig is the per-token pricing configuration.
type TokenConfig struct {
	// Feed is the push price feed quoting the token in the common
	// reference currency.
	Feed PriceFeed
	// MaxFeedAge rejects feed reports older than this. Zero disables
	// the staleness check.
	MaxFeedAge time.Duration
	// FeedDecimals is the decimal count of feed answers.
	FeedDecimals uint8
	// TokenDecimals is the token's own decimal count.
	TokenDecimals uint8
	// Pool is the reference pool pairing the token with the accounting
	// unit, used for the TWAP leg.
	Pool Pool
	// IsToken0 records whether the token is token0 of the reference pool.
	IsToken0 bool
	// TwapWindow is the observation window in seconds. Zero uses the
	// instantaneous tick.
	TwapWindow uint32
	// Mode selects the reconciliation behaviour of the two sources.
	Mode Mode
	// MaxDivergenceBps bounds the relative difference between the two
	// sources (x10000). DivergenceUnlimited disables the check.
	MaxDivergenceBps uint64
}

func (c *TokenConfig) clone() *TokenConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Oracle prices configured tokens in the accounting unit and values
// positions. All reads are synchronous; any source failure aborts the
// enclosing valuation.
type Oracle struct {
	owner          common.Address
	emergencyAdmin common.Address

	unitToken    common.Address
	unitDecimals uint8

	tokens      map[common.Address]*TokenConfig
	factory     PoolFactory
	positions   PositionManager
	uptime      UptimeFeed
	uptimeGrace time.Duration

	maxPoolPriceDivergenceBps uint64

	now func() time.Time
}

// New constructs an oracle for the given accounting unit. The unit token
// must be configured with SetTokenConfig in FEED_ONLY mode before any
// valuation.
func New(owner, unitToken common.Address, unitDecimals uint8, factory PoolFactory, positions PositionManager) *Oracle {
	return &Oracle{
		owner:                     owner,
		unitToken:                 unitToken,
		unitDecimals:              unitDecimals,
		tokens:                    make(map[common.Address]*TokenConfig),
		factory:                   factory,
		positions:                 positions,
		maxPoolPriceDivergenceBps: DefaultMaxPoolPriceDivergenceBps,
		now:                       time.Now,
	}
}

// SetClock overrides the time source, used by deterministic tests.
func (o *Oracle) SetClock(now func() time.Time) {
	if o == nil || now == nil {
		return
	}
	o.now = now
}

// SetEmergencyAdmin assigns the distinct role allowed to switch a
// token's mode without the owner, to bypass a broken feed quickly.
func (o *Oracle) SetEmergencyAdmin(caller, admin common.Address) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	o.emergencyAdmin = admin
	return nil
}

// SetUptimeFeed wires the optional liveness signal and its grace period.
func (o *Oracle) SetUptimeFeed(caller common.Address, feed UptimeFeed, grace time.Duration) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	o.uptime = feed
	o.uptimeGrace = grace
	return nil
}

// SetMaxPoolPriceDivergence updates the global bound applied to the
// pool spot versus derived price cross-check.
func (o *Oracle) SetMaxPoolPriceDivergence(caller common.Address, bps uint64) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	if bps == 0 {
		return ErrInvalidMode
	}
	o.maxPoolPriceDivergenceBps = bps
	return nil
}

// SetTokenConfig installs or replaces the pricing configuration for a
// token. The accounting unit itself must use FEED_ONLY; its price is
// cached per valuation call and reused for both legs of a pair.
func (o *Oracle) SetTokenConfig(caller, token common.Address, cfg TokenConfig) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	if !cfg.Mode.valid() {
		return ErrInvalidMode
	}
	if token == o.unitToken && cfg.Mode != ModeFeedOnly {
		return ErrInvalidMode
	}
	if cfg.Mode != ModeFeedOnly {
		if cfg.Pool == nil {
			return ErrNotConfigured
		}
		token0, token1 := cfg.Pool.Tokens()
		switch {
		case token0 == token && token1 == o.unitToken:
			cfg.IsToken0 = true
		case token1 == token && token0 == o.unitToken:
			cfg.IsToken0 = false
		default:
			return ErrInvalidPool
		}
	}
	o.tokens[token] = cfg.clone()
	return nil
}

// SetOracleMode switches a token's reconciliation mode. The emergency
// admin may call this alongside the owner so a broken feed can be
// bypassed without a full governance delay.
func (o *Oracle) SetOracleMode(caller, token common.Address, mode Mode) error {
	if caller != o.owner && (o.emergencyAdmin == common.Address{} || caller != o.emergencyAdmin) {
		return ErrUnauthorized
	}
	if !mode.valid() {
		return ErrInvalidMode
	}
	cfg, ok := o.tokens[token]
	if !ok {
		return ErrNotConfigured
	}
	if token == o.unitToken && mode != ModeFeedOnly {
		return ErrInvalidMode
	}
	if mode != ModeFeedOnly && cfg.Pool == nil {
		return ErrNotConfigured
	}
	cfg.Mode = mode
	return nil
}

// priceCache holds the per-call state keeping a single valuation
// internally consistent: every token priced within one call observes the
// same accounting-unit reference price.
type priceCache struct {
	unitRefX96 *big.Int
	prices     map[common.Address]*big.Int
}

func newPriceCache() *priceCache {
	return &priceCache{prices: make(map[common.Address]*big.Int)}
}

// unitReference resolves and caches the accounting unit's reference
// price for the duration of one call.
func (o *Oracle) unitReference(cache *priceCache, now time.Time) (*big.Int, error) {
	if cache.unitRefX96 != nil {
		return cache.unitRefX96, nil
	}
	cfg, ok := o.tokens[o.unitToken]
	if !ok {
		return nil, ErrNotConfigured
	}
	ref, err := o.feedPrice(cfg, now)
	if err != nil {
		return nil, err
	}
	if ref.Sign() == 0 {
		return nil, ErrInvalidFeedAnswer
	}
	cache.unitRefX96 = ref
	return ref, nil
}

// price returns the Q96 price of one token-wei in accounting-unit wei,
// applying the token's mode and divergence bound.
func (o *Oracle) price(token common.Address, cache *priceCache, now time.Time) (*big.Int, error) {
	if cached, ok := cache.prices[token]; ok {
		return cached, nil
	}
	cfg, ok := o.tokens[token]
	if !ok {
		return nil, ErrNotConfigured
	}
	if token == o.unitToken {
		// The unit prices at exactly 1.0 by definition; reading the feed
		// still validates staleness and liveness.
		if _, err := o.unitReference(cache, now); err != nil {
			return nil, err
		}
		unit := new(big.Int).Set(fixedmath.Q96)
		cache.prices[token] = unit
		return unit, nil
	}

	var feedLeg, twapLeg *big.Int
	var err error
	needFeed := cfg.Mode != ModeTwapOnly
	needTwap := cfg.Mode != ModeFeedOnly

	if needFeed {
		unitRef, err := o.unitReference(cache, now)
		if err != nil {
			return nil, err
		}
		ref, err := o.feedPrice(cfg, now)
		if err != nil {
			return nil, err
		}
		// Both reference prices are normalised per-wei of their own
		// token, so the ratio lands directly in unit-wei per token-wei.
		feedLeg, err = fixedmath.MulDiv(ref, fixedmath.Q96, unitRef)
		if err != nil {
			return nil, err
		}
	}
	if needTwap {
		twapLeg, err = o.twapPrice(cfg)
		if err != nil {
			return nil, err
		}
	}

	var price *big.Int
	switch cfg.Mode {
	case ModeFeedOnly:
		price = feedLeg
	case ModeTwapOnly:
		price = twapLeg
	case ModeFeedTwapVerify:
		if err := requireMaxDifference(feedLeg, twapLeg, cfg.MaxDivergenceBps); err != nil {
			return nil, err
		}
		price = feedLeg
	case ModeTwapFeedVerify:
		if err := requireMaxDifference(twapLeg, feedLeg, cfg.MaxDivergenceBps); err != nil {
			return nil, err
		}
		price = twapLeg
	default:
		return nil, ErrInvalidMode
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidFeedAnswer
	}
	cache.prices[token] = price
	return price, nil
}

// requireMaxDifference fails when the relative difference between price
// and verify exceeds the bound, measured in x10000 against the verify
// source. The unlimited sentinel disables the check.
func requireMaxDifference(price, verify *big.Int, maxBps uint64) error {
	if maxBps == DivergenceUnlimited {
		return nil
	}
	if verify == nil || verify.Sign() <= 0 || price == nil || price.Sign() <= 0 {
		return ErrInvalidFeedAnswer
	}
	diff := new(big.Int).Sub(price, verify)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, verify)
	if diff.Cmp(new(big.Int).SetUint64(maxBps)) > 0 {
		return ErrDivergence
	}
	return nil
}

// Price returns the Q96 price of the token in the accounting unit using
// a fresh per-call cache.
func (o *Oracle) Price(token common.Address) (*big.Int, error) {
	return o.price(token, newPriceCache(), o.now())
}

// PositionValuation decomposes a position into amounts, fees and prices
// at the cross-checked derived price. Values are denominated in the unit
// passed to Value.
type PositionValuation struct {
	Token0, Token1   common.Address
	Amount0, Amount1 *big.Int
	Fees0, Fees1     *big.Int
	Price0X96        *big.Int
	Price1X96        *big.Int
	Value            *big.Int
	FeeValue         *big.Int
}

// Value runs the full valuation algorithm for a position: price both
// legs, cross-check the position's own pool against the derived price,
// convert liquidity into amounts at the derived sqrt price, add
// uncollected fees, and express the aggregate in the requested unit.
func (o *Oracle) Value(id uint64, unit common.Address) (PositionValuation, error) {
	now := o.now()
	cache := newPriceCache()

	pos, err := o.positions.Position(id)
	if err != nil {
		return PositionValuation{}, err
	}

	price0, err := o.price(pos.Token0, cache, now)
	if err != nil {
		return PositionValuation{}, err
	}
	price1, err := o.price(pos.Token1, cache, now)
	if err != nil {
		return PositionValuation{}, err
	}

	pool, err := o.factory.Pool(pos.Token0, pos.Token1, pos.Fee)
	if err != nil {
		return PositionValuation{}, err
	}
	if pool == nil {
		return PositionValuation{}, ErrInvalidPool
	}

	// Derived price of token0 in token1 terms from the two external
	// prices; this is the reference the pool's spot price must match.
	derived01X96, err := fixedmath.MulDiv(price0, fixedmath.Q96, price1)
	if err != nil {
		return PositionValuation{}, err
	}

	spotSqrtX96, currentTick, err := pool.Slot0()
	if err != nil {
		return PositionValuation{}, err
	}
	spot01X96 := new(big.Int).Mul(spotSqrtX96, spotSqrtX96)
	spot01X96.Quo(spot01X96, fixedmath.Q96)
	if err := requirePoolPrice(spot01X96, derived01X96, o.maxPoolPriceDivergenceBps); err != nil {
		return PositionValuation{}, err
	}

	// Amounts are evaluated at the derived price, not raw spot.
	derivedSqrtX96 := fixedmath.SqrtX96(new(big.Int).Mul(derived01X96, fixedmath.Q96))
	amount0, amount1, err := amountsForLiquidity(derivedSqrtX96, pos.TickLower, pos.TickUpper, pos.Liquidity)
	if err != nil {
		return PositionValuation{}, err
	}

	fees0, fees1, err := uncollectedFees(pool, pos, currentTick)
	if err != nil {
		return PositionValuation{}, err
	}

	value := new(big.Int).Add(
		mulPriceX96(amount0, price0),
		mulPriceX96(amount1, price1),
	)
	feeValue := new(big.Int).Add(
		mulPriceX96(fees0, price0),
		mulPriceX96(fees1, price1),
	)

	if unit != o.unitToken {
		unitPrice, err := o.price(unit, cache, now)
		if err != nil {
			return PositionValuation{}, err
		}
		if value, err = fixedmath.MulDiv(value, fixedmath.Q96, unitPrice); err != nil {
			return PositionValuation{}, err
		}
		if feeValue, err = fixedmath.MulDiv(feeValue, fixedmath.Q96, unitPrice); err != nil {
			return PositionValuation{}, err
		}
	}

	return PositionValuation{
		Token0:    pos.Token0,
		Token1:    pos.Token1,
		Amount0:   amount0,
		Amount1:   amount1,
		Fees0:     fees0,
		Fees1:     fees1,
		Price0X96: price0,
		Price1X96: price1,
		Value:     value,
		FeeValue:  feeValue,
	}, nil
}

func requirePoolPrice(spot, derived *big.Int, maxBps uint64) error {
	if derived == nil || derived.Sign() <= 0 {
		return ErrInvalidFeedAnswer
	}
	diff := new(big.Int).Sub(spot, derived)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, derived)
	if diff.Cmp(new(big.Int).SetUint64(maxBps)) > 0 {
		return ErrPoolPriceDivergence
	}
	return nil
}

func mulPriceX96(amount, priceX96 *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, priceX96)
	return out.Rsh(out, 96)
}
