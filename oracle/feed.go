package oracle

import (
	"math/big"
	"time"
)

// FeedRound is the latest report published by a push price feed.
type FeedRound struct {
	// Answer is the reported price scaled by the feed's own decimals.
	Answer *big.Int
	// UpdatedAt is the timestamp the report was produced.
	UpdatedAt time.Time
	// Round identifies the report for auditing.
	Round uint64
}

// PriceFeed is the push price-feed collaborator. Implementations adapt
// whatever feed transport the deployment uses; the oracle only consumes
// the latest report.
type PriceFeed interface {
	LatestRound() (FeedRound, error)
}

// UptimeFeed reports whether the underlying data source is live and when
// it last transitioned. Latency-sensitive deployments wire one so a feed
// that just came back is not trusted before its grace period elapses.
type UptimeFeed interface {
	Status() (up bool, since time.Time, err error)
}

// feedPrice reads the configured feed and converts its answer into a Q96
// price of one token-wei expressed in the common reference currency,
// normalised by the feed and token decimals. The caller divides by the
// cached accounting-unit reference price to land in the accounting unit.
func (o *Oracle) feedPrice(cfg *TokenConfig, now time.Time) (*big.Int, error) {
	if cfg.Feed == nil {
		return nil, ErrNotConfigured
	}
	if err := o.checkUptime(now); err != nil {
		return nil, err
	}
	round, err := cfg.Feed.LatestRound()
	if err != nil {
		return nil, err
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, ErrInvalidFeedAnswer
	}
	if cfg.MaxFeedAge > 0 && now.Sub(round.UpdatedAt) > cfg.MaxFeedAge {
		return nil, ErrStaleFeed
	}
	// referencePriceX96 = answer * Q96 / (10^feedDecimals * 10^tokenDecimals)
	scale := pow10(uint(cfg.FeedDecimals) + uint(cfg.TokenDecimals))
	price := new(big.Int).Lsh(round.Answer, 96)
	return price.Quo(price, scale), nil
}

func (o *Oracle) checkUptime(now time.Time) error {
	if o.uptime == nil {
		return nil
	}
	up, since, err := o.uptime.Status()
	if err != nil {
		return err
	}
	if !up {
		return ErrSequencerDown
	}
	if o.uptimeGrace > 0 && now.Sub(since) < o.uptimeGrace {
		return ErrSequencerGrace
	}
	return nil
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), new(big.Int).SetUint64(uint64(n)), nil)
}
