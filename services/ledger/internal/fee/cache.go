package fee

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

type RuleLister interface {
	ListFeeRules(ctx context.Context) ([]Rule, error)
}

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	SetCacheSize(size int)
	IncRefreshError()
}

type RuleCache struct {
	mu          sync.RWMutex
	rules       map[ruleKey]Rule
	lastRefresh time.Time
}

func NewRuleCache() *RuleCache {
	return &RuleCache{
		rules: make(map[ruleKey]Rule),
	}
}

func (c *RuleCache) Load(ctx context.Context, store RuleLister) error {
	rules, err := store.ListFeeRules(ctx)
	if err != nil {
		return err
	}

	next := make(map[ruleKey]Rule, len(rules))
	for _, rule := range rules {
		if rule.Validate() != nil {
			continue
		}
		next[rule.key()] = rule
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = next
	c.lastRefresh = time.Now()
	return nil
}

func (c *RuleCache) Refresh(ctx context.Context, store RuleLister) error {
	return c.Load(ctx, store)
}

// Set stores a single rule, replacing any rule with the same operation type and asset.
func (c *RuleCache) Set(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rules == nil {
		c.rules = make(map[ruleKey]Rule)
	}
	c.rules[rule.key()] = rule
}

// Get returns the exact rule for assetID. Pass uuid.Nil to get the fallback rule.
func (c *RuleCache) Get(opType ledger.OperationType, assetID uuid.UUID) (*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rule, ok := c.rules[ruleKey{opType: opType, assetID: assetID}]
	if !ok {
		return nil, false
	}
	copy := rule
	return &copy, true
}

func (c *RuleCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

func (c *RuleCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *RuleCache) StartAutoRefresh(ctx context.Context, store RuleLister, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("fee rule cache refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, store)
				cancel()
				if err != nil {
					logger.Error("fee rule cache refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
					metrics.SetCacheSize(c.Size())
				}
				logger.Debug("fee rule cache refreshed", "rules", c.Size())
			}
		}
	}()
}
