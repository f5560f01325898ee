package ledger

import (
	"fmt"
	"sync"

	"github.com/mbd888/watchmarket/internal/money"
)

// Recipient roles used by the default policy.
const (
	RolePlatform = "platform"
	RoleSeller   = "seller"
	RoleStore    = "store"
)

// Rule is one recipient's share of an event. Exactly one rule per event
// takes the Remainder; the others take Rate, rounded down.
type Rule struct {
	Role        string     `json:"role"`
	Rate        money.Rate `json:"rate"`
	Remainder   bool       `json:"remainder"`
	Bucket      Bucket     `json:"bucket,omitempty"`
	Description string     `json:"description,omitempty"`
}

func (r Rule) bucket() Bucket {
	if r.Bucket == "" {
		return BucketPrimary
	}
	return r.Bucket
}

// Share is a rule paired with the amount it yields.
type Share struct {
	Rule   Rule
	Amount money.Amount
}

// Policy maps event types to their split rules. Safe for concurrent use.
type Policy struct {
	mu    sync.RWMutex
	rules map[EventType][]Rule
}

// NewPolicy creates an empty policy.
func NewPolicy() *Policy {
	return &Policy{rules: make(map[EventType][]Rule)}
}

// DefaultPolicy builds the marketplace policy: the platform takes adminRate
// of a resale or sale and evaluationRate of an evaluation fee; the seller or
// store keeps the rest.
func DefaultPolicy(resaleRate, evaluationRate money.Rate) (*Policy, error) {
	p := NewPolicy()
	if err := p.Set(EventResale,
		Rule{Role: RolePlatform, Rate: resaleRate, Description: "resale platform commission"},
		Rule{Role: RoleSeller, Remainder: true, Description: "resale seller payment"},
	); err != nil {
		return nil, err
	}
	if err := p.Set(EventSale,
		Rule{Role: RolePlatform, Rate: resaleRate, Description: "sale platform commission"},
		Rule{Role: RoleStore, Remainder: true, Description: "sale store payment"},
	); err != nil {
		return nil, err
	}
	if err := p.Set(EventEvaluation,
		Rule{Role: RolePlatform, Rate: evaluationRate, Description: "evaluation platform commission"},
		Rule{Role: RoleStore, Remainder: true, Description: "evaluation store fee"},
	); err != nil {
		return nil, err
	}
	return p, nil
}

// Set replaces the rules for event.
func (p *Policy) Set(event EventType, rules ...Rule) error {
	var (
		remainders int
		total      money.Rate
		roles      = make(map[string]bool, len(rules))
	)
	for _, r := range rules {
		if r.Role == "" || roles[r.Role] {
			return fmt.Errorf("%w: %s has an empty or repeated role", ErrInvalidPolicy, event)
		}
		roles[r.Role] = true
		if r.Remainder {
			remainders++
			continue
		}
		if _, err := money.ParseRate(int64(r.Rate)); err != nil {
			return fmt.Errorf("%w: %s/%s: %v", ErrInvalidPolicy, event, r.Role, err)
		}
		total += r.Rate
	}
	if remainders != 1 {
		return fmt.Errorf("%w: %s needs exactly one remainder rule", ErrInvalidPolicy, event)
	}
	if total > money.BasisPoints {
		return fmt.Errorf("%w: %s rates exceed 100%%", ErrInvalidPolicy, event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[event] = append([]Rule(nil), rules...)
	return nil
}

// Rules returns a copy of the rules for event.
func (p *Policy) Rules(event EventType) []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Rule(nil), p.rules[event]...)
}

// Rate returns the rate of the rule for role, or zero.
func (p *Policy) Rate(event EventType, role string) money.Rate {
	for _, r := range p.Rules(event) {
		if r.Role == role && !r.Remainder {
			return r.Rate
		}
	}
	return 0
}

// Split computes each rule's share of amount. Rate shares are floored to the
// centavo; the remainder rule receives amount minus their sum, so the shares
// always add up to amount.
func (p *Policy) Split(event EventType, amount money.Amount) ([]Share, error) {
	return p.SplitWith(event, amount, nil)
}

// SplitWith is Split with per-role rate overrides, such as a store's own
// commission rate. Only rate rules can be overridden.
func (p *Policy) SplitWith(event EventType, amount money.Amount, overrides map[string]money.Rate) ([]Share, error) {
	rules := p.Rules(event)
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	if len(overrides) > 0 {
		var (
			total   money.Rate
			applied int
		)
		for i, r := range rules {
			if r.Remainder {
				continue
			}
			if rate, ok := overrides[r.Role]; ok {
				if _, err := money.ParseRate(int64(rate)); err != nil {
					return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidPolicy, event, r.Role, err)
				}
				rules[i].Rate = rate
				applied++
			}
			total += rules[i].Rate
		}
		if applied != len(overrides) {
			return nil, fmt.Errorf("%w: %s has no rate rule for every override", ErrInvalidPolicy, event)
		}
		if total > money.BasisPoints {
			return nil, fmt.Errorf("%w: %s rates exceed 100%%", ErrInvalidPolicy, event)
		}
	}

	shares := make([]Share, len(rules))
	rest := amount
	remainderAt := -1
	for i, r := range rules {
		shares[i].Rule = r
		if r.Remainder {
			remainderAt = i
			continue
		}
		part := amount.MulRateFloor(r.Rate)
		shares[i].Amount = part
		rest = rest.Sub(part)
	}
	shares[remainderAt].Amount = rest
	return shares, nil
}
