package engine

import (
	"fmt"

	"github.com/uhyunpark/condorder/pkg/order"
)

// Policy decides whether a condition-ready order executes or fails.
// It sees the resolved outcome in o.RandomCondition.
type Policy interface {
	Name() string
	Allow(o order.Order) bool
}

type alwaysPolicy struct{}

func (alwaysPolicy) Name() string           { return "always" }
func (alwaysPolicy) Allow(order.Order) bool { return true }

type parityPolicy struct{ even bool }

func (p parityPolicy) Name() string {
	if p.even {
		return "even"
	}
	return "odd"
}

func (p parityPolicy) Allow(o order.Order) bool {
	if o.RandomCondition == nil {
		return false
	}
	isEven := o.RandomCondition.Bit(0) == 0
	return isEven == p.even
}

// AlwaysExecute executes every condition-ready order
func AlwaysExecute() Policy { return alwaysPolicy{} }

// ParsePolicy parses "always", "even" or "odd"
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "always":
		return alwaysPolicy{}, nil
	case "even":
		return parityPolicy{even: true}, nil
	case "odd":
		return parityPolicy{even: false}, nil
	default:
		return nil, fmt.Errorf("unknown execution policy %q", name)
	}
}
