/*
policy.go - Admission rules for balance changes

PURPOSE:
  Decides whether a proposed delta may be applied to an account. The Policy
  is a pure function of its inputs: it never reads storage, so the Applier
  can call it inside a transaction with freshly read values.

RULES (evaluated in order, first failure wins):
  1. |delta| > MaxPerOperation               -> LimitExceeded
  2. effective overdraft = override, or AllowOverdraft when inherited
  3. current+delta < 0 and overdraft refused -> OverdraftDenied
  4. delta > 0 and current+delta > MaxBalance -> LimitExceeded
  5. admit

  The account cap only applies to increases: a debit on an account that is
  already above the cap (because the cap was lowered) is always admitted.
  A zero cap disables that cap.

EXAMPLE:
  p := Policy{Limits: DefaultLimits()}
  next, err := p.Evaluate(Proposal{Current: bal, Delta: MustQuantity("-12.5")})
  var v *PolicyViolation
  if errors.As(err, &v) {
      // v.Rule explains which rule refused it
  }
*/
package ledger

// Limits is the configuration consumed by the engine.
type Limits struct {
	// AllowOverdraft is the global default for users with OverdraftInherit.
	AllowOverdraft bool

	// MaxPerOperation caps |delta| of one transaction.
	MaxPerOperation Quantity

	// MaxBalance caps the balance reached by an increase.
	MaxBalance Quantity

	// MaxPendingPerUser bounds open requests per requester. Zero disables it.
	MaxPendingPerUser int

	// MaxNoteLength bounds Request.Note in runes. Zero disables it.
	MaxNoteLength int
}

// DefaultLimits matches the defaults of the deployed bot.
func DefaultLimits() Limits {
	return Limits{
		AllowOverdraft:    false,
		MaxPerOperation:   QuantityFromUnits(50_000 * 10_000),
		MaxBalance:        QuantityFromUnits(100_000 * 10_000),
		MaxPendingPerUser: 5,
		MaxNoteLength:     280,
	}
}

// Proposal is the input of one policy evaluation.
type Proposal struct {
	Current  Quantity
	Delta    Quantity
	Override OverdraftOverride
}

// Policy evaluates proposals against Limits.
type Policy struct {
	Limits Limits
}

// Evaluate returns the resulting balance, or a *PolicyViolation.
func (p Policy) Evaluate(prop Proposal) (Quantity, error) {
	next, ok := prop.Current.CheckedAdd(prop.Delta)
	violation := func(rule Rule, limit Quantity) error {
		return &PolicyViolation{
			Rule:      rule,
			Balance:   prop.Current,
			Delta:     prop.Delta,
			Resulting: next,
			Limit:     limit,
		}
	}

	if !ok {
		next = prop.Current
		return prop.Current, violation(RuleRange, MaxQuantity)
	}

	if capped(p.Limits.MaxPerOperation) && prop.Delta.Abs().GreaterThan(p.Limits.MaxPerOperation) {
		return prop.Current, violation(RulePerOperationCap, p.Limits.MaxPerOperation)
	}

	if next.IsNegative() && !p.OverdraftAllowed(prop.Override) {
		return prop.Current, violation(RuleOverdraft, Zero)
	}

	if prop.Delta.IsPositive() && capped(p.Limits.MaxBalance) && next.GreaterThan(p.Limits.MaxBalance) {
		return prop.Current, violation(RuleAccountCap, p.Limits.MaxBalance)
	}

	return next, nil
}

// OverdraftAllowed resolves a user override against the global default.
func (p Policy) OverdraftAllowed(override OverdraftOverride) bool {
	return override.Resolve(p.Limits.AllowOverdraft)
}

func capped(limit Quantity) bool { return limit.IsPositive() }
