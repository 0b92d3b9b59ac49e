package riskcore

// CapitalInvariant enforces cumulative/24h/7d loss caps. Losses are
// monotone: this group only ever compares against the configured ceiling,
// it never resets a loss counter itself — that is LossTracker's job.
type CapitalInvariant struct{}

func (CapitalInvariant) Group() string { return "capital" }

func (CapitalInvariant) Evaluate(d Data, t Thresholds) Violation {
	switch {
	case t.MaxCumulativeLossPct > 0 && d.CumulativeLossPct >= t.MaxCumulativeLossPct:
		return Violation{Group: "capital", State: StateHalted, Reason: "cumulative loss exceeds cap"}
	case t.Max7dLossPct > 0 && d.Loss7dPct >= t.Max7dLossPct:
		return Violation{Group: "capital", State: StateLocked, Reason: "7d loss exceeds cap"}
	case t.Max24hLossPct > 0 && d.Loss24hPct >= t.Max24hLossPct:
		return Violation{Group: "capital", State: StateLocked, Reason: "24h loss exceeds cap"}
	default:
		return Violation{State: StateSafe, Group: "capital"}
	}
}

// ExposureInvariant enforces the single-position, aggregate, and
// correlated-group exposure caps. The correlated-group definition is
// supplied externally — this invariant treats it as an opaque map and
// never computes correlation itself.
type ExposureInvariant struct{}

func (ExposureInvariant) Group() string { return "exposure" }

func (ExposureInvariant) Evaluate(d Data, t Thresholds) Violation {
	if t.MaxSinglePositionPct > 0 && d.SinglePositionExposurePct > t.MaxSinglePositionPct {
		return Violation{Group: "exposure", State: StateLimited, Reason: "single position exceeds cap"}
	}
	if t.MaxAggregateExposurePct > 0 && d.AggregateExposurePct > t.MaxAggregateExposurePct {
		return Violation{Group: "exposure", State: StateLocked, Reason: "aggregate exposure exceeds cap"}
	}
	if t.MaxCorrelatedGroupPct > 0 {
		for group, pct := range d.CorrelatedGroupExposure {
			if pct > t.MaxCorrelatedGroupPct {
				return Violation{Group: "exposure", State: StateLimited, Reason: "correlated group " + group + " exceeds cap"}
			}
		}
	}
	return Violation{State: StateSafe, Group: "exposure"}
}

// BehavioralInvariant enforces action-rate caps and cooldowns: actions per
// hour, per 24h, a post-loss retry cooldown, and a minimum inter-action
// cooldown regardless of outcome.
type BehavioralInvariant struct{}

func (BehavioralInvariant) Group() string { return "behavioral" }

func (BehavioralInvariant) Evaluate(d Data, t Thresholds) Violation {
	if t.MaxActionsPerHour > 0 && d.ActionsLastHour >= t.MaxActionsPerHour {
		return Violation{Group: "behavioral", State: StateLimited, Reason: "actions-per-hour cap reached"}
	}
	if t.MaxActions24h > 0 && d.Actions24h >= t.MaxActions24h {
		return Violation{Group: "behavioral", State: StateLocked, Reason: "actions-per-24h cap reached"}
	}
	if t.LossRetryCooldown > 0 && !d.LastLossAt.IsZero() && d.Now.Sub(d.LastLossAt) < t.LossRetryCooldown {
		return Violation{Group: "behavioral", State: StateLimited, Reason: "loss-retry cooldown active"}
	}
	if t.MinActionCooldown > 0 && !d.LastActionAt.IsZero() && d.Now.Sub(d.LastActionAt) < t.MinActionCooldown {
		return Violation{Group: "behavioral", State: StateLimited, Reason: "minimum inter-action cooldown active"}
	}
	return Violation{State: StateSafe, Group: "behavioral"}
}

// SystemicInvariant enforces runtime health, CRITICAL-module availability,
// the consecutive-error budget, and the FSM's safe-mode flag. This is the
// group that observes the rest of the system rather than the book.
type SystemicInvariant struct{}

func (SystemicInvariant) Group() string { return "systemic" }

func (SystemicInvariant) Evaluate(d Data, t Thresholds) Violation {
	if !d.RuntimeHealthy {
		return Violation{Group: "systemic", State: StateHalted, Reason: "runtime unhealthy"}
	}
	if !d.CriticalModulesUp {
		return Violation{Group: "systemic", State: StateHalted, Reason: "a CRITICAL module is unavailable"}
	}
	if d.SafeMode {
		return Violation{Group: "systemic", State: StateLocked, Reason: "system is in SAFE_MODE"}
	}
	if t.MaxConsecutiveErrors > 0 && d.ConsecutiveErrors >= t.MaxConsecutiveErrors {
		return Violation{Group: "systemic", State: StateLocked, Reason: "consecutive error budget exhausted"}
	}
	return Violation{State: StateSafe, Group: "systemic"}
}
