// Command risk-demo drives RiskCore through a set of canned scenarios and
// prints each verdict, so a reviewer can see the four invariant groups and
// the severity ordering without standing up the whole pipeline.
package main

import (
	"fmt"
	"time"

	"github.com/avrilquant/regime-core/internal/riskcore"
)

type scenario struct {
	name string
	data riskcore.Data
}

func main() {
	now := time.Now().UTC()
	thresholds := riskcore.Thresholds{
		MaxCumulativeLossPct:    20,
		Max24hLossPct:           5,
		Max7dLossPct:            10,
		MaxSinglePositionPct:    10,
		MaxAggregateExposurePct: 60,
		MaxCorrelatedGroupPct:   40,
		MaxActionsPerHour:       6,
		MaxActions24h:           30,
		LossRetryCooldown:       15 * time.Minute,
		MinActionCooldown:       30 * time.Second,
		MaxConsecutiveErrors:    5,
		LimitedSizeFactor:       0.5,
	}
	invariants := riskcore.DefaultInvariants()

	healthy := riskcore.Data{
		Now:               now,
		RuntimeHealthy:    true,
		CriticalModulesUp: true,
	}

	scenarios := []scenario{
		{name: "clean book, healthy runtime", data: healthy},
		{name: "24h loss over cap", data: func() riskcore.Data {
			d := healthy
			d.Loss24hPct = 6
			return d
		}()},
		{name: "cumulative loss over cap", data: func() riskcore.Data {
			d := healthy
			d.CumulativeLossPct = 22
			return d
		}()},
		{name: "single position over cap", data: func() riskcore.Data {
			d := healthy
			d.SinglePositionExposurePct = 12
			return d
		}()},
		{name: "correlated group over cap", data: func() riskcore.Data {
			d := healthy
			d.CorrelatedGroupExposure = map[string]float64{"ETHUSDT": 45}
			return d
		}()},
		{name: "over-trading, 7 actions this hour", data: func() riskcore.Data {
			d := healthy
			d.ActionsLastHour = 7
			return d
		}()},
		{name: "loss five minutes ago", data: func() riskcore.Data {
			d := healthy
			d.LastLossAt = now.Add(-5 * time.Minute)
			return d
		}()},
		{name: "system in safe mode", data: func() riskcore.Data {
			d := healthy
			d.SafeMode = true
			return d
		}()},
		{name: "critical module down", data: func() riskcore.Data {
			d := healthy
			d.CriticalModulesUp = false
			return d
		}()},
	}

	for _, s := range scenarios {
		report := riskcore.Evaluate(s.data, thresholds, invariants)
		fmt.Printf("%-40s permission=%-13s state=%s\n", s.name, report.Permission, report.State)
		for _, v := range report.Violations {
			fmt.Printf("%40s   [%s] %s\n", "", v.Group, v.Reason)
		}
	}
}
