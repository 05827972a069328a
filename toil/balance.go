/*
balance.go - Dual balance calculation

PURPOSE:
  Derives the two balance views a user sees from their event history.
  This is a pure function over a snapshot of events: no store access, no
  clock, no ordering assumptions.

BALANCE VIEWS:
  Total:     PENDING + APPROVED events. Pending claims count optimistically.
  Available: APPROVED events only. This is the time that is safe to use.

  REJECTED events contribute to neither view.

  For each view:
    Net = AddMinutes - TakeMinutes

EXAMPLE:
  ADD 90 (APPROVED), ADD 30 (PENDING), TAKE 45 (REJECTED)

  Total:     add 120, take 0, net 120
  Available: add 90,  take 0, net 90

All arithmetic is in integer minutes. Decimal hours are produced only for
display.
*/
package toil

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Totals aggregates one balance view.
type Totals struct {
	AddMinutes  int
	TakeMinutes int
}

// Net returns AddMinutes - TakeMinutes.
func (t Totals) Net() int {
	return t.AddMinutes - t.TakeMinutes
}

func (t *Totals) add(e Event) {
	switch e.Type {
	case EventAdd:
		t.AddMinutes += e.Minutes
	case EventTake:
		t.TakeMinutes += e.Minutes
	}
}

// Balance holds both views for one owner.
type Balance struct {
	Total     Totals
	Available Totals
}

// Calculate computes both views in a single pass. The result does not depend
// on the order of events.
func Calculate(events []Event) Balance {
	var b Balance
	for _, e := range events {
		switch e.Status {
		case StatusApproved:
			b.Total.add(e)
			b.Available.add(e)
		case StatusPending:
			b.Total.add(e)
		}
	}
	return b
}

var minutesPerHour = decimal.NewFromInt(60)

// Hours converts minutes to hours rounded to two decimal places.
func Hours(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).DivRound(minutesPerHour, 2)
}

// FormatMinutes renders a duration the way the app shows it: "45m", "2h",
// "1h 30m", with a leading "-" for negative balances.
func FormatMinutes(minutes int) string {
	sign := ""
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	h, m := minutes/60, minutes%60
	switch {
	case h == 0:
		return fmt.Sprintf("%s%dm", sign, m)
	case m == 0:
		return fmt.Sprintf("%s%dh", sign, h)
	default:
		return fmt.Sprintf("%s%dh %dm", sign, h, m)
	}
}
