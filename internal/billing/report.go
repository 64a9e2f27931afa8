package billing

import (
	"context"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// Report is the derived per-day usage report. It is a value object: always
// scoped to a user and a generation time, never stored with its own identity.
type Report struct {
	TodayAvailable float64 `json:"todayAvailable"`
	DailyTarget    float64 `json:"dailyTarget"`
	MonthRemaining float64 `json:"monthRemaining"`
	DaysRemaining  int     `json:"daysRemaining"`
	Display        string  `json:"display"`
	Title          string  `json:"title"`
	UpdatedAt      string  `json:"updatedAt"`
}

// UsageAPI is the slice of Client the builder needs.
type UsageAPI interface {
	Identity(ctx context.Context, accessToken string) (string, error)
	Usage(ctx context.Context, accessToken, accountID string, from, to time.Time) (float64, error)
}

type Builder struct {
	api UsageAPI
}

func NewBuilder(api UsageAPI) *Builder {
	return &Builder{api: api}
}

// Build resolves the account behind the token, fetches month-to-date and
// day-to-date consumption (the two period fetches run concurrently), and
// derives the report using UTC calendar arithmetic.
//
// TodayAvailable is deliberately not floored at zero: a day that already
// overran its allotment reports a negative remainder.
func (b *Builder) Build(ctx context.Context, accessToken string, monthlyQuota float64, now time.Time, title string) (*Report, error) {
	now = now.UTC()

	accountID, err := b.api.Identity(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var spentThisMonth, spentToday float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		spentThisMonth, err = b.api.Usage(gctx, accessToken, accountID, monthStart, now)
		return err
	})
	g.Go(func() error {
		var err error
		spentToday, err = b.api.Usage(gctx, accessToken, accountID, dayStart, now)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return derive(monthlyQuota, spentThisMonth, spentToday, now, title), nil
}

func derive(monthlyQuota, spentThisMonth, spentToday float64, now time.Time, title string) *Report {
	daysRemaining := daysInMonth(now) - now.Day() + 1
	if daysRemaining < 1 {
		daysRemaining = 1
	}

	dailyTarget := round2(targetPerDay(monthlyQuota, spentThisMonth, spentToday, daysRemaining))
	todayAvailable := round2(dailyTarget - spentToday)
	monthRemaining := math.Max(0, round2(todayAvailable+dailyTarget*float64(daysRemaining-1)))

	return &Report{
		TodayAvailable: todayAvailable,
		DailyTarget:    dailyTarget,
		MonthRemaining: monthRemaining,
		DaysRemaining:  daysRemaining,
		Display:        formatAmount(todayAvailable) + "/" + formatAmount(dailyTarget),
		Title:          title,
		UpdatedAt:      now.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// targetPerDay spreads the quota left before today's spend evenly over the
// remaining days, today included.
func targetPerDay(monthlyQuota, spentThisMonth, spentToday float64, daysRemaining int) float64 {
	spentBeforeToday := math.Max(0, spentThisMonth-spentToday)
	return math.Max(0, monthlyQuota-spentBeforeToday) / float64(daysRemaining)
}

func daysInMonth(t time.Time) int {
	// Day zero of the next month normalizes to this month's last day.
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// round2 rounds half away from zero to 2 fractional digits. Idempotent on
// already-rounded values.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatAmount renders a rounded amount without trailing zeros: 2.00 -> "2",
// 12.50 -> "12.5".
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
