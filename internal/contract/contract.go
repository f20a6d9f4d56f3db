// Package contract handles option series ticker formatting, parsing and
// validation, and the expiry schedule a vault rolls on.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/model"
)

// Supported option types.
const (
	TypeCall = "C"
	TypePut  = "P"
)

var validTypes = map[string]bool{
	TypeCall: true,
	TypePut:  true,
}

// tickerRegex matches: {UNDERLYING}-{YYYYMMDD}-{strike}-{C|P}
// Example: WETH-20250815-3000-C
var tickerRegex = regexp.MustCompile(
	`^([A-Z0-9]+)-(\d{8})-(\d+(?:\.\d{1,8})?)-([A-Z]+)$`,
)

// ExpiryHour is the UTC hour options expire at.
const ExpiryHour = 8

var (
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
	ErrInvalidType   = errors.New("contract: unsupported option type")
	ErrInvalidStrike = errors.New("contract: strike must be positive")
	ErrInvalidPeriod = errors.New("contract: unsupported period")
)

// Series represents a parsed option series.
type Series struct {
	Ticker     model.OptionID  `json:"ticker"`
	Underlying model.AssetID   `json:"underlying"`
	Strike     decimal.Decimal `json:"strike"` // 8 decimals
	IsPut      bool            `json:"is_put"`
	Expiry     time.Time       `json:"expiry"`
}

// FormatTicker builds the ticker of a series. strike carries 8 decimals.
func FormatTicker(underlying model.AssetID, expiry time.Time, strike decimal.Decimal, isPut bool) (model.OptionID, error) {
	if !strike.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidStrike, strike)
	}
	kind := TypeCall
	if isPut {
		kind = TypePut
	}
	human := strike.Shift(-model.OptionDecimals).String()
	return model.OptionID(fmt.Sprintf("%s-%s-%s-%s",
		strings.ToUpper(string(underlying)), expiry.UTC().Format("20060102"), human, kind)), nil
}

// ParseTicker parses and validates an option series ticker.
// Format: {UNDERLYING}-{YYYYMMDD}-{strike}-{C|P}
func ParseTicker(ticker model.OptionID) (*Series, error) {
	matches := tickerRegex.FindStringSubmatch(string(ticker))
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {UNDERLYING}-{YYYYMMDD}-{strike}-{C|P})",
			ErrInvalidTicker, ticker)
	}

	underlying := matches[1]
	dateStr := matches[2]
	strikeStr := matches[3]
	kind := matches[4]

	if !validTypes[kind] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, kind)
	}

	day, err := time.Parse("20060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, dateStr)
	}

	strike, err := fixedpoint.Parse(strikeStr, model.OptionDecimals)
	if err != nil || !strike.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrike, strikeStr)
	}

	return &Series{
		Ticker:     ticker,
		Underlying: model.AssetID(underlying),
		Strike:     strike.Value,
		IsPut:      kind == TypePut,
		Expiry:     day.Add(ExpiryHour * time.Hour),
	}, nil
}

// NextFriday returns the first Friday 08:00 UTC strictly after now.
func NextFriday(now time.Time) time.Time {
	now = now.UTC()
	days := (int(time.Friday) - int(now.Weekday()) + 7) % 7
	friday := time.Date(now.Year(), now.Month(), now.Day()+days, ExpiryHour, 0, 0, 0, time.UTC)
	if !friday.After(now) {
		friday = friday.AddDate(0, 0, 7)
	}
	return friday
}

// LastFridayOfMonth returns the last Friday 08:00 UTC in t's month.
func LastFridayOfMonth(t time.Time) time.Time {
	t = t.UTC()
	last := time.Date(t.Year(), t.Month()+1, 0, ExpiryHour, 0, 0, 0, time.UTC)
	back := (int(last.Weekday()) - int(time.Friday) + 7) % 7
	return last.AddDate(0, 0, -back)
}

// NextExpiry returns the expiry of the next option a vault with the given
// round length commits to.
func NextExpiry(now time.Time, period model.Period) (time.Time, error) {
	switch period {
	case model.PeriodWeekly:
		return NextFriday(now), nil
	case model.PeriodBiweekly:
		return NextFriday(now).AddDate(0, 0, 7), nil
	case model.PeriodMonthly:
		u := now.UTC()
		expiry := LastFridayOfMonth(u)
		if !expiry.After(u) {
			expiry = LastFridayOfMonth(time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC))
		}
		return expiry, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}
