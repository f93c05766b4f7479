// Package contract handles prediction-market ticker parsing and
// validation. Tickers follow the {SERIES}-{EVENT}-{OUTCOME} convention of
// the upstream exchange, e.g. KXBTC-25DEC31-T100K.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxTickerLength bounds the ticker stored with every position and trade.
const MaxTickerLength = 128

// tickerRegex matches one or more dash-separated segments of
// letters, digits, dots and underscores.
var tickerRegex = regexp.MustCompile(`^[A-Za-z0-9._]+(-[A-Za-z0-9._]+)*$`)

var (
	ErrEmptyTicker   = errors.New("contract: ticker is required")
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
)

// Ticker is a parsed market ticker.
type Ticker struct {
	Raw    string `json:"ticker"`
	Series string `json:"series"`
	Event  string `json:"event,omitempty"`
}

// ParseTicker validates ticker and splits out its series and event parts.
// Surrounding whitespace is trimmed; case is preserved.
func ParseTicker(ticker string) (*Ticker, error) {
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return nil, ErrEmptyTicker
	}
	if len(ticker) > MaxTickerLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidTicker, MaxTickerLength)
	}
	if !tickerRegex.MatchString(ticker) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTicker, ticker)
	}

	parts := strings.Split(ticker, "-")
	t := &Ticker{Raw: ticker, Series: strings.ToUpper(parts[0])}
	if len(parts) > 1 {
		t.Event = strings.Join(parts[:2], "-")
	}
	return t, nil
}

// Series returns the series prefix of ticker, or "unknown" when it does not
// parse. Used as a bounded metrics label.
func Series(ticker string) string {
	t, err := ParseTicker(ticker)
	if err != nil {
		return "unknown"
	}
	return t.Series
}
