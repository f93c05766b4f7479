package gateway

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/model"
)

// Market statuses reported by the metadata service.
const (
	StatusActive     = "active"
	StatusDetermined = "determined"
	StatusFinalized  = "finalized"
)

// OutcomeAccount describes the outcome token pair for one collateral.
type OutcomeAccount struct {
	YesMint       string `json:"yesMint"`
	NoMint        string `json:"noMint"`
	IsInitialized bool   `json:"isInitialized"`
}

// Market is the validated subset of the upstream market payload that the
// ledger relies on.
type Market struct {
	Ticker   string                    `json:"ticker"`
	Status   string                    `json:"status"`
	Result   string                    `json:"result"`
	Accounts map[string]OutcomeAccount `json:"accounts"`
	YesBid   OptionalDecimal           `json:"yesBid"`
	YesAsk   OptionalDecimal           `json:"yesAsk"`
	NoBid    OptionalDecimal           `json:"noBid"`
	NoAsk    OptionalDecimal           `json:"noAsk"`
}

// Resolved reports whether the market is in a terminal resolved status.
func (m *Market) Resolved() bool {
	return m.Status == StatusDetermined || m.Status == StatusFinalized
}

// WinningSide returns the upper-cased result when it names a side.
func (m *Market) WinningSide() (model.Side, bool) {
	side := model.Side(strings.ToUpper(strings.TrimSpace(m.Result)))
	return side, side.Valid()
}

// accountKeys returns the account keys in a stable order.
func (m *Market) accountKeys() []string {
	keys := make([]string, 0, len(m.Accounts))
	for k := range m.Accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OutcomeMints returns the first account carrying both outcome mints.
func (m *Market) OutcomeMints() (yesMint, noMint string, ok bool) {
	for _, k := range m.accountKeys() {
		acct := m.Accounts[k]
		if acct.YesMint != "" && acct.NoMint != "" {
			return acct.YesMint, acct.NoMint, true
		}
	}
	return "", "", false
}

// SideMint returns the outcome token for side, and whether the account
// holding it is initialized on-chain.
func (m *Market) SideMint(side model.Side) (mint string, initialized bool, ok bool) {
	yes, no, ok := m.OutcomeMints()
	if !ok {
		return "", false, false
	}
	target := yes
	if side == model.SideNo {
		target = no
	}
	for _, k := range m.accountKeys() {
		acct := m.Accounts[k]
		candidate := acct.YesMint
		if side == model.SideNo {
			candidate = acct.NoMint
		}
		if candidate == target {
			return target, acct.IsInitialized, true
		}
	}
	return target, false, true
}

// BestPrice returns the bid for side, falling back to the ask. ok is
// false when neither is a usable number.
func (m *Market) BestPrice(side model.Side) (decimal.Decimal, bool) {
	bid, ask := m.YesBid, m.YesAsk
	if side == model.SideNo {
		bid, ask = m.NoBid, m.NoAsk
	}
	if bid.Valid {
		return bid.Decimal, true
	}
	if ask.Valid {
		return ask.Decimal, true
	}
	return decimal.Zero, false
}

// RouteLeg is one hop of a quote's route plan.
type RouteLeg struct {
	InputMintDecimals  *int32 `json:"inputMintDecimals"`
	OutputMintDecimals *int32 `json:"outputMintDecimals"`
}

// Quote is a priced conversion offer. InAmount and OutAmount are scaled
// integers in the decimals of the route's input and output tokens.
type Quote struct {
	InputMint  string     `json:"inputMint"`
	OutputMint string     `json:"outputMint"`
	InAmount   string     `json:"inAmount"`
	OutAmount  string     `json:"outAmount"`
	RoutePlan  []RouteLeg `json:"routePlan"`

	// Raw is the untouched upstream body, persisted with the trade.
	Raw json.RawMessage `json:"-"`
}

// OptionalDecimal is a price field that may be a number, a numeric string,
// null or absent. Anything unparseable decodes as not Valid instead of
// failing the whole payload.
type OptionalDecimal struct {
	Decimal decimal.Decimal
	Valid   bool
}

func (o *OptionalDecimal) UnmarshalJSON(data []byte) error {
	*o = OptionalDecimal{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	o.Decimal = v
	o.Valid = true
	return nil
}

func (o OptionalDecimal) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return o.Decimal.MarshalJSON()
}
