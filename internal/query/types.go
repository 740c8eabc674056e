package query

// Amounts are decimal strings in 18-decimal fixed point, trailing zeros
// trimmed. Every response carries the command it reflects.

type EmptyRequest struct{}

type AccountRequest struct {
	Account string `json:"account"`
}

type BalanceRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

type PositionRequest struct {
	Account string `json:"account"`
	Market  uint32 `json:"market"`
}

type MarketRequest struct {
	Market uint32 `json:"market"`
}

type VaultRequest struct {
	Vault string `json:"vault"`
}

type StakeRequest struct {
	Vault  string `json:"vault"`
	Staker string `json:"staker"`
}

type NonceRequest struct {
	Purpose string `json:"purpose"`
	Account string `json:"account"`
	Nonce   uint64 `json:"nonce"`
}

type OrderRequest struct {
	Digest string `json:"digest"`
}

type StatusResponse struct {
	CommandSeq int64  `json:"command_seq"`
	Counter    uint32 `json:"counter"`
	StateHash  string `json:"state_hash"`
	// Last command folded into the Postgres projections; -1 when unknown.
	ProjectionSeq int64 `json:"projection_seq"`
}

type AccountResponse struct {
	Account      string `json:"account"`
	Type         string `json:"type"`
	Parent       string `json:"parent,omitempty"`
	Active       bool   `json:"active"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type BalanceResponse struct {
	Account      string  `json:"account"`
	Asset        string  `json:"asset"`
	Amount       string  `json:"amount"`
	TotalSupply  string  `json:"total_supply"`
	SupplyCapUSD *string `json:"supply_cap_usd,omitempty"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

type PositionResponse struct {
	Account          string `json:"account"`
	Market           uint32 `json:"market"`
	Size             string `json:"size"`
	QuoteBalance     string `json:"quote_balance"`
	LastFundingIndex string `json:"last_funding_index"`
	Open             bool   `json:"open"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

type PositionsResponse struct {
	Positions    []PositionResponse `json:"positions"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

type MarketResponse struct {
	Market                 uint32 `json:"market"`
	Tradeable              bool   `json:"tradeable"`
	CumulativeFundingIndex string `json:"cumulative_funding_index"`
	OpenInterest           string `json:"open_interest"`
	AsOfSequence           int64  `json:"as_of_sequence"`
}

type FeesResponse struct {
	Trading      string `json:"trading"`
	Sequencer    string `json:"sequencer"`
	Total        string `json:"total"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type InsuranceResponse struct {
	Account      string `json:"account"`
	Pool         string `json:"pool"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type VaultResponse struct {
	Vault          string `json:"vault"`
	FeeRecipient   string `json:"fee_recipient"`
	ProfitShareBps uint32 `json:"profit_share_bps"`
	TotalShares    string `json:"total_shares"`
	Balance        string `json:"balance"`
	NAV            string `json:"nav"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

type StakeResponse struct {
	Vault         string `json:"vault"`
	Staker        string `json:"staker"`
	Shares        string `json:"shares"`
	AvgEntryPrice string `json:"avg_entry_price"`
	// Shares valued at the current NAV.
	Value        string `json:"value"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type NonceResponse struct {
	Purpose      string `json:"purpose"`
	Account      string `json:"account"`
	Nonce        uint64 `json:"nonce"`
	Used         bool   `json:"used"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type OrderResponse struct {
	Digest       string `json:"digest"`
	Filled       string `json:"filled"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	// False when projections lag the engine and supply was not compared.
	SupplyChecked bool  `json:"supply_checked"`
	AsOfSequence  int64 `json:"as_of_sequence"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to its
// ledger supply.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Supply    string `json:"supply"`
	Projected string `json:"projected"`
}
