package venue

// Wire types for the perp-venue REST API. Field names follow the common
// futures API shape (stringified decimals, millisecond timestamps).

type tickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
	Time     int64  `json:"time"`
}

type orderResponse struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	Price       string `json:"price"`
	UpdateTime  int64  `json:"updateTime"`
}

type positionResponse struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

type fundingResponse struct {
	Symbol               string `json:"symbol"`
	LastFundingRate      string `json:"lastFundingRate"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
	NextFundingTime      int64  `json:"nextFundingTime"`
	Time                 int64  `json:"time"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}
