package ports

// Session lifecycle callbacks, consumed by the out-of-scope front-end.

// UpdateFunc 推送一条面向用户的文本消息
type UpdateFunc func(text string)

// FinishedFunc 会话结束通知
type FinishedFunc func()

// StatusSnapshot TradeSession 的状态快照（推给前端展示）
type StatusSnapshot struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	Coin           string `json:"coin"`
	LongExchange   string `json:"long_exchange"`
	ShortExchange  string `json:"short_exchange"`
	FilledQuantity string `json:"filled_quantity"`
	TotalQuantity  string `json:"total_quantity"`
	CurrentBp      string `json:"current_bp"`
	Iteration      int    `json:"iteration"`
}

// StatusFunc 推送一份状态快照
type StatusFunc func(snapshot StatusSnapshot)
