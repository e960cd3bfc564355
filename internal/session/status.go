package session

// TradeStatus TradeSession 生命周期状态
type TradeStatus string

const (
	// StatusWaitingPrices 两腿报价尚未齐全
	StatusWaitingPrices TradeStatus = "WAITING_PRICES"
	// StatusWaitingBp 报价齐全但价差低于目标
	StatusWaitingBp TradeStatus = "WAITING_BP"
	// StatusTrading 价差达标，正在分步建仓
	StatusTrading TradeStatus = "TRADING"
	// StatusFinished 会话结束（完成、中止或超时）
	StatusFinished TradeStatus = "FINISHED"
)

// healthBuffer 固定 3 槽的滚动执行质量窗口
// 记录每笔成交的已实现价差是否在允许滑点内；
// 3 槽全部失败时触发熔断，即使每条腿都成交成功。
type healthBuffer struct {
	slots [3]bool
	idx   int
	n     int
}

// Record 记录一次成交的质量判定
func (h *healthBuffer) Record(ok bool) {
	h.slots[h.idx] = ok
	h.idx = (h.idx + 1) % len(h.slots)
	if h.n < len(h.slots) {
		h.n++
	}
}

// AllFailing 窗口写满且全部失败
func (h *healthBuffer) AllFailing() bool {
	if h.n < len(h.slots) {
		return false
	}
	for _, ok := range h.slots {
		if ok {
			return false
		}
	}
	return true
}
