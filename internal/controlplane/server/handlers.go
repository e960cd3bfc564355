package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/internal/session"
)

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) handleTickerNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.tickers.Snapshot()})
}

type createSessionRequest struct {
	Coin          string `json:"coin"`
	LongExchange  string `json:"long_exchange"`
	ShortExchange string `json:"short_exchange"`
	TotalQuantity string `json:"total_quantity"`
	StepQuantity  string `json:"step_quantity"`
	TargetBp      string `json:"target_bp"`
	SlippageBp    string `json:"slippage_bp"`
	OwnerID       string `json:"owner_id"`
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}

	longEx, err := domain.ParseExchange(req.LongExchange)
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("long_exchange: %v", err))
		return
	}
	shortEx, err := domain.ParseExchange(req.ShortExchange)
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("short_exchange: %v", err))
		return
	}
	total, err := decimal.NewFromString(req.TotalQuantity)
	if err != nil {
		writeError(c, http.StatusBadRequest, "total_quantity must be a number")
		return
	}
	step, err := decimal.NewFromString(req.StepQuantity)
	if err != nil {
		writeError(c, http.StatusBadRequest, "step_quantity must be a number")
		return
	}

	targetBp := decimal.NewFromFloat(s.cfg.Trade.TargetBp)
	if req.TargetBp != "" {
		if targetBp, err = decimal.NewFromString(req.TargetBp); err != nil {
			writeError(c, http.StatusBadRequest, "target_bp must be a number")
			return
		}
	}
	slippageBp := decimal.NewFromFloat(s.cfg.Trade.SlippageBp)
	if req.SlippageBp != "" {
		if slippageBp, err = decimal.NewFromString(req.SlippageBp); err != nil {
			writeError(c, http.StatusBadRequest, "slippage_bp must be a number")
			return
		}
	}

	entry := &sessionEntry{}
	cfg := session.TradeConfig{
		Coin:          strings.ToUpper(strings.TrimSpace(req.Coin)),
		LongExchange:  longEx,
		ShortExchange: shortEx,
		TotalQuantity: total,
		StepQuantity:  step,
		TargetBp:      targetBp,
		SlippageBp:    slippageBp,
		OwnerID:       req.OwnerID,
		OnUpdate:      entry.addMessage,
		OnStatus:      entry.setSnapshot,
	}

	sess := session.NewTradeSession(cfg, s.tickers, s.trading)
	entry.session = sess

	// 会话寿命独立于本次 HTTP 请求，通过 Stop 接口或 Shutdown 终止
	if err := sess.Start(context.Background()); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = entry
	s.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID()})
}

func (s *Server) handleSessionsList(c *gin.Context) {
	s.mu.Lock()
	views := make([]sessionView, 0, len(s.sessions))
	for _, e := range s.sessions {
		views = append(views, e.view())
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleSessionGet(c *gin.Context) {
	id := c.Param("sessionID")
	s.mu.Lock()
	entry, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeError(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, entry.view())
}

func (s *Server) handleSessionStop(c *gin.Context) {
	id := c.Param("sessionID")
	s.mu.Lock()
	entry, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeError(c, http.StatusNotFound, "session not found")
		return
	}
	entry.session.Stop()
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": string(entry.session.Status())})
}

// handleSessionDelete 从列表中移除已结束的会话，运行中的会话须先停止
func (s *Server) handleSessionDelete(c *gin.Context) {
	id := c.Param("sessionID")
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		writeError(c, http.StatusNotFound, "session not found")
		return
	}
	if entry.session.Status() != session.StatusFinished {
		writeError(c, http.StatusConflict, "session still running, stop it first")
		return
	}
	delete(s.sessions, id)
	log.Infof("🗑️ 会话已移除: %s", id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "deleted": true})
}

type startRiskRequest struct {
	OwnerID         string   `json:"owner_id"`
	Exchanges       []string `json:"exchanges"`
	TriggerLeverage string   `json:"trigger_leverage"`
	WarnLeverage    string   `json:"warn_leverage"`
	TargetLeverage  string   `json:"target_leverage"`
	AdlTriggerRatio string   `json:"adl_trigger_ratio"`
	AdlTargetRatio  string   `json:"adl_target_ratio"`
	AllowPanicClose bool     `json:"allow_panic_close"`
}

func parseDecimalOr(s string, fallback float64) (decimal.Decimal, error) {
	if s == "" {
		return decimal.NewFromFloat(fallback), nil
	}
	return decimal.NewFromString(s)
}

func (s *Server) handleRiskStart(c *gin.Context) {
	var req startRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}

	var exchanges []domain.Exchange
	for _, raw := range req.Exchanges {
		ex, err := domain.ParseExchange(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		exchanges = append(exchanges, ex)
	}

	trigger, err := parseDecimalOr(req.TriggerLeverage, s.cfg.Risk.TriggerLeverage)
	if err != nil {
		writeError(c, http.StatusBadRequest, "trigger_leverage must be a number")
		return
	}
	warn, err := parseDecimalOr(req.WarnLeverage, s.cfg.Risk.WarnLeverage)
	if err != nil {
		writeError(c, http.StatusBadRequest, "warn_leverage must be a number")
		return
	}
	target, err := parseDecimalOr(req.TargetLeverage, s.cfg.Risk.TargetLeverage)
	if err != nil {
		writeError(c, http.StatusBadRequest, "target_leverage must be a number")
		return
	}
	adlTrigger, err := parseDecimalOr(req.AdlTriggerRatio, s.cfg.Risk.AdlTriggerRatio)
	if err != nil {
		writeError(c, http.StatusBadRequest, "adl_trigger_ratio must be a number")
		return
	}
	adlTarget, err := parseDecimalOr(req.AdlTargetRatio, s.cfg.Risk.AdlTargetRatio)
	if err != nil {
		writeError(c, http.StatusBadRequest, "adl_target_ratio must be a number")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.risk != nil && s.risk.IsMonitoring() {
		writeError(c, http.StatusConflict, "risk monitoring already running")
		return
	}

	risk := session.NewRiskSession(session.RiskConfig{
		OwnerID:           req.OwnerID,
		Exchanges:         exchanges,
		NormalInterval:    s.cfg.Risk.NormalInterval(),
		EmergencyInterval: s.cfg.Risk.EmergencyInterval(),
		TriggerLeverage:   trigger,
		WarnLeverage:      warn,
		TargetLeverage:    target,
		AdlTriggerRatio:   adlTrigger,
		AdlTargetRatio:    adlTarget,
		AllowPanicClose:   req.AllowPanicClose,
		Notify: func(text string) {
			log.Infof("📣 %s", text)
		},
	}, s.trading)

	// 监控循环寿命独立于本次请求
	if err := risk.Start(context.Background()); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.risk = risk
	c.JSON(http.StatusOK, gin.H{"monitoring": true})
}

func (s *Server) handleRiskStop(c *gin.Context) {
	s.mu.Lock()
	risk := s.risk
	s.mu.Unlock()
	if risk == nil {
		writeError(c, http.StatusNotFound, "risk monitoring not started")
		return
	}
	risk.Stop()
	c.JSON(http.StatusOK, gin.H{"monitoring": false})
}

func (s *Server) handleRiskGet(c *gin.Context) {
	s.mu.Lock()
	risk := s.risk
	s.mu.Unlock()
	if risk == nil {
		c.JSON(http.StatusOK, gin.H{"monitoring": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"monitoring": risk.IsMonitoring(),
		"emergency":  risk.IsEmergency(),
	})
}

type measureRequest struct {
	Coin          string `json:"coin"`
	LongExchange  string `json:"long_exchange"`
	ShortExchange string `json:"short_exchange"`
	WindowSec     int    `json:"window_sec"`
	OwnerID       string `json:"owner_id"`
	FundingDiffBp string `json:"funding_diff_bp"` // 给出时附带回本周期估算
}

// handleMeasure 同步采样一段时间的价差并返回统计结果
// 请求带 funding_diff_bp 时改用回本估算会话。
func (s *Server) handleMeasure(c *gin.Context) {
	if !s.measures.TryAcquire() {
		writeError(c, http.StatusTooManyRequests, "too many concurrent measurements")
		return
	}
	defer s.measures.Release()

	var req measureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	longEx, err := domain.ParseExchange(req.LongExchange)
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("long_exchange: %v", err))
		return
	}
	shortEx, err := domain.ParseExchange(req.ShortExchange)
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("short_exchange: %v", err))
		return
	}
	window := time.Duration(req.WindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	if window > 5*time.Minute {
		writeError(c, http.StatusBadRequest, "window_sec too large (max 300)")
		return
	}

	sampleCfg := session.SpreadSampleConfig{
		Coin:          strings.ToUpper(strings.TrimSpace(req.Coin)),
		LongExchange:  longEx,
		ShortExchange: shortEx,
		OwnerID:       req.OwnerID,
		Window:        window,
	}

	if req.FundingDiffBp != "" {
		funding, err := decimal.NewFromString(req.FundingDiffBp)
		if err != nil {
			writeError(c, http.StatusBadRequest, "funding_diff_bp must be a number")
			return
		}
		resultCh := make(chan session.PaybackResult, 1)
		payback := session.NewPaybackSession(session.PaybackConfig{
			SpreadSampleConfig: sampleCfg,
			FundingDiffBp:      funding,
			OnPayback:          func(r session.PaybackResult) { resultCh <- r },
		}, s.tickers)
		if err := payback.Start(c.Request.Context()); err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		select {
		case r := <-resultCh:
			c.JSON(http.StatusOK, gin.H{
				"stats":            r.Stats,
				"payback_periods":  r.Periods.StringFixed(2),
				"payback_feasible": r.Feasible,
			})
		case <-c.Request.Context().Done():
			writeError(c, http.StatusRequestTimeout, "client disconnected")
		}
		return
	}

	resultCh := make(chan session.SpreadStats, 1)
	sampleCfg.OnResult = func(stats session.SpreadStats) { resultCh <- stats }
	sample := session.NewSpreadSampleSession(sampleCfg, s.tickers)

	if err := sample.Start(c.Request.Context()); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case stats := <-resultCh:
		c.JSON(http.StatusOK, stats)
	case <-c.Request.Context().Done():
		writeError(c, http.StatusRequestTimeout, "client disconnected")
	}
}
