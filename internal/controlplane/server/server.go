package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/common"
	"github.com/betbot/fundarb/internal/ports"
	"github.com/betbot/fundarb/internal/session"
	"github.com/betbot/fundarb/internal/ticker"
	"github.com/betbot/fundarb/pkg/config"
)

var log = logrus.WithField("component", "controlplane")

// 同时进行的采样/回本测算上限，每次测算都独占一个行情节点一段时间
const maxConcurrentMeasures = 4

// Server 控制面 HTTP 服务
// 负责套利会话与降风险监控的启停，以及节点状态展示。
type Server struct {
	cfg     *config.Config
	tickers *ticker.Manager
	trading ports.TradingService

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	risk     *session.RiskSession

	measures *common.InFlightLimiter

	httpSrv *http.Server
}

// sessionEntry 持有会话与其最近一次状态快照
type sessionEntry struct {
	session *session.TradeSession

	mu       sync.Mutex
	snapshot ports.StatusSnapshot
	messages []string
}

func (e *sessionEntry) setSnapshot(s ports.StatusSnapshot) {
	e.mu.Lock()
	e.snapshot = s
	e.mu.Unlock()
}

func (e *sessionEntry) addMessage(text string) {
	e.mu.Lock()
	e.messages = append(e.messages, text)
	if len(e.messages) > 50 {
		e.messages = e.messages[len(e.messages)-50:]
	}
	e.mu.Unlock()
}

func (e *sessionEntry) view() sessionView {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := make([]string, len(e.messages))
	copy(msgs, e.messages)
	return sessionView{Snapshot: e.snapshot, Messages: msgs}
}

type sessionView struct {
	Snapshot ports.StatusSnapshot `json:"snapshot"`
	Messages []string             `json:"messages"`
}

// New 创建控制面服务
func New(cfg *config.Config, tickers *ticker.Manager, trading ports.TradingService) *Server {
	return &Server{
		cfg:      cfg,
		tickers:  tickers,
		trading:  trading,
		sessions: make(map[string]*sessionEntry),
		measures: common.NewInFlightLimiter(maxConcurrentMeasures),
	}
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")

	api.GET("/ticker/nodes", s.handleTickerNodes)

	sessions := api.Group("/sessions")
	sessions.GET("", s.handleSessionsList)
	sessions.POST("", s.handleSessionCreate)
	sessions.GET("/:sessionID", s.handleSessionGet)
	sessions.POST("/:sessionID/stop", s.handleSessionStop)
	sessions.DELETE("/:sessionID", s.handleSessionDelete)

	risk := api.Group("/risk")
	risk.GET("", s.handleRiskGet)
	risk.POST("/start", s.handleRiskStart)
	risk.POST("/stop", s.handleRiskStop)

	api.POST("/measure", s.handleMeasure)

	return r
}

// Start 启动 HTTP 监听（非阻塞）
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("🌐 控制面监听: %s", s.cfg.Server.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("❌ 控制面服务异常退出: %v", err)
		}
	}()
	return nil
}

// Shutdown 停止全部会话与 HTTP 服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, e := range s.sessions {
		e.session.Stop()
	}
	if s.risk != nil {
		s.risk.Stop()
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
