package ticker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/fundarb/internal/domain"
)

// fakeTickerService 测试用行情服务：记录生命周期并允许手工推送
type fakeTickerService struct {
	quotes    chan domain.Quote
	closeOnce sync.Once

	mu      sync.Mutex
	state   State
	started int
	stopped int
}

func newFakeTickerService() *fakeTickerService {
	return &fakeTickerService{
		state:  StateIdle,
		quotes: make(chan domain.Quote, 16),
	}
}

func (f *fakeTickerService) Start(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateConnected
	f.started++
	return nil
}

func (f *fakeTickerService) Quotes() <-chan domain.Quote { return f.quotes }

func (f *fakeTickerService) Stop() {
	f.mu.Lock()
	f.state = StateStopped
	f.stopped++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.quotes) })
}

func (f *fakeTickerService) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTickerService) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTickerService) push(bid, ask int64) {
	f.quotes <- domain.Quote{
		Bid:        decimal.NewFromInt(bid),
		Ask:        decimal.NewFromInt(ask),
		ObservedAt: time.Now(),
	}
}

// fakeFactory 记录每个节点键构造出的服务
type fakeFactory struct {
	mu       sync.Mutex
	services map[string]*fakeTickerService
	failNext bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{services: make(map[string]*fakeTickerService)}
}

func (f *fakeFactory) factory(exchange domain.Exchange, symbol string) (Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("factory failure")
	}
	svc := newFakeTickerService()
	f.services[Key(exchange, symbol)] = svc
	return svc, nil
}

func (f *fakeFactory) get(exchange domain.Exchange, symbol string) *fakeTickerService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[Key(exchange, symbol)]
}

func TestManagerSharesNodeAcrossSubscribers(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(ff.factory)

	var mu sync.Mutex
	var aQuotes, bQuotes int

	sub := func(owner string, counter *int) {
		err := m.Subscribe(context.Background(), owner, "long", domain.ExchangeBinance, "BTC", func(domain.Quote) {
			mu.Lock()
			*counter++
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe(%s): %v", owner, err)
		}
	}
	sub("session-a", &aQuotes)
	sub("session-b", &bQuotes)

	if m.NodeCount() != 1 {
		t.Fatalf("node count got=%d want=1", m.NodeCount())
	}
	svc := ff.get(domain.ExchangeBinance, "BTC")
	if svc == nil || svc.started != 1 {
		t.Fatal("exactly one underlying service must be started")
	}

	svc.push(100, 101)
	delivered := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return aQuotes == 1 && bQuotes == 1
	})
	if !delivered {
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("fanout got a=%d b=%d want 1/1", aQuotes, bQuotes)
	}

	// 第一个订阅方离开：节点保留
	m.Unsubscribe("session-a", "long", domain.ExchangeBinance, "BTC")
	if m.NodeCount() != 1 || svc.stopCount() != 0 {
		t.Fatal("node must survive while subscribers remain")
	}

	// 最后一个订阅方离开：停流并删除节点
	m.Unsubscribe("session-b", "long", domain.ExchangeBinance, "BTC")
	if m.NodeCount() != 0 || svc.stopCount() != 1 {
		t.Fatalf("node must close when last subscriber leaves (nodes=%d stops=%d)", m.NodeCount(), svc.stopCount())
	}
}

func TestManagerResubscribeReplacesCallback(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(ff.factory)

	var mu sync.Mutex
	var firstCalls, secondCalls int
	subscribe := func(counter *int) {
		err := m.Subscribe(context.Background(), "owner", "short", domain.ExchangeBybit, "ETH", func(domain.Quote) {
			mu.Lock()
			*counter++
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	subscribe(&firstCalls)
	subscribe(&secondCalls)

	if n := m.SubscriberCount(domain.ExchangeBybit, "ETH"); n != 1 {
		t.Fatalf("subscriber count got=%d want=1", n)
	}
	ff.get(domain.ExchangeBybit, "ETH").push(10, 11)
	delivered := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalls == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !delivered || firstCalls != 0 || secondCalls != 1 {
		t.Fatalf("replaced callback got first=%d second=%d", firstCalls, secondCalls)
	}
}

func TestManagerSubscribeFailureLeavesNoNode(t *testing.T) {
	ff := newFakeFactory()
	ff.failNext = true
	m := NewManager(ff.factory)

	err := m.Subscribe(context.Background(), "owner", "long", domain.ExchangeOKX, "SOL", func(domain.Quote) {})
	if err == nil {
		t.Fatal("Subscribe should propagate factory failure")
	}
	if m.NodeCount() != 0 {
		t.Fatalf("failed subscribe must not register a node, got %d", m.NodeCount())
	}

	// 之后的订阅不受影响
	if err := m.Subscribe(context.Background(), "owner", "long", domain.ExchangeOKX, "SOL", func(domain.Quote) {}); err != nil {
		t.Fatalf("retry Subscribe: %v", err)
	}
	if m.NodeCount() != 1 {
		t.Fatalf("node count got=%d want=1", m.NodeCount())
	}
}

func TestManagerUnsubscribeAll(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(ff.factory)

	ctx := context.Background()
	noop := func(domain.Quote) {}
	if err := m.Subscribe(ctx, "a", "long", domain.ExchangeBinance, "BTC", noop); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe(ctx, "a", "short", domain.ExchangeGate, "BTC", noop); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe(ctx, "b", "long", domain.ExchangeBinance, "BTC", noop); err != nil {
		t.Fatal(err)
	}

	m.UnsubscribeAll("a")
	if m.NodeCount() != 1 {
		t.Fatalf("node count after owner offline got=%d want=1", m.NodeCount())
	}
	if n := m.SubscriberCount(domain.ExchangeBinance, "BTC"); n != 1 {
		t.Fatalf("binance subscribers got=%d want=1", n)
	}
}

func TestManagerBootstrapPrimesFirstQuote(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(ff.factory)

	release := make(chan struct{})
	m.SetBootstrap(func(ctx context.Context, ex domain.Exchange, symbol string) (domain.Quote, error) {
		<-release
		return domain.Quote{
			Bid:        decimal.NewFromInt(42),
			Ask:        decimal.NewFromInt(43),
			ObservedAt: time.Now(),
		}, nil
	})

	quoteCh := make(chan domain.Quote, 4)
	err := m.Subscribe(context.Background(), "owner", "long", domain.ExchangeBinance, "BTC", func(q domain.Quote) {
		quoteCh <- q
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(release)

	select {
	case q := <-quoteCh:
		if !q.Bid.Equal(decimal.NewFromInt(42)) {
			t.Fatalf("bootstrap quote bid got=%s want=42", q.Bid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bootstrap quote never arrived")
	}
}

// 属性：任意订阅/退订交错后，节点存在当且仅当它还有订阅方，
// 且底层服务的启动次数与节点创建次数一致。
func TestProperty_NodeLifecycleMatchesSubscribers(t *testing.T) {
	property := func(seed int64, opCount uint8) bool {
		rng := rand.New(rand.NewSource(seed))
		ff := newFakeFactory()
		m := NewManager(ff.factory)

		owners := []string{"s1", "s2", "s3"}
		contexts := []string{"long", "short"}
		symbols := []string{"BTC", "ETH"}

		// live[owner|context|key] 跟踪期望的订阅集合
		live := make(map[string]bool)

		for i := 0; i < int(opCount); i++ {
			owner := owners[rng.Intn(len(owners))]
			contextTag := contexts[rng.Intn(len(contexts))]
			ex := domain.AllExchanges[rng.Intn(len(domain.AllExchanges))]
			symbol := symbols[rng.Intn(len(symbols))]
			entry := fmt.Sprintf("%s|%s|%s", owner, contextTag, Key(ex, symbol))

			if rng.Intn(2) == 0 {
				if err := m.Subscribe(context.Background(), owner, contextTag, ex, symbol, func(domain.Quote) {}); err != nil {
					return false
				}
				live[entry] = true
			} else {
				m.Unsubscribe(owner, contextTag, ex, symbol)
				delete(live, entry)
			}

			// 每步之后校验不变量
			expected := make(map[string]int)
			for e := range live {
				expected[e[indexThirdField(e):]]++
			}
			if len(expected) != m.NodeCount() {
				return false
			}
			for _, ex := range domain.AllExchanges {
				for _, sym := range symbols {
					key := Key(ex, sym)
					if m.SubscriberCount(ex, sym) != expected[key] {
						return false
					}
				}
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 50}); err != nil {
		t.Fatal(err)
	}
}

// indexThirdField 返回 "owner|context|key" 中 key 的起始下标
func indexThirdField(s string) int {
	seen := 0
	for i, r := range s {
		if r == '|' {
			seen++
			if seen == 2 {
				return i + 1
			}
		}
	}
	return 0
}
