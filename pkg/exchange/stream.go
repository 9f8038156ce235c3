package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/pkg/cache"
	"github.com/betbot/edgebot/pkg/sigchan"
	"github.com/betbot/edgebot/pkg/syncgroup"
)

// DefaultStreamURL 行情 WebSocket 地址
const DefaultStreamURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// PriceUpdate 一次行情推送（单个 token 的最新价格）
type PriceUpdate struct {
	TokenID string
	Price   float64
	At      time.Time
}

// Stream 订阅行情 WebSocket，把 price_change / last_trade_price 推送
// 转成 PriceUpdate 回调。只读旁路：交易路径不依赖它，仅供面板等
// 展示用途消费。
type Stream struct {
	url      string
	proxyURL string

	mu           sync.RWMutex
	conn         *websocket.Conn
	closed       bool // 当前连接已死（读错误等），等重连装回新连接
	done         bool // Close 已调用，不可再连
	loopsStarted bool
	tokenIDs     []string

	handlerMu sync.RWMutex
	handlers  []func(PriceUpdate)

	// 最近价格缓存（面板轮询用，避免每次都等推送）
	last *cache.InMemoryCache[string, PriceUpdate]

	// 重连信号（容量 1，信号驱动，避免并发重连）
	reconnectC     *sigchan.Chan
	reconnectMu    sync.Mutex
	reconnectCount int
	maxReconnects  int
	reconnectDelay time.Duration

	healthMu sync.RWMutex
	lastPong time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sg     *syncgroup.SyncGroup
}

var streamLog = logrus.WithField("component", "stream")

// NewStream 创建行情流。url 为空时使用 DefaultStreamURL，
// proxyURL 为空时回退到环境变量代理。
func NewStream(wsURL, proxyURL string) *Stream {
	if wsURL == "" {
		wsURL = DefaultStreamURL
	}
	if proxyURL == "" {
		proxyURL = proxyFromEnv()
	}
	return &Stream{
		url:            wsURL,
		proxyURL:       proxyURL,
		last:           cache.NewInMemoryCache[string, PriceUpdate](5 * time.Minute),
		reconnectC:     sigchan.New(1),
		maxReconnects:  10,
		reconnectDelay: 5 * time.Second,
		sg:             syncgroup.NewSyncGroup(),
	}
}

// OnUpdate 注册价格回调。回调在读循环 goroutine 内同步执行，
// 处理器不要做慢操作。
func (s *Stream) OnUpdate(fn func(PriceUpdate)) {
	if fn == nil {
		return
	}
	s.handlerMu.Lock()
	s.handlers = append(s.handlers, fn)
	s.handlerMu.Unlock()
}

// LastPrice 返回某 token 最近一次推送的价格
func (s *Stream) LastPrice(tokenID string) (PriceUpdate, bool) {
	return s.last.Get(tokenID)
}

// Connect 建立连接并订阅给定 token 列表。首次调用传入的 ctx 决定整个流
// 的生存期；重连器后续带旧 token 列表重新调用。Close 之后不可再连。
func (s *Stream) Connect(ctx context.Context, tokenIDs []string) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return fmt.Errorf("stream 已关闭")
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	if len(tokenIDs) > 0 {
		s.tokenIDs = tokenIDs
	}
	s.mu.Unlock()

	// 连续失败次数上限检查，成功一次即清零
	s.reconnectMu.Lock()
	if s.reconnectCount >= s.maxReconnects {
		s.reconnectMu.Unlock()
		return fmt.Errorf("已达到最大重连次数 (%d)", s.maxReconnects)
	}
	s.reconnectCount++
	attempt := s.reconnectCount
	s.reconnectMu.Unlock()

	if attempt > 1 {
		streamLog.Warnf("🔄 行情流重连中 (第 %d/%d 次)", attempt, s.maxReconnects)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	if s.proxyURL != "" {
		if proxy, err := url.Parse(s.proxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(proxy)
		}
	}

	// 拨号，最多尝试 3 次
	var conn *websocket.Conn
	var err error
	for i := 0; i < 3; i++ {
		conn, _, err = dialer.DialContext(s.ctx, s.url, nil)
		if err == nil {
			break
		}
		streamLog.Warnf("行情流拨号失败 (第 %d 次): %v", i+1, err)
		time.Sleep(time.Duration(i+1) * 2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("行情流连接失败: %w", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	s.healthMu.Lock()
	s.lastPong = time.Now()
	s.healthMu.Unlock()

	if err := s.subscribe(conn); err != nil {
		conn.Close()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return fmt.Errorf("订阅失败: %w", err)
	}

	// 重连器、PING 循环和健康检查与流同生存期，只启动一次；
	// 读循环绑定单条连接，每次连接成功都补一个新的
	s.mu.Lock()
	startLoops := !s.loopsStarted
	s.loopsStarted = true
	s.mu.Unlock()
	if startLoops {
		s.sg.Add(func() { s.reconnector(s.ctx) })
		s.sg.Add(func() { s.pingLoop(s.ctx) })
		s.sg.Add(func() { s.healthCheck(s.ctx) })
		s.sg.Run()
	}
	s.sg.Go(func() { s.readLoop(s.ctx, conn) })

	s.reconnectMu.Lock()
	s.reconnectCount = 0
	s.reconnectMu.Unlock()

	streamLog.Infof("📡 行情流已连接，订阅 %d 个 token", len(s.tokenIDs))
	return nil
}

// subscribe 发送订阅消息
func (s *Stream) subscribe(conn *websocket.Conn) error {
	s.mu.RLock()
	ids := s.tokenIDs
	s.mu.RUnlock()

	msg := map[string]interface{}{
		"assets_ids": ids,
		"type":       "market",
	}
	return conn.WriteJSON(msg)
}

// Reconnect 触发重连（非阻塞，信号已满则忽略）
func (s *Stream) Reconnect() {
	s.reconnectC.Emit()
}

// reconnector 重连器 goroutine（信号驱动）。连续失败达到上限后放弃，
// 不再空转。
func (s *Stream) reconnector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnectC.C():
			streamLog.Warnf("收到重连信号，冷却 %v...", s.reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectDelay):
			}

			if err := s.Connect(ctx, nil); err != nil {
				s.reconnectMu.Lock()
				exhausted := s.reconnectCount >= s.maxReconnects
				s.reconnectMu.Unlock()
				if exhausted {
					streamLog.Errorf("行情流重连失败且已达上限，停止重连: %v", err)
					return
				}
				streamLog.Warnf("重连失败: %v，将再次尝试", err)
				s.Reconnect()
			}
		}
	}
}

// pingLoop 定期发送文本 PING 保持连接活跃。连接暂时不可用时跳过本轮，
// 等重连器装回新连接
func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			dead := s.closed
			s.mu.RUnlock()

			if dead || conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					streamLog.Warnf("发送 PING 失败: %v，触发重连", err)
					s.Reconnect()
				}
			}
		}
	}
}

// healthCheck 超过 60 秒未收到 PONG 即认为连接不健康
func (s *Stream) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			dead := s.closed || s.conn == nil
			s.mu.RUnlock()
			if dead {
				continue
			}

			s.healthMu.RLock()
			lastPong := s.lastPong
			s.healthMu.RUnlock()

			if time.Since(lastPong) > 60*time.Second {
				streamLog.Warnf("健康检查失败：超过 60 秒未收到 PONG，触发重连")
				s.Reconnect()
			}
		}
	}
}

// readLoop 读取并分发单条连接上的消息，连接死亡即退出
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// 读超时 30 秒：既能及时响应取消，又不会把正常延迟误判为断连
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			default:
			}

			s.mu.RLock()
			replaced := s.conn != conn
			alreadyClosed := s.closed
			s.mu.RUnlock()

			errStr := err.Error()
			normalClose := strings.Contains(errStr, "use of closed network connection") ||
				strings.Contains(errStr, "connection reset by peer")
			if replaced || alreadyClosed || normalClose {
				streamLog.Debugf("行情流连接退役: %v", err)
				return
			}

			streamLog.Warnf("行情流读取错误: %v，触发重连", err)
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.Reconnect()
			return
		}

		msgStr := string(message)
		if msgStr == "PING" {
			conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
			continue
		}
		if msgStr == "PONG" {
			s.healthMu.Lock()
			s.lastPong = time.Now()
			s.healthMu.Unlock()
			continue
		}

		s.dispatch(message)
	}
}

// streamEvent 推送消息的公共头
type streamEvent struct {
	EventType string `json:"event_type"`
}

// priceChangeEvent price_change 推送
type priceChangeEvent struct {
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		BestAsk string `json:"best_ask"`
		BestBid string `json:"best_bid"`
		Price   string `json:"price"`
	} `json:"price_changes"`
}

// lastTradeEvent last_trade_price 推送
type lastTradeEvent struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
}

// dispatch 按 event_type 分发消息
func (s *Stream) dispatch(message []byte) {
	var head streamEvent
	if err := json.Unmarshal(message, &head); err != nil {
		streamLog.Debugf("解析消息类型失败: %v", err)
		return
	}

	switch head.EventType {
	case "price_change":
		var ev priceChangeEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			streamLog.Warnf("解析 price_change 失败: %v", err)
			return
		}
		for _, pc := range ev.PriceChanges {
			if pc.AssetID == "" {
				continue
			}
			// 优先 best_ask，其次 best_bid，最后 price
			raw := pc.BestAsk
			if raw == "" {
				raw = pc.BestBid
			}
			if raw == "" {
				raw = pc.Price
			}
			if raw == "" {
				continue
			}
			price, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				streamLog.Debugf("解析价格失败 (asset_id=%s, value=%s): %v", pc.AssetID, raw, err)
				continue
			}
			s.emit(PriceUpdate{TokenID: pc.AssetID, Price: price, At: time.Now()})
		}
	case "last_trade_price":
		var ev lastTradeEvent
		if err := json.Unmarshal(message, &ev); err != nil || ev.AssetID == "" || ev.Price == "" {
			return
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return
		}
		s.emit(PriceUpdate{TokenID: ev.AssetID, Price: price, At: time.Now()})
	case "book", "tick_size_change":
		// 订单簿快照与 tick size 变化不影响展示价格，忽略
	default:
		streamLog.Debugf("收到未知消息类型: %s", head.EventType)
	}
}

// emit 更新缓存并触发所有回调
func (s *Stream) emit(u PriceUpdate) {
	s.last.Set(u.TokenID, u, 0)

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, fn := range handlers {
		fn(u)
	}
}

// Close 关闭连接并等待所有 goroutine 退出
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.done = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var conn *websocket.Conn
	if s.conn != nil {
		conn = s.conn
		s.conn = nil
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.sg.WaitAndClear()
	return nil
}

// proxyFromEnv 从环境变量获取代理地址
func proxyFromEnv() string {
	for _, v := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
		if proxy := os.Getenv(v); proxy != "" {
			return proxy
		}
	}
	return ""
}
