package internal

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// 系統設計：心跳機制
//
//  1. 兩段式判定（two-strike）：
//     監督器每個週期先檢查 alive 旗標——前一輪的 Ping 若沒有收到 Pong，
//     旗標仍為 false，此時才強制斷線；否則清旗標、再發一次 Ping。
//     連接至少要漏掉一整個週期的回應才會被踢，不會因單次延遲誤殺。
//
//  2. 為什麼 Ping 由中央掃描而非每連接計時器？
//     斷線必須走與訊息處理相同的序列化路徑（踢人會改房間狀態），
//     集中在 Broker 迴圈裡掃描可以免掉每連接一個 goroutine 的計時器，
//     也保證踢人動作和其他事件不會交錯。
//
//  3. 寫入的單一來源：
//     gorilla/websocket 不允許並發寫入，所有幀（訊息、Ping、Close）
//     都經由 writePump 送出；掃描端只對 probe channel 做非阻塞通知。

const (
	// 寫入超時
	writeWait = 10 * time.Second

	// 出站緩衝大小；寫滿表示客戶端消費過慢，該訊息直接丟棄，
	// 死連接交給心跳機制回收
	sendBufferSize = 256
)

// Conn 單一客戶端連接
//
// roomID / participantID 是綁定標籤，只由 Broker 的事件迴圈讀寫；
// alive 由讀取 goroutine（Pong 處理器）與迴圈兩邊觸碰，需要原子操作。
type Conn struct {
	id     string
	sock   *websocket.Conn
	broker *Broker

	send  chan []byte
	probe chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	limiter   *rate.Limiter
	alive     atomic.Bool

	// 綁定標籤（Broker goroutine 專屬）
	roomID        string
	participantID int
}

func newConn(sock *websocket.Conn, broker *Broker) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		sock:    sock,
		broker:  broker,
		send:    make(chan []byte, sendBufferSize),
		probe:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(broker.cfg.Broker.MessageRate), broker.cfg.Broker.MessageBurst),
	}
	c.alive.Store(true)
	return c
}

// push 非阻塞投遞出站訊息
//
// 緩衝滿時丟棄：擁塞的連接不該拖慢整個房間，
// 真正斷掉的連接會由心跳機制獨立清理。
func (c *Conn) push(data []byte) {
	if c.closed() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.broker.logger.Warn("連接緩衝區滿，丟棄訊息", "conn_id", c.id)
	}
}

// requestProbe 通知 writePump 發送一個 Ping
func (c *Conn) requestProbe() {
	select {
	case c.probe <- struct{}{}:
	default:
	}
}

// close 觸發關閉（冪等）
//
// 實際的 Close 幀與 socket 關閉由 writePump 完成，
// 之後 readPump 讀取出錯、向 Broker 回報斷線事件。
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump 讀取客戶端訊息
//
// 讀取超時設為兩個心跳週期：正常情況下每個週期的 Pong 都會重置期限，
// 即使心跳掃描停擺，死連接也會在期限到達後被回收。
func (c *Conn) readPump() {
	deadline := 2*c.broker.cfg.Broker.ProbeInterval + writeWait

	defer func() {
		c.close()
		c.sock.Close()
		c.broker.post(connClosed{conn: c})
	}()

	c.sock.SetReadLimit(64 * 1024)
	if err := c.sock.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		c.broker.logger.Error("設置讀取期限失敗", "error", err, "conn_id", c.id)
	}

	// Pong 處理器：回應心跳、重置超時
	c.sock.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.sock.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		messageType, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.broker.logger.Debug("WebSocket 讀取結束", "error", err, "conn_id", c.id)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		// 入站限速：超速的訊息直接丟棄，保護單一事件迴圈
		if !c.limiter.Allow() {
			c.broker.logger.Warn("連接超過訊息速率限制，丟棄訊息", "conn_id", c.id)
			continue
		}

		c.broker.post(inboundMessage{conn: c, data: data})
	}
}

// writePump 寫入訊息到客戶端
func (c *Conn) writePump() {
	defer c.sock.Close()

	for {
		select {
		case data := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.broker.logger.Error("設置寫入期限失敗", "error", err, "conn_id", c.id)
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// 批量送出隊列中剩餘的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.sock.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-c.probe:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.broker.logger.Error("設置寫入期限失敗", "error", err, "conn_id", c.id)
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			deadline := time.Now().Add(writeWait)
			if err := c.sock.SetWriteDeadline(deadline); err == nil {
				// 盡力送出正常關閉幀，連接可能已經斷了，錯誤可忽略
				_ = c.sock.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

// ServeWS 處理 WebSocket 連接升級
//
// 連接建立時尚未綁定任何房間（房間瀏覽狀態），
// 綁定發生在 createRoom / join 成功之後。
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := newConn(conn, b)
	b.post(connOpened{conn: c})

	go c.writePump()
	go c.readPump()

	b.logger.Info("WebSocket 連接建立", "conn_id", c.id, "remote", r.RemoteAddr)
}
