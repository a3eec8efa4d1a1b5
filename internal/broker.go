package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   多個連接、多個計時器都要改同一批房間狀態，如何保證不出現交錯更新？
//
// 核心挑戰：
//   1. 並發控制：加入、選位、斷線、回收可能同時發生
//   2. 順序保證：同房間的狀態變更順序必須等於訊息到達順序
//   3. 失敗隔離：一條畸形訊息不能影響其他連接或房間
//   4. 搶位裁決：兩人搶同一座位必須有決定性的勝負
//
// 設計方案：
//   ✅ 單一事件迴圈 - 訊息、斷線、計時器全部匯入同一條 channel，
//      由一個 goroutine 依序處理，房間狀態完全免鎖
//   ✅ 處理器不讓出 - 每個事件處理到底才取下一個，不存在半更新狀態
//   ✅ 搶位先到先贏 - 先被迴圈處理的訊息得到座位，後者收到 seatTaken
//   ✅ 背景掃描走同一路徑 - 心跳、回收都以事件迴圈內的 ticker case 執行

// 事件類型：連接 goroutine 與計時器只能透過這些事件觸碰狀態
type (
	connOpened     struct{ conn *Conn }
	connClosed     struct{ conn *Conn }
	inboundMessage struct {
		conn *Conn
		data []byte
	}
	roomTeardown struct{ roomID string }
	listRequest  struct{ reply chan []Summary }
	statsRequest struct{ reply chan Stats }
)

// Stats 運行統計
type Stats struct {
	Rooms         int   `json:"total_rooms"`
	StartedRooms  int   `json:"started_rooms"`
	Connections   int   `json:"total_connections"`
	Unbound       int   `json:"unbound_connections"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// uptimeLogInterval 運行狀態記錄間隔
const uptimeLogInterval = 10 * time.Minute

// ErrBrokerStopped 在關閉後對 Broker 發出請求
var ErrBrokerStopped = errors.New("broker stopped")

// Broker 訊息分發器
//
// registry 與 conns 只在 Run 的 goroutine 內讀寫。
type Broker struct {
	cfg      *Config
	logger   *slog.Logger
	registry *Registry
	conns    map[*Conn]struct{}

	events  chan any
	stop    chan struct{}
	stopped chan struct{}

	upgrader  websocket.Upgrader
	startedAt time.Time
}

// NewBroker 創建分發器（需另行呼叫 Run 啟動事件迴圈）
func NewBroker(cfg *Config, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(),
		conns:    make(map[*Conn]struct{}),
		events:   make(chan any, 256),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 客戶端來源不固定（桌面、區網網頁），不做來源檢查
				return true
			},
		},
		startedAt: time.Now(),
	}
}

// Run 事件迴圈：行程內所有房間狀態變更的唯一入口
func (b *Broker) Run() {
	probeTicker := time.NewTicker(b.cfg.Broker.ProbeInterval)
	reapTicker := time.NewTicker(b.cfg.Broker.ReapInterval)
	uptimeTicker := time.NewTicker(uptimeLogInterval)
	defer probeTicker.Stop()
	defer reapTicker.Stop()
	defer uptimeTicker.Stop()

	for {
		select {
		case ev := <-b.events:
			b.dispatch(ev)

		case <-probeTicker.C:
			b.sweepLiveness()

		case <-reapTicker.C:
			b.reapIdle()

		case <-uptimeTicker.C:
			b.logUptime()

		case <-b.stop:
			b.shutdown()
			close(b.stopped)
			return
		}
	}
}

// Stop 優雅關閉：關閉所有連接並等待排空
func (b *Broker) Stop() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.stopped
}

// post 投遞事件到迴圈
func (b *Broker) post(ev any) {
	select {
	case b.events <- ev:
	case <-b.stopped:
	}
}

// dispatch 處理單一事件；每個事件處理到底，絕不讓出
func (b *Broker) dispatch(ev any) {
	switch ev := ev.(type) {
	case connOpened:
		b.conns[ev.conn] = struct{}{}
		b.pushRoomList(ev.conn)

	case connClosed:
		b.handleDisconnect(ev.conn)

	case inboundMessage:
		b.handleMessage(ev.conn, ev.data)

	case roomTeardown:
		b.teardownRoom(ev.roomID)

	case listRequest:
		ev.reply <- b.registry.List()

	case statsRequest:
		ev.reply <- b.snapshotStats()
	}
}

// handleMessage 解碼並路由入站訊息
//
// 失敗策略：解碼失敗只記錄、不回覆、不斷線；未知類型靜默忽略。
// 任何一條訊息的失敗都被隔離在此，不影響其他連接。
func (b *Broker) handleMessage(c *Conn, data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		b.logger.Warn("解碼入站訊息失敗", "error", err, "conn_id", c.id)
		return
	}

	switch msg.Type {
	case MsgCreateRoom:
		b.handleCreateRoom(c, msg)
	case MsgJoin:
		b.handleJoin(c, msg)
	case MsgSelectSlot:
		b.handleSelectSlot(c, msg)
	case MsgUpdateName:
		b.handleUpdateName(c, msg)
	case MsgToggleReady:
		b.handleToggleReady(c, msg)
	case MsgStartGame:
		b.handleStartGame(c, msg)
	case MsgDeploymentUpdate:
		b.handleRelay(c, msg, data, MsgOpponentDeployment, false)
	case MsgSetupComplete:
		b.handleRelay(c, msg, data, MsgOpponentSetupDone, true)
	case MsgMove:
		b.handleRelay(c, msg, data, MsgMove, false)
	case MsgGameEnd:
		b.handleGameEnd(c, msg, data)
	default:
		b.logger.Debug("收到未知訊息類型", "type", msg.Type, "conn_id", c.id)
	}
}

// handleCreateRoom 創建房間，創建者成為 1 號玩家兼房主
func (b *Broker) handleCreateRoom(c *Conn, msg clientMessage) {
	if c.roomID != "" {
		b.logger.Debug("已綁定的連接嘗試創建房間", "conn_id", c.id, "room_id", c.roomID)
		return
	}

	kind := msg.RoomType
	if !kind.Valid() {
		kind = KindTwoSeat
	}

	room := b.registry.Create(kind)
	pid := room.AllocateID()
	room.Conns[pid] = c
	room.HostID = pid
	room.Touch()
	c.roomID = room.ID
	c.participantID = pid

	b.sendSnapshot(c, MsgRoomCreated, room, map[string]any{"playerId": pid})
	b.refreshRoomList()

	b.logger.Info("房間已創建",
		"room_id", room.ID,
		"room_type", kind,
		"conn_id", c.id)
}

// handleJoin 加入房間
//
// 帶既有玩家編號且該編號仍在房間內 -> 重連路徑：新連接接手身份，
// 座位、準備狀態、名稱全部保留，舊連接解除綁定後關閉。
// 這是唯一容忍客戶端帶已知身份重試的入口。
func (b *Broker) handleJoin(c *Conn, msg clientMessage) {
	if c.roomID != "" {
		b.logger.Debug("已綁定的連接嘗試加入房間", "conn_id", c.id)
		return
	}

	room, exists := b.registry.Get(msg.RoomID)
	if !exists {
		b.send(c, errorMessage(ErrRoomNotFound))
		return
	}

	if msg.PlayerID != nil {
		if old, known := room.Conns[*msg.PlayerID]; known {
			pid := *msg.PlayerID
			if old != c {
				// 先解除舊連接的綁定再關閉，
				// 讓它的斷線事件不會誤刪新接手的狀態
				old.roomID = ""
				old.participantID = 0
				old.close()
			}
			room.Conns[pid] = c
			room.Touch()
			c.roomID = room.ID
			c.participantID = pid

			b.sendSnapshot(c, MsgRoomJoined, room, map[string]any{"playerId": pid})
			b.logger.Info("玩家重連",
				"room_id", room.ID,
				"participant_id", pid,
				"conn_id", c.id)
			return
		}
	}

	pid := room.AllocateID()
	room.Conns[pid] = c
	room.Touch()
	c.roomID = room.ID
	c.participantID = pid

	b.sendSnapshot(c, MsgRoomJoined, room, map[string]any{"playerId": pid})
	b.broadcast(room, map[string]any{
		"type":     MsgPlayerJoined,
		"playerId": pid,
	}, pid)

	b.logger.Info("玩家加入房間",
		"room_id", room.ID,
		"participant_id", pid,
		"conn_id", c.id)
}

// handleSelectSlot 入座/離座切換，輸者收到 seatTaken
func (b *Broker) handleSelectSlot(c *Conn, msg clientMessage) {
	room := b.boundRoom(c, msg.RoomID)
	if room == nil {
		return
	}

	if err := room.ToggleSeat(c.participantID, msg.SlotNum); err != nil {
		// 座位已被佔用：只通知請求方，房間狀態不變
		b.send(c, errorMessage(err))
		return
	}
	room.Touch()

	b.sendSnapshotAll(room, MsgSlotSelected, nil)
	b.refreshRoomList()
}

// handleUpdateName 更新顯示名稱
func (b *Broker) handleUpdateName(c *Conn, msg clientMessage) {
	room := b.boundRoom(c, msg.RoomID)
	if room == nil {
		return
	}

	room.Names[c.participantID] = msg.Name
	room.Touch()

	b.sendSnapshotAll(room, MsgNameUpdated, nil)
}

// handleToggleReady 設置準備狀態；未入座的玩家不能準備
func (b *Broker) handleToggleReady(c *Conn, msg clientMessage) {
	room := b.boundRoom(c, msg.RoomID)
	if room == nil {
		return
	}

	if room.SeatOf(c.participantID) == 0 {
		return
	}

	room.Ready[c.participantID] = msg.IsReady
	room.Touch()

	b.broadcast(room, map[string]any{
		"type":        MsgPlayerReady,
		"playerId":    c.participantID,
		"isReady":     msg.IsReady,
		"readyStates": room.Ready,
		"allReady":    room.AllReady(),
	}, 0)
}

// handleStartGame 開始遊戲
//
// 門檻判定（allReady）只是給客戶端的提示，這裡不做伺服器端強制——
// 任何在場玩家的 startGame 都會翻轉 started。
func (b *Broker) handleStartGame(c *Conn, msg clientMessage) {
	room := b.boundRoom(c, msg.RoomID)
	if room == nil {
		return
	}

	room.Started = true
	room.Touch()

	b.broadcast(room, map[string]any{"type": MsgGameStart}, 0)
	b.refreshRoomList()

	b.logger.Info("遊戲開始", "room_id", room.ID)
}

// handleRelay 純轉發：負載不做解釋，送給除發送者以外的所有人
func (b *Broker) handleRelay(c *Conn, msg clientMessage, data []byte, outType string, recordSetup bool) {
	room := b.boundRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	room.Touch()

	if recordSetup {
		room.SetupDone[c.participantID] = true
	}

	payload, err := relayPayload(data, outType)
	if err != nil {
		b.logger.Warn("改寫轉發負載失敗", "error", err, "conn_id", c.id)
		return
	}
	b.broadcastRaw(room, payload, c.participantID)

	// 雙方都完成佈署時對全房間通知一次；之後多餘的 setupComplete
	// 照常轉發，但不再重複通知
	if recordSetup && !room.bothSetupAnnounced && room.BothSetup() {
		room.bothSetupAnnounced = true
		b.broadcast(room, map[string]any{"type": MsgBothPlayersReady}, 0)
	}
}

// handleGameEnd 廣播結果並排程延遲銷毀
//
// 延遲銷毀讓仍在傳輸中的確認訊息有時間落地，
// 之後房間才從列表中消失。
func (b *Broker) handleGameEnd(c *Conn, msg clientMessage, data []byte) {
	room := b.boundRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	room.Touch()

	payload, err := relayPayload(data, MsgGameEnd)
	if err != nil {
		b.logger.Warn("改寫轉發負載失敗", "error", err, "conn_id", c.id)
		return
	}
	b.broadcastRaw(room, payload, 0)

	roomID := room.ID
	time.AfterFunc(b.cfg.Broker.TeardownGrace, func() {
		b.post(roomTeardown{roomID: roomID})
	})

	b.logger.Info("遊戲結束，房間排程銷毀",
		"room_id", roomID,
		"grace", b.cfg.Broker.TeardownGrace)
}

// teardownRoom 銷毀房間，殘留的連接解除綁定回到房間瀏覽狀態
func (b *Broker) teardownRoom(roomID string) {
	room, exists := b.registry.Get(roomID)
	if !exists {
		return
	}

	for _, conn := range room.Conns {
		conn.roomID = ""
		conn.participantID = 0
	}
	b.registry.Delete(roomID)
	b.refreshRoomList()

	b.logger.Info("房間已銷毀", "room_id", roomID)
}

// handleDisconnect 斷線路徑
//
// 傳輸層關閉與心跳踢人共用此路徑：清除玩家全部狀態、必要時轉移房主、
// 通知剩餘玩家，房間沒人就立即刪除。
func (b *Broker) handleDisconnect(c *Conn) {
	delete(b.conns, c)

	if c.roomID == "" {
		return
	}

	room, exists := b.registry.Get(c.roomID)
	pid := c.participantID
	c.roomID = ""
	c.participantID = 0

	if !exists || room.Conns[pid] != c {
		// 房間已銷毀，或身份已被重連的新連接接手
		return
	}

	newHost := room.RemoveParticipant(pid)
	if newHost != 0 {
		b.logger.Info("房主轉移",
			"room_id", room.ID,
			"new_host", newHost)
	}

	if len(room.Conns) == 0 {
		b.registry.Delete(room.ID)
		b.logger.Info("房間已無人，立即刪除", "room_id", room.ID)
	} else {
		b.sendSnapshotAll(room, MsgPlayerLeft, map[string]any{"playerId": pid})
	}

	b.refreshRoomList()

	b.logger.Info("玩家離開房間",
		"room_id", room.ID,
		"participant_id", pid,
		"conn_id", c.id)
}

// boundRoom 解析訊息指向的房間並驗證連接確實綁定於該房間
//
// 指向未知房間或未綁定的連接一律靜默忽略（join 之外的失敗策略）。
func (b *Broker) boundRoom(c *Conn, roomID string) *Room {
	if c.roomID == "" || c.roomID != roomID {
		return nil
	}
	room, exists := b.registry.Get(roomID)
	if !exists {
		return nil
	}
	return room
}

// --- 出站 ---

// send 序列化並投遞給單一連接
func (b *Broker) send(c *Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("序列化出站訊息失敗", "error", err)
		return
	}
	c.push(data)
}

// sendSnapshot 投遞帶完整房間快照的訊息給單一連接
func (b *Broker) sendSnapshot(c *Conn, msgType string, room *Room, extra map[string]any) {
	snapshot := room.Snapshot()
	snapshot["type"] = msgType
	for k, v := range extra {
		snapshot[k] = v
	}
	b.send(c, snapshot)
}

// sendSnapshotAll 對全房間廣播帶快照的訊息
func (b *Broker) sendSnapshotAll(room *Room, msgType string, extra map[string]any) {
	snapshot := room.Snapshot()
	snapshot["type"] = msgType
	for k, v := range extra {
		snapshot[k] = v
	}
	b.broadcast(room, snapshot, 0)
}

// broadcast 序列化後對房間扇出，excludePID 非零時跳過該玩家
func (b *Broker) broadcast(room *Room, v any, excludePID int) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("序列化廣播訊息失敗", "error", err)
		return
	}
	b.broadcastRaw(room, data, excludePID)
}

// broadcastRaw 扇出已序列化的負載
//
// 已關閉的連接直接跳過——它的斷線事件會獨立完成清理。
// 送達順序跨接收者不保證，單一接收者內部依產生順序。
func (b *Broker) broadcastRaw(room *Room, data []byte, excludePID int) {
	for pid, conn := range room.Conns {
		if pid == excludePID || conn.closed() {
			continue
		}
		conn.push(data)
	}
}

// refreshRoomList 推送最新房間列表給所有未綁定的連接（房間瀏覽狀態）
func (b *Broker) refreshRoomList() {
	data, err := json.Marshal(map[string]any{
		"type":  MsgRoomList,
		"rooms": b.registry.List(),
	})
	if err != nil {
		b.logger.Error("序列化房間列表失敗", "error", err)
		return
	}

	for conn := range b.conns {
		if conn.roomID == "" && !conn.closed() {
			conn.push(data)
		}
	}
}

// pushRoomList 推送房間列表給單一連接
func (b *Broker) pushRoomList(c *Conn) {
	b.send(c, map[string]any{
		"type":  MsgRoomList,
		"rooms": b.registry.List(),
	})
}

// --- 背景掃描（都在事件迴圈 goroutine 內執行）---

// sweepLiveness 心跳掃描
//
// 兩段式：上一輪未回應（alive 為 false）的連接強制關閉，
// 其餘清旗標、發 Ping。被關閉的連接走標準斷線路徑。
func (b *Broker) sweepLiveness() {
	for conn := range b.conns {
		if conn.closed() {
			continue
		}
		if !conn.alive.Load() {
			b.logger.Info("連接未回應心跳，強制斷線", "conn_id", conn.id)
			conn.close()
			continue
		}
		conn.alive.Store(false)
		conn.requestProbe()
	}
}

// reapIdle 閒置回收：刪除長時間無人的房間
func (b *Broker) reapIdle() {
	stale := b.registry.Stale(b.cfg.Broker.IdleWindow)
	for _, id := range stale {
		b.registry.Delete(id)
		b.logger.Info("閒置房間已回收", "room_id", id)
	}
	if len(stale) > 0 {
		b.refreshRoomList()
	}
}

// logUptime 週期性記錄運行狀態
func (b *Broker) logUptime() {
	stats := b.snapshotStats()
	b.logger.Info("運行狀態",
		"uptime_seconds", stats.UptimeSeconds,
		"rooms", stats.Rooms,
		"connections", stats.Connections)
}

func (b *Broker) snapshotStats() Stats {
	stats := Stats{
		Rooms:         b.registry.Len(),
		Connections:   len(b.conns),
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
	}
	for _, summary := range b.registry.List() {
		if summary.GameStarted {
			stats.StartedRooms++
		}
	}
	for conn := range b.conns {
		if conn.roomID == "" {
			stats.Unbound++
		}
	}
	return stats
}

// shutdown 關閉路徑：對所有連接送正常關閉幀，限時等待排空
func (b *Broker) shutdown() {
	b.logger.Info("開始關閉，通知所有連接", "connections", len(b.conns))

	for conn := range b.conns {
		conn.close()
	}

	deadline := time.NewTimer(b.cfg.Broker.DrainTimeout)
	defer deadline.Stop()

	for len(b.conns) > 0 {
		select {
		case ev := <-b.events:
			b.dispatch(ev)
		case <-deadline.C:
			b.logger.Warn("排空超時，強制結束", "remaining", len(b.conns))
			return
		}
	}
}

// --- 序列化路徑上的對外查詢（探索端點使用）---

// RoomList 取得房間列表快照
func (b *Broker) RoomList(ctx context.Context) ([]Summary, error) {
	reply := make(chan []Summary, 1)
	select {
	case b.events <- listRequest{reply: reply}:
	case <-b.stopped:
		return nil, ErrBrokerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rooms := <-reply:
		return rooms, nil
	case <-b.stopped:
		return nil, ErrBrokerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StatsSnapshot 取得運行統計快照
func (b *Broker) StatsSnapshot(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case b.events <- statsRequest{reply: reply}:
	case <-b.stopped:
		return Stats{}, ErrBrokerStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case stats := <-reply:
		return stats, nil
	case <-b.stopped:
		return Stats{}, ErrBrokerStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}
