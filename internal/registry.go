package internal

import (
	"crypto/rand"
	"sort"
	"time"
)

// Registry 房間註冊表
//
// 行程內唯一的房間集合，隨行程啟動建立、不落地持久化。
// 只能由 Broker 的事件迴圈 goroutine 存取，因此不需要鎖；
// 任何需要讀取房間列表的外部元件（如探索端點）都透過
// Broker 的序列化路徑取得快照。
type Registry struct {
	rooms map[string]*Room
}

// NewRegistry 創建空註冊表
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// Create 分配新的房間識別碼並建立空房間
func (reg *Registry) Create(kind RoomKind) *Room {
	id := reg.generateID()
	room := NewRoom(id, kind)
	reg.rooms[id] = room
	return room
}

// Get 查詢房間
func (reg *Registry) Get(id string) (*Room, bool) {
	room, exists := reg.rooms[id]
	return room, exists
}

// Delete 移除房間
func (reg *Registry) Delete(id string) {
	delete(reg.rooms, id)
}

// Len 返回房間數量
func (reg *Registry) Len() int {
	return len(reg.rooms)
}

// List 生成房間列表（依 id 排序，輸出順序穩定）
func (reg *Registry) List() []Summary {
	result := make([]Summary, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		result = append(result, room.Summarize())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Stale 返回超過閒置窗口且無任何連接的房間 id
//
// 有連接的房間無論多久沒動作都不會被此路徑回收。
func (reg *Registry) Stale(window time.Duration) []string {
	cutoff := time.Now().Add(-window)
	var stale []string
	for id, room := range reg.rooms {
		if len(room.Conns) == 0 && room.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// generateID 生成簡短的房間識別碼
//
// 六位大寫英數字，碰撞時重試。去掉了容易混淆的 O/0、I/1。
func (reg *Registry) generateID() string {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	for {
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			// 隨機讀取失敗時退回時間戳
			return time.Now().Format("150405")
		}
		for i := range b {
			b[i] = chars[int(b[i])%len(chars)]
		}
		id := string(b)
		if _, exists := reg.rooms[id]; !exists {
			return id
		}
	}
}
