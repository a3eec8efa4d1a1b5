package internal

import (
	"time"
)

// 系統設計問題：
//   如何讓多個獨立客戶端共享一個小型對戰房間的大廳狀態（座位、準備、佈署），
//   並在遊戲開始後以最低延遲轉發雙方訊息？
//
// 核心挑戰：
//   1. 狀態一致性：座位分配、準備狀態必須對所有人呈現同一份事實
//   2. 身份重用：玩家編號在離開後要能回收（最小未用編號分配）
//   3. 斷線容忍：重連的玩家要能拿回原本的座位與狀態
//   4. 資源回收：沒人的房間要能立即或定時清除
//
// 設計方案：
//   ✅ 單一事件迴圈 - 所有變更由 Broker goroutine 序列化，房間本身不加鎖
//   ✅ 以 map 為核心的狀態模型 - 座位/準備/名稱各自獨立，離席即刪除
//   ✅ 最小未用編號 - 掃描現有成員求第一個缺口，而非遞增計數器
//   ✅ 最後活動時間戳 - 供閒置回收掃描使用

// RoomKind 房間類型，決定座位數
type RoomKind string

const (
	KindTwoSeat   RoomKind = "2p" // 雙人房
	KindThreeSeat RoomKind = "3p" // 三人房
)

// Capacity 返回座位數
func (k RoomKind) Capacity() int {
	if k == KindThreeSeat {
		return 3
	}
	return 2
}

// Valid 檢查是否為已知的房間類型
func (k RoomKind) Valid() bool {
	return k == KindTwoSeat || k == KindThreeSeat
}

// Room 對戰房間
//
// 所有欄位只在 Broker 的事件迴圈 goroutine 內讀寫，因此不需要鎖。
// 各個 map 都以玩家編號為鍵；玩家離開時條目被刪除（而非設為 false），
// 這是「已離席」與「未準備」的區別所在。
type Room struct {
	ID   string
	Kind RoomKind

	// Seats 玩家編號 -> 座位編號（1 起算）；無條目即未入座
	Seats map[int]int

	// Ready 玩家編號 -> 是否已準備；只有入座過的玩家才有條目
	Ready map[int]bool

	// SetupDone 玩家編號 -> 是否完成佈署；一局內只設定不重置
	SetupDone map[int]bool

	// Names 玩家編號 -> 顯示名稱（客戶端自由填寫）
	Names map[int]string

	// Conns 玩家編號 -> 連接；「目前在場」的權威定義
	Conns map[int]*Conn

	// HostID 房主（有權開始遊戲的玩家），初始為創建者，離開時轉移
	HostID int

	// Started 遊戲是否已開始，只會從 false 變 true
	Started bool

	// LastActivity 最後一次狀態變更時間，供閒置回收判斷
	LastActivity time.Time

	// bothSetupAnnounced 雙方佈署完成通知是否已發出（每次滿足只發一次）
	bothSetupAnnounced bool
}

// NewRoom 創建空房間
func NewRoom(id string, kind RoomKind) *Room {
	return &Room{
		ID:           id,
		Kind:         kind,
		Seats:        make(map[int]int),
		Ready:        make(map[int]bool),
		SetupDone:    make(map[int]bool),
		Names:        make(map[int]string),
		Conns:        make(map[int]*Conn),
		LastActivity: time.Now(),
	}
}

// AllocateID 分配最小未使用的玩家編號（從 1 開始）
//
// 在場玩家以 Conns 為準；玩家離開後編號立即可重用。
// 房間規模最多個位數，線性掃描即可。
func (r *Room) AllocateID() int {
	id := 1
	for {
		if _, taken := r.Conns[id]; !taken {
			return id
		}
		id++
	}
}

// SeatOf 返回玩家的座位編號，未入座時返回 0
func (r *Room) SeatOf(participantID int) int {
	return r.Seats[participantID]
}

// Occupant 返回佔用指定座位的玩家編號，空位時返回 0
func (r *Room) Occupant(seat int) int {
	for pid, s := range r.Seats {
		if s == seat {
			return pid
		}
	}
	return 0
}

// ToggleSeat 入座/離座切換
//
// 語義：
//   - 已坐在該座位 -> 離座（刪除座位與準備條目）
//   - 座位被他人佔用 -> ErrSeatTaken，狀態不變
//   - 其他情況 -> 入座，並清除換位前的準備狀態
func (r *Room) ToggleSeat(participantID, seat int) error {
	if r.Seats[participantID] == seat {
		delete(r.Seats, participantID)
		delete(r.Ready, participantID)
		return nil
	}

	if occupant := r.Occupant(seat); occupant != 0 && occupant != participantID {
		return ErrSeatTaken
	}

	r.Seats[participantID] = seat
	delete(r.Ready, participantID)
	return nil
}

// AllReady 開始門檻判斷：1、2 號座位都有人且都已準備
//
// TODO: 確認三人房是否應由第三席參與 allReady 判定，目前第三席不影響結果。
func (r *Room) AllReady() bool {
	return r.seatQuorum(func(pid int) bool { return r.Ready[pid] })
}

// BothSetup 佈署門檻判斷：1、2 號座位都有人且都完成佈署
func (r *Room) BothSetup() bool {
	return r.seatQuorum(func(pid int) bool { return r.SetupDone[pid] })
}

// seatQuorum 對 1、2 號座位的佔用者套用條件
func (r *Room) seatQuorum(ok func(participantID int) bool) bool {
	for seat := 1; seat <= 2; seat++ {
		pid := r.Occupant(seat)
		if pid == 0 || !ok(pid) {
			return false
		}
	}
	return true
}

// RemoveParticipant 移除玩家的所有狀態
//
// 返回新房主編號（0 表示房主未變或房間已無人）。
// 房主離開時由剩餘最小編號的在場玩家接任。
func (r *Room) RemoveParticipant(participantID int) (newHost int) {
	delete(r.Seats, participantID)
	delete(r.Ready, participantID)
	delete(r.SetupDone, participantID)
	delete(r.Names, participantID)
	delete(r.Conns, participantID)
	r.LastActivity = time.Now()

	if r.HostID != participantID || len(r.Conns) == 0 {
		return 0
	}

	smallest := 0
	for pid := range r.Conns {
		if smallest == 0 || pid < smallest {
			smallest = pid
		}
	}
	r.HostID = smallest
	return smallest
}

// Touch 更新最後活動時間
func (r *Room) Touch() {
	r.LastActivity = time.Now()
}

// Snapshot 序列化完整房間狀態
//
// 每次對外回應都重新組裝，確保客戶端永遠拿到當下狀態而非快取。
func (r *Room) Snapshot() map[string]any {
	return map[string]any{
		"roomId":      r.ID,
		"roomType":    r.Kind,
		"slots":       r.Seats,
		"readyStates": r.Ready,
		"playerNames": r.Names,
		"hostId":      r.HostID,
		"gameStarted": r.Started,
	}
}

// Summary 房間列表條目（供房間瀏覽與探索端點使用）
type Summary struct {
	ID          string   `json:"id"`
	Players     int      `json:"players"`
	RoomType    RoomKind `json:"roomType"`
	GameStarted bool     `json:"gameStarted"`
}

// Summarize 生成列表條目
func (r *Room) Summarize() Summary {
	return Summary{
		ID:          r.ID,
		Players:     len(r.Conns),
		RoomType:    r.Kind,
		GameStarted: r.Started,
	}
}
