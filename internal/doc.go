// Package internal 實現了一個即時會話中介服務（session broker）。
//
// 讓獨立的客戶端行程探索、創建、加入與離開小型多人房間，
// 同步房間大廳狀態（座位分配、準備狀態、佈署進度），
// 遊戲開始後在參與者之間轉發動作訊息，不解釋任何遊戲規則。
//
// 房間生命週期
//
// 提供完整的房間生命週期管理：
//   - 創建：createRoom 分配識別碼，創建者成為 1 號玩家兼房主
//   - 加入：join 分配最小未用玩家編號；帶既有編號可重連取回身份
//   - 銷毀：gameEnd 延遲銷毀 / 最後一人離開立即刪除 / 閒置定時回收
//
// # 併發模型
//
// 所有房間狀態變更由單一事件迴圈序列化：
//   - 入站訊息、斷線、計時器掃描全部匯入同一條事件 channel
//   - 同一房間的變更順序等於訊息到達順序，搶位由先到者勝出
//   - 房間與註冊表完全免鎖，連接 goroutine 不直接觸碰狀態
//
// # WebSocket 通訊
//
// 即時雙向通訊機制：
//   - JSON 訊息以 type 欄位分流，未知類型靜默忽略
//   - Ping/Pong 心跳兩段式判定，漏掉一整個週期才踢人
//   - 每連接緩衝發送，慢客戶端不阻塞房間廣播
//   - 入站訊息限速，保護事件迴圈
//
// 側信道 HTTP
//
// 唯讀查詢端點：
//   - GET /health：健康檢查
//   - GET /discover：房間快照（供區網探索輪詢）
//   - GET /stats：運行統計
//
// 配置選項
//
// 支援 config.yaml 與命令行參數：
//   - -port：服務監聽端口（預設 8080）
//   - -production：生產模式
//   - -log-level / -log-format：日誌行為
package internal
