package internal

import (
	"encoding/json"
	"errors"
)

// 訊息以 JSON 編碼，靠 type 欄位分流。
// 入站訊息除路由欄位外的內容一律原樣轉發（piecesPlaced、board、
// move 細節等對本服務都是不透明負載）。

// 入站訊息類型
const (
	MsgCreateRoom       = "createRoom"
	MsgJoin             = "join"
	MsgSelectSlot       = "selectSlot"
	MsgUpdateName       = "updateName"
	MsgToggleReady      = "toggleReady"
	MsgStartGame        = "startGame"
	MsgDeploymentUpdate = "deploymentUpdate"
	MsgSetupComplete    = "setupComplete"
	MsgMove             = "move"
	MsgGameEnd          = "gameEnd"
)

// 出站訊息類型
const (
	MsgRoomCreated        = "roomCreated"
	MsgRoomJoined         = "roomJoined"
	MsgError              = "error"
	MsgRoomList           = "roomList"
	MsgPlayerJoined       = "playerJoined"
	MsgSlotSelected       = "slotSelected"
	MsgNameUpdated        = "nameUpdated"
	MsgPlayerReady        = "playerReady"
	MsgGameStart          = "gameStart"
	MsgOpponentDeployment = "opponentDeploymentUpdate"
	MsgOpponentSetupDone  = "opponentSetupComplete"
	MsgBothPlayersReady   = "bothPlayersReady"
	MsgPlayerLeft         = "playerLeft"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrSeatTaken    = errors.New("seat taken")
)

// clientMessage 入站訊息的路由欄位
//
// PlayerID 用指標以區分「未帶欄位」與「帶了 0」——join 是否附帶
// 既有編號決定走重連路徑還是新玩家路徑。
type clientMessage struct {
	Type     string   `json:"type"`
	RoomType RoomKind `json:"roomType,omitempty"`
	RoomID   string   `json:"roomId,omitempty"`
	PlayerID *int     `json:"playerId,omitempty"`
	SlotNum  int      `json:"slotNum,omitempty"`
	Name     string   `json:"name,omitempty"`
	IsReady  bool     `json:"isReady,omitempty"`
}

// decodeMessage 解碼入站訊息
func decodeMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

// relayPayload 將入站負載改寫 type 後原樣轉發
//
// 路由欄位以外的內容不做任何解釋或驗證。
func relayPayload(data []byte, outType string) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	payload["type"] = outType
	return json.Marshal(payload)
}

// errorMessage 組裝發給請求方的錯誤訊息
func errorMessage(err error) map[string]any {
	return map[string]any{
		"type":    MsgError,
		"message": err.Error(),
	}
}
