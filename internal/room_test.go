package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomKind(t *testing.T) {
	tests := []struct {
		name     string
		kind     RoomKind
		capacity int
		valid    bool
	}{
		{
			name:     "two seat room",
			kind:     KindTwoSeat,
			capacity: 2,
			valid:    true,
		},
		{
			name:     "three seat room",
			kind:     KindThreeSeat,
			capacity: 3,
			valid:    true,
		},
		{
			name:     "unknown kind falls back to two seats",
			kind:     RoomKind("9p"),
			capacity: 2,
			valid:    false,
		},
		{
			name:     "empty kind",
			kind:     RoomKind(""),
			capacity: 2,
			valid:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.capacity, tt.kind.Capacity())
			assert.Equal(t, tt.valid, tt.kind.Valid())
		})
	}
}

func TestRoom_AllocateID(t *testing.T) {
	room := NewRoom("TEST01", KindThreeSeat)

	// 空房間從 1 開始
	assert.Equal(t, 1, room.AllocateID())

	// 依序分配
	room.Conns[1] = &Conn{}
	assert.Equal(t, 2, room.AllocateID())
	room.Conns[2] = &Conn{}
	assert.Equal(t, 3, room.AllocateID())

	// 中間玩家離開後，編號立即回收：填缺口而非遞增
	room.Conns[3] = &Conn{}
	delete(room.Conns, 2)
	assert.Equal(t, 2, room.AllocateID())
}

func TestRoom_ToggleSeat(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *Room)
		pid     int
		seat    int
		wantErr error
		check   func(t *testing.T, r *Room)
	}{
		{
			name: "take empty seat",
			pid:  1,
			seat: 1,
			check: func(t *testing.T, r *Room) {
				assert.Equal(t, 1, r.Seats[1])
			},
		},
		{
			name: "reselect own seat vacates it",
			setup: func(r *Room) {
				r.Seats[1] = 2
				r.Ready[1] = true
			},
			pid:  1,
			seat: 2,
			check: func(t *testing.T, r *Room) {
				assert.NotContains(t, r.Seats, 1)
				assert.NotContains(t, r.Ready, 1)
			},
		},
		{
			name: "seat taken by another player",
			setup: func(r *Room) {
				r.Seats[1] = 1
			},
			pid:     2,
			seat:    1,
			wantErr: ErrSeatTaken,
			check: func(t *testing.T, r *Room) {
				assert.Equal(t, 1, r.Seats[1])
				assert.NotContains(t, r.Seats, 2)
			},
		},
		{
			name: "switch seat clears ready state",
			setup: func(r *Room) {
				r.Seats[1] = 1
				r.Ready[1] = true
			},
			pid:  1,
			seat: 2,
			check: func(t *testing.T, r *Room) {
				assert.Equal(t, 2, r.Seats[1])
				assert.NotContains(t, r.Ready, 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := NewRoom("TEST01", KindTwoSeat)
			if tt.setup != nil {
				tt.setup(room)
			}

			err := room.ToggleSeat(tt.pid, tt.seat)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			tt.check(t, room)
		})
	}
}

func TestRoom_AllReady(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Room)
		want  bool
	}{
		{
			name:  "empty room",
			setup: func(r *Room) {},
			want:  false,
		},
		{
			name: "only one seat occupied",
			setup: func(r *Room) {
				r.Seats[1] = 1
				r.Ready[1] = true
			},
			want: false,
		},
		{
			name: "both seated but one not ready",
			setup: func(r *Room) {
				r.Seats[1] = 1
				r.Seats[2] = 2
				r.Ready[1] = true
			},
			want: false,
		},
		{
			name: "both seated and ready",
			setup: func(r *Room) {
				r.Seats[1] = 1
				r.Seats[2] = 2
				r.Ready[1] = true
				r.Ready[2] = true
			},
			want: true,
		},
		{
			name: "third seat does not gate the quorum",
			setup: func(r *Room) {
				r.Seats[1] = 1
				r.Seats[2] = 2
				r.Seats[3] = 3
				r.Ready[1] = true
				r.Ready[2] = true
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := NewRoom("TEST01", KindThreeSeat)
			tt.setup(room)
			assert.Equal(t, tt.want, room.AllReady())
		})
	}
}

func TestRoom_BothSetup(t *testing.T) {
	room := NewRoom("TEST01", KindTwoSeat)
	room.Seats[1] = 1
	room.Seats[2] = 2

	assert.False(t, room.BothSetup())

	room.SetupDone[1] = true
	assert.False(t, room.BothSetup())

	room.SetupDone[2] = true
	assert.True(t, room.BothSetup())
}

func TestRoom_RemoveParticipant(t *testing.T) {
	tests := []struct {
		name     string
		remove   int
		wantHost int // RemoveParticipant 的返回值
		newHost  int // 移除後的 HostID
	}{
		{
			name:     "host leaves and smallest remaining takes over",
			remove:   1,
			wantHost: 2,
			newHost:  2,
		},
		{
			name:     "non-host leaves without transfer",
			remove:   3,
			wantHost: 0,
			newHost:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := NewRoom("TEST01", KindThreeSeat)
			room.HostID = 1
			for pid := 1; pid <= 3; pid++ {
				room.Conns[pid] = &Conn{}
				room.Seats[pid] = pid
				room.Ready[pid] = true
				room.Names[pid] = "player"
			}

			got := room.RemoveParticipant(tt.remove)

			assert.Equal(t, tt.wantHost, got)
			assert.Equal(t, tt.newHost, room.HostID)
			assert.NotContains(t, room.Conns, tt.remove)
			assert.NotContains(t, room.Seats, tt.remove)
			assert.NotContains(t, room.Ready, tt.remove)
			assert.NotContains(t, room.Names, tt.remove)
		})
	}

	t.Run("last participant leaves", func(t *testing.T) {
		room := NewRoom("TEST01", KindTwoSeat)
		room.HostID = 1
		room.Conns[1] = &Conn{}

		got := room.RemoveParticipant(1)

		// 房間已無人，沒有轉移對象
		assert.Equal(t, 0, got)
		assert.Empty(t, room.Conns)
	})
}

func TestRoom_Snapshot(t *testing.T) {
	room := NewRoom("TEST01", KindTwoSeat)
	room.Conns[1] = &Conn{}
	room.Seats[1] = 1
	room.Ready[1] = true
	room.Names[1] = "主機玩家"
	room.HostID = 1
	room.Started = true

	snapshot := room.Snapshot()

	assert.Equal(t, "TEST01", snapshot["roomId"])
	assert.Equal(t, KindTwoSeat, snapshot["roomType"])
	assert.Equal(t, map[int]int{1: 1}, snapshot["slots"])
	assert.Equal(t, map[int]bool{1: true}, snapshot["readyStates"])
	assert.Equal(t, map[int]string{1: "主機玩家"}, snapshot["playerNames"])
	assert.Equal(t, 1, snapshot["hostId"])
	assert.Equal(t, true, snapshot["gameStarted"])
}

func TestRoom_Summarize(t *testing.T) {
	room := NewRoom("TEST01", KindThreeSeat)
	room.Conns[1] = &Conn{}
	room.Conns[2] = &Conn{}
	room.Started = true

	summary := room.Summarize()

	assert.Equal(t, Summary{
		ID:          "TEST01",
		Players:     2,
		RoomType:    KindThreeSeat,
		GameStarted: true,
	}, summary)
}

func TestRoom_Touch(t *testing.T) {
	room := NewRoom("TEST01", KindTwoSeat)
	room.LastActivity = time.Now().Add(-time.Hour)

	room.Touch()

	assert.WithinDuration(t, time.Now(), room.LastActivity, time.Second)
}
