package dispatch

import "time"

// Kind enumerates the typed events decoded from the command stream.
type Kind string

const (
	KindDanmaku       Kind = "danmaku"
	KindGift          Kind = "gift"
	KindGuardBuy      Kind = "guard_buy"
	KindSuperChat     Kind = "super_chat"
	KindInteract      Kind = "interact"
	KindPopularity    Kind = "popularity"
	KindLiveStart     Kind = "live_start"
	KindLiveStop      Kind = "live_stop"
	KindRoomChange    Kind = "room_change"
	KindBattleMatched Kind = "battle_matched"
	KindBattleVotes   Kind = "battle_votes"
	KindBattleEnd     Kind = "battle_end"
)

// Event carries exactly one decoded payload together with routing metadata.
// Room identifies the connection the event arrived on, which is what keeps the
// battle audience sets disjoint.
type Event struct {
	Kind       Kind
	Room       string
	Timestamp  time.Time
	Danmaku    *Danmaku
	Gift       *Gift
	Guard      *GuardBuy
	SuperChat  *SuperChat
	Interact   *Interact
	Popularity int32
	Battle     *BattleUpdate
}

// Danmaku is one scrolling chat message.
type Danmaku struct {
	UserID     string `json:"uid"`
	Username   string `json:"uname"`
	Text       string `json:"text"`
	GuardLevel int    `json:"guard_level"`
	Medal      string `json:"medal,omitempty"`
}

// Gift is a single or coalesced gift. Gold is the total gold value across Count.
type Gift struct {
	UserID   string `json:"uid"`
	Username string `json:"uname"`
	GiftID   int64  `json:"gift_id"`
	GiftName string `json:"gift_name"`
	Count    int    `json:"num"`
	CoinType string `json:"coin_type"`
	Gold     int    `json:"total_coin"`
}

// GuardBuy is a paid guard-tier subscription purchase.
type GuardBuy struct {
	UserID   string `json:"uid"`
	Username string `json:"uname"`
	Level    int    `json:"guard_level"`
	GiftName string `json:"gift_name"`
	Gold     int    `json:"price"`
}

// SuperChat is a pinned paid message.
type SuperChat struct {
	UserID   string `json:"uid"`
	Username string `json:"uname"`
	Message  string `json:"message"`
	Gold     int    `json:"price"`
}

// Interact is a viewer entering or interacting with the room, the presence
// source for audience tracking.
type Interact struct {
	UserID   string `json:"uid"`
	Username string `json:"uname"`
}

// BattleUpdate carries the battle lifecycle payloads. Which fields are
// populated depends on the event kind.
type BattleUpdate struct {
	BattleID      int64  `json:"battle_id"`
	BattleType    int    `json:"battle_type"`
	OpponentRoom  string `json:"opponent_room"`
	OpponentToken string `json:"opponent_token,omitempty"`
	MyVotes       int64  `json:"my_votes"`
	OpponentVotes int64  `json:"opponent_votes"`
	EndEpoch      int64  `json:"end_epoch"`
	WinnerRoom    string `json:"winner_room,omitempty"`
}
