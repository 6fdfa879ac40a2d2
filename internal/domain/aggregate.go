package domain

import "time"

// AggregateRoot は整合性境界となるエンティティの共通部分。
// 未コミットのドメインイベントを発生順に保持し、その所有権は集約のみが持つ。
// リポジトリとパブリッシャは保存・配信の間だけ借用する。
type AggregateRoot struct {
	id      string
	version uint
	events  []DomainEvent
	clock   func() time.Time
}

// NewAggregateRoot は集約ルートを生成する。clock が nil の場合は time.Now を使う。
func NewAggregateRoot(id string, version uint, clock func() time.Time) AggregateRoot {
	if clock == nil {
		clock = time.Now
	}
	return AggregateRoot{id: id, version: version, clock: clock}
}

// ID は集約IDを返す。
func (a *AggregateRoot) ID() string { return a.id }

// Version は最後に保存されたバージョンを返す。未保存の集約は 0。
func (a *AggregateRoot) Version() uint { return a.version }

// SetVersion はリポジトリが保存成功後に呼び出す。
func (a *AggregateRoot) SetVersion(v uint) { a.version = v }

// DomainEvents は未コミットのイベントを発生順に返す。返り値はコピー。
func (a *AggregateRoot) DomainEvents() []DomainEvent {
	out := make([]DomainEvent, len(a.events))
	copy(out, a.events)
	return out
}

// AddDomainEvent はイベントを追加する。
// 直前のイベントより古い発生時刻のイベントは受け付けない。
func (a *AggregateRoot) AddDomainEvent(e DomainEvent) error {
	if n := len(a.events); n > 0 && e.OccurredOn().Before(a.events[n-1].OccurredOn()) {
		return ErrEventOutOfOrder
	}
	a.events = append(a.events, e)
	return nil
}

// ClearDomainEvents は未コミットイベントを破棄する。
// 永続化と配信の両方が成功した後、または明示的に破棄する場合にのみ呼ぶ。
func (a *AggregateRoot) ClearDomainEvents() { a.events = nil }

// IsDirty は未コミットイベントがあるかを返す。
func (a *AggregateRoot) IsDirty() bool { return len(a.events) > 0 }

// now は単調非減少な発生時刻を返す。
func (a *AggregateRoot) now() time.Time {
	clock := a.clock
	if clock == nil {
		clock = time.Now
	}
	t := clock().UTC()
	if n := len(a.events); n > 0 {
		if last := a.events[n-1].OccurredOn(); t.Before(last) {
			return last
		}
	}
	return t
}
