package model

// Card and Connection mirror the board tables owned by the producing domain.
// Only the columns the replay join reads are mapped.
type Card struct {
	ID       string `gorm:"primaryKey;size:64"`
	TenantID string `gorm:"size:64;not null;index:idx_cards_board,priority:1"`
	BoardID  string `gorm:"size:64;not null;index:idx_cards_board,priority:2"`
}

func (Card) TableName() string { return "cards" }

type Connection struct {
	ID       string `gorm:"primaryKey;size:64"`
	TenantID string `gorm:"size:64;not null;index:idx_connections_board,priority:1"`
	BoardID  string `gorm:"size:64;not null;index:idx_connections_board,priority:2"`
}

func (Connection) TableName() string { return "connections" }
