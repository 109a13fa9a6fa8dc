package storage

import "github.com/jackc/pgx/v5/pgtype"

const charactersTable = "characters"

// characterColumns is the column order used by every SELECT on the table.
var characterColumns = []string{
	"id",
	"character_name",
	"character_id",
	"corporation_id",
	"corporation_name",
	"alliance_id",
	"alliance_name",
	"faction_id",
	"faction_name",
	"last_modified",
}

// Character is one row of the characters table. A row without a
// CharacterID has never been resolved and carries no affiliation.
type Character struct {
	ID              int64              `db:"id"`
	Name            string             `db:"character_name"`
	CharacterID     pgtype.Int8        `db:"character_id"`
	CorporationID   pgtype.Int8        `db:"corporation_id"`
	CorporationName pgtype.Text        `db:"corporation_name"`
	AllianceID      pgtype.Int8        `db:"alliance_id"`
	AllianceName    pgtype.Text        `db:"alliance_name"`
	FactionID       pgtype.Int8        `db:"faction_id"`
	FactionName     pgtype.Text        `db:"faction_name"`
	LastModified    pgtype.Timestamptz `db:"last_modified"`
}

// Resolved reports whether the row carries an external character id.
func (c Character) Resolved() bool {
	return c.CharacterID.Valid
}

// Affiliation is the organisational membership of a character. Zero ids
// and empty names mean "not a member".
type Affiliation struct {
	CorporationID   int64
	CorporationName string
	AllianceID      int64
	AllianceName    string
	FactionID       int64
	FactionName     string
}

// Resolution is the outcome of a successful lookup for one row.
type Resolution struct {
	RowID       int64
	CharacterID int64
	Affiliation Affiliation
}

func nullableID(v int64) pgtype.Int8 {
	return pgtype.Int8{Int64: v, Valid: v != 0}
}

func nullableName(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
