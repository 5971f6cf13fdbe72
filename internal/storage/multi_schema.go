// TableSpec types live here so every backend can import them without cycles.
package storage

import (
	"fmt"
	"strings"
)

// Logical column types. Each backend maps them onto its own DDL types.
const (
	TypeText      = "text"
	TypeInt       = "int"
	TypeBigInt    = "bigint"
	TypeDouble    = "double"
	TypeTimestamp = "timestamp"
)

// Conflict actions.
const (
	ActionDoNothing = "do_nothing"
	ActionUpdate    = "update"
)

// Table names of the star schema.
const (
	TableSongPlays = "songplays"
	TableUsers     = "users"
	TableSongs     = "songs"
	TableArtists   = "artists"
	TableTime      = "time"
)

type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	Load        LoadSpec         `json:"load"`
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "primary_key" | "unique"
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	Kind     string        `json:"kind"` // "dimension" | "fact"
	Conflict *ConflictSpec `json:"conflict,omitempty"`
}

// ConflictSpec describes what an insert does when TargetColumns already exist.
//
// With Action "update", UpdateColumns are overwritten from the incoming row.
type ConflictSpec struct {
	TargetColumns []string `json:"target_columns"`
	Action        string   `json:"action"`
	UpdateColumns []string `json:"update_columns,omitempty"`
}

// ColumnNames returns the column names of t in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// PrimaryKey returns the columns of the primary_key constraint, or nil.
func (t TableSpec) PrimaryKey() []string {
	for _, c := range t.Constraints {
		if strings.EqualFold(c.Kind, "primary_key") {
			return c.Columns
		}
	}
	return nil
}

// Validate checks that t can be rendered into DDL and insert statements.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s: no columns", t.Name)
	}
	known := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("storage: table %s: column name/type must be set", t.Name)
		}
		known[c.Name] = true
	}
	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return fmt.Errorf("storage: table %s: %s constraint requires columns", t.Name, con.Kind)
		}
		for _, c := range con.Columns {
			if !known[c] {
				return fmt.Errorf("storage: table %s: constraint references unknown column %q", t.Name, c)
			}
		}
	}
	if cf := t.Load.Conflict; cf != nil {
		if len(cf.TargetColumns) == 0 {
			return fmt.Errorf("storage: table %s: conflict requires target columns", t.Name)
		}
		switch cf.Action {
		case ActionDoNothing:
		case ActionUpdate:
			if len(cf.UpdateColumns) == 0 {
				return fmt.Errorf("storage: table %s: update conflict requires update columns", t.Name)
			}
		default:
			return fmt.Errorf("storage: table %s: unsupported conflict action %q", t.Name, cf.Action)
		}
	}
	return nil
}

func nullable() *bool { v := true; return &v }

// StarSchema returns the five tables of the relational variant in creation order.
func StarSchema() []TableSpec {
	return []TableSpec{
		{
			Name: TableSongPlays,
			Columns: []ColumnSpec{
				{Name: "start_time", Type: TypeTimestamp},
				{Name: "user_id", Type: TypeText},
				{Name: "level", Type: TypeText},
				{Name: "song_id", Type: TypeText, Nullable: nullable()},
				{Name: "artist_id", Type: TypeText, Nullable: nullable()},
				{Name: "session_id", Type: TypeBigInt},
				{Name: "location", Type: TypeText, Nullable: nullable()},
				{Name: "user_agent", Type: TypeText, Nullable: nullable()},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"start_time", "user_id"}}},
			Load: LoadSpec{
				Kind:     "fact",
				Conflict: &ConflictSpec{TargetColumns: []string{"start_time", "user_id"}, Action: ActionDoNothing},
			},
		},
		{
			Name: TableUsers,
			Columns: []ColumnSpec{
				{Name: "user_id", Type: TypeText},
				{Name: "first_name", Type: TypeText},
				{Name: "last_name", Type: TypeText},
				{Name: "gender", Type: TypeText, Nullable: nullable()},
				{Name: "level", Type: TypeText},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"user_id"}}},
			Load: LoadSpec{
				Kind: "dimension",
				Conflict: &ConflictSpec{
					TargetColumns: []string{"user_id"},
					Action:        ActionUpdate,
					UpdateColumns: []string{"first_name", "last_name", "gender", "level"},
				},
			},
		},
		{
			Name: TableSongs,
			Columns: []ColumnSpec{
				{Name: "song_id", Type: TypeText},
				{Name: "title", Type: TypeText},
				{Name: "artist_id", Type: TypeText},
				{Name: "year", Type: TypeInt},
				{Name: "duration", Type: TypeDouble},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"song_id"}}},
			Load: LoadSpec{
				Kind:     "dimension",
				Conflict: &ConflictSpec{TargetColumns: []string{"song_id"}, Action: ActionDoNothing},
			},
		},
		{
			Name: TableArtists,
			Columns: []ColumnSpec{
				{Name: "artist_id", Type: TypeText},
				{Name: "name", Type: TypeText},
				{Name: "location", Type: TypeText, Nullable: nullable()},
				{Name: "latitude", Type: TypeDouble, Nullable: nullable()},
				{Name: "longitude", Type: TypeDouble, Nullable: nullable()},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"artist_id"}}},
			Load: LoadSpec{
				Kind:     "dimension",
				Conflict: &ConflictSpec{TargetColumns: []string{"artist_id"}, Action: ActionDoNothing},
			},
		},
		{
			Name: TableTime,
			Columns: []ColumnSpec{
				{Name: "start_time", Type: TypeTimestamp},
				{Name: "hour", Type: TypeInt},
				{Name: "day", Type: TypeInt},
				{Name: "week", Type: TypeInt},
				{Name: "month", Type: TypeInt},
				{Name: "year", Type: TypeInt},
				{Name: "weekday", Type: TypeInt},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"start_time"}}},
			Load: LoadSpec{
				Kind:     "dimension",
				Conflict: &ConflictSpec{TargetColumns: []string{"start_time"}, Action: ActionDoNothing},
			},
		},
	}
}

// StarTable returns the star-schema table called name.
func StarTable(name string) (TableSpec, bool) {
	for _, t := range StarSchema() {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// StarTableNames lists the star-schema tables in creation order.
func StarTableNames() []string {
	tables := StarSchema()
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}
