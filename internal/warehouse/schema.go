package warehouse

import (
	"fmt"
	"strings"

	"sparkify/internal/storage"
)

// Flavor selects DDL dialect details. Both flavours speak the Postgres wire protocol.
type Flavor string

const (
	Redshift Flavor = "redshift"
	Postgres Flavor = "postgres"
)

const (
	TableStagingEvents = "staging_events"
	TableStagingSongs  = "staging_songs"
)

// typeIdentity is an auto-numbered surrogate key column.
const typeIdentity = "identity"

func nullable() *bool { v := true; return &v }

func stagingColumn(name, typ string) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ, Nullable: nullable()}
}

// StagingEventsColumns is the column order of staging_events. It is also the
// order of the jsonpaths file used by COPY and of the rows sent by client_copy.
var StagingEventsColumns = []storage.ColumnSpec{
	stagingColumn("artist", storage.TypeText),
	stagingColumn("auth", storage.TypeText),
	stagingColumn("firstname", storage.TypeText),
	stagingColumn("gender", storage.TypeText),
	stagingColumn("iteminsession", storage.TypeBigInt),
	stagingColumn("lastname", storage.TypeText),
	stagingColumn("length", storage.TypeDouble),
	stagingColumn("level", storage.TypeText),
	stagingColumn("location", storage.TypeText),
	stagingColumn("method", storage.TypeText),
	stagingColumn("page", storage.TypeText),
	stagingColumn("registration", storage.TypeDouble),
	stagingColumn("sessionid", storage.TypeBigInt),
	stagingColumn("song", storage.TypeText),
	stagingColumn("status", storage.TypeInt),
	stagingColumn("ts", storage.TypeTimestamp),
	stagingColumn("useragent", storage.TypeText),
	stagingColumn("userid", storage.TypeText),
}

// StagingSongsColumns mirror the song document keys so COPY 'auto' maps them by name.
var StagingSongsColumns = []storage.ColumnSpec{
	stagingColumn("num_songs", storage.TypeInt),
	stagingColumn("artist_id", storage.TypeText),
	stagingColumn("artist_latitude", storage.TypeDouble),
	stagingColumn("artist_longitude", storage.TypeDouble),
	stagingColumn("artist_location", storage.TypeText),
	stagingColumn("artist_name", storage.TypeText),
	stagingColumn("song_id", storage.TypeText),
	stagingColumn("title", storage.TypeText),
	stagingColumn("duration", storage.TypeDouble),
	stagingColumn("year", storage.TypeInt),
}

func specNames(cols []storage.ColumnSpec) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Tables returns the warehouse tables in creation order: the two staging
// tables, then the star schema. songplays gets a songplay_id identity key in
// place of the (start_time, user_id) key; the transforms deduplicate instead.
func Tables() []storage.TableSpec {
	out := []storage.TableSpec{
		{Name: TableStagingEvents, Columns: StagingEventsColumns},
		{Name: TableStagingSongs, Columns: StagingSongsColumns},
	}
	for _, t := range storage.StarSchema() {
		t.Load = storage.LoadSpec{}
		if t.Name == storage.TableSongPlays {
			t.Columns = append([]storage.ColumnSpec{{Name: "songplay_id", Type: typeIdentity}}, t.Columns...)
			t.Constraints = []storage.ConstraintSpec{{Kind: "primary_key", Columns: []string{"songplay_id"}}}
		}
		out = append(out, t)
	}
	return out
}

// redshiftAttrs are the distribution and sort clauses appended to CREATE TABLE.
var redshiftAttrs = map[string]string{
	TableStagingEvents:     "DISTKEY (sessionid) SORTKEY (sessionid)",
	TableStagingSongs:      "DISTKEY (artist_id) SORTKEY (artist_id)",
	storage.TableSongPlays: "DISTKEY (user_id) SORTKEY (start_time)",
	storage.TableUsers:     "DISTSTYLE ALL SORTKEY (user_id)",
	storage.TableSongs:     "SORTKEY (song_id)",
	storage.TableArtists:   "DISTSTYLE ALL SORTKEY (artist_id)",
	storage.TableTime:      "DISTSTYLE ALL SORTKEY (start_time)",
}

func columnType(logical string, f Flavor) (string, error) {
	switch strings.ToLower(logical) {
	case storage.TypeText:
		if f == Redshift {
			return "VARCHAR(512)", nil
		}
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "DOUBLE PRECISION", nil
	case storage.TypeTimestamp:
		return "TIMESTAMP", nil
	case typeIdentity:
		if f == Redshift {
			return "BIGINT IDENTITY(0,1)", nil
		}
		return "BIGINT GENERATED BY DEFAULT AS IDENTITY", nil
	default:
		return "", fmt.Errorf("warehouse: unsupported column type %q", logical)
	}
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS for t in flavour f.
func buildCreateSQL(t storage.TableSpec, f Flavor) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := columnType(c.Type, f)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		null := "NOT NULL"
		if c.Nullable != nil && *c.Nullable {
			null = "NULL"
		}
		defs = append(defs, fmt.Sprintf("%s %s %s", c.Name, typ, null))
	}
	if pk := t.PrimaryKey(); len(pk) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}

	sql := "CREATE TABLE IF NOT EXISTS " + t.Name + " (\n    " + strings.Join(defs, ",\n    ") + "\n)"
	if f == Redshift {
		if attrs := redshiftAttrs[t.Name]; attrs != "" {
			sql += " " + attrs
		}
	}
	return sql, nil
}

func buildDropSQL(table string) string {
	return "DROP TABLE IF EXISTS " + table
}
