package migrations

import (
	"github.com/eqr/craftdb"
	"github.com/pocketbase/dbx"
)

const (
	defaultTableName = "{{%migrations}}"

	// BaseMigration marks the starting point of a track and is never applied.
	BaseMigration = "m000000_000000_base"
)

// Track type values.
const (
	TypeApp     = "app"
	TypePlugin  = "plugin"
	TypeContent = "content"
)

// Track scopes the migration history. Each track keeps its own list of
// applied names.
type Track struct {
	Type     string
	PluginID *int64
}

// AppTrack is the default track.
var AppTrack = Track{Type: TypeApp}

// PluginTrack returns the track for a plugin's migrations.
func PluginTrack(id int64) Track {
	return Track{Type: TypePlugin, PluginID: &id}
}

func (t Track) condition() dbx.Expression {
	typ := t.Type
	if typ == "" {
		typ = TypeApp
	}
	exp := dbx.HashExp{"type": typ, "pluginId": nil}
	if t.PluginID != nil {
		exp["pluginId"] = *t.PluginID
	}
	return exp
}

func (t Track) columns(name string) dbx.Params {
	p := dbx.Params{"name": name, "pluginId": nil}
	if exp, ok := t.condition().(dbx.HashExp); ok {
		for k, v := range exp {
			p[k] = v
		}
	}
	return p
}

// Record stores bookkeeping data for an applied migration.
type Record struct {
	ID          int64          `db:"id"`
	Type        string         `db:"type"`
	PluginID    *int64         `db:"pluginId"`
	Name        string         `db:"name"`
	ApplyTime   craftdb.DBTime `db:"applyTime"`
	DateCreated craftdb.DBTime `db:"dateCreated"`
	DateUpdated craftdb.DBTime `db:"dateUpdated"`
	UID         string         `db:"uid"`
}
