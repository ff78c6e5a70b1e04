package database

import (
	"github.com/huandu/go-sqlbuilder"
)

// Builder hands out statement builders bound to the connected dialect.
type Builder struct {
	flavor sqlbuilder.Flavor
}

func NewBuilder(flavor sqlbuilder.Flavor) Builder {
	return Builder{flavor: flavor}
}

func (b Builder) Flavor() sqlbuilder.Flavor {
	return b.flavor
}

func (b Builder) Select(columns ...string) *sqlbuilder.SelectBuilder {
	sb := b.flavor.NewSelectBuilder()
	sb.Select(columns...)
	return sb
}

func (b Builder) InsertInto(table string) *sqlbuilder.InsertBuilder {
	ib := b.flavor.NewInsertBuilder()
	ib.InsertInto(table)
	return ib
}

func (b Builder) Update(table string) *sqlbuilder.UpdateBuilder {
	ub := b.flavor.NewUpdateBuilder()
	ub.Update(table)
	return ub
}

func (b Builder) DeleteFrom(table string) *sqlbuilder.DeleteBuilder {
	db := b.flavor.NewDeleteBuilder()
	db.DeleteFrom(table)
	return db
}

// Struct returns a struct-mapped builder that reads column names from `db` tags.
func (b Builder) Struct(v any) *sqlbuilder.Struct {
	return sqlbuilder.NewStruct(v).For(b.flavor)
}
