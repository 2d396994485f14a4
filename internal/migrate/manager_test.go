package migrate

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"0002_more.up.sql":   {Data: []byte("alter table t add column b int;")},
		"0001_init.up.sql":   {Data: []byte("create table t (a text default 'x;y'); create index t_a on t(a);")},
		"0001_init.down.sql": {Data: []byte("drop table t;")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table t add column b int").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewManager(db, files, nil).Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{"0002_more.up.sql": {Data: []byte("select 1;")}}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_more.up.sql"))

	err = NewManager(db, files, nil).Down(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing down migration for 0002_more.up.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements("create table t (a text default 'x;y'); insert into t values ('a');\n")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "'x;y'")
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Migrations(), "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		_, err := fs.Stat(Migrations(), down)
		assert.NoError(t, err, down)
	}

	seeds, err := fs.Glob(Seeds(), "*.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, seeds)
}
