package migrate

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"0002_more.up.sql":   {Data: []byte("alter table a add column b text;")},
		"0001_init.up.sql":   {Data: []byte("create table a (id text);\ncreate index a_idx on a (id);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
		"README.md":          {Data: []byte("notes")},
	}

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a add column b text").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", fixedClock()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := NewManager(db, migrations, nil, WithClock(fixedClock))
	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0002_more.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRunsMatchingFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table a (id text);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
	}
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_init.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := NewManager(db, migrations, nil).Down(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0001_init.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	_, err = NewManager(db, fstest.MapFS{}, nil).Down(context.Background())
	require.EqualError(t, err, "no migrations applied")
}

func TestSeedSkipsAppliedAndDownFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	seeds := fstest.MapFS{
		"001_admins.sql":       {Data: []byte("insert into principals (id) values ('a;1');")},
		"002_reports.sql":      {Data: []byte("insert into reports (id) values ('r1');")},
		"002_reports.down.sql": {Data: []byte("delete from reports;")},
	}
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("002_reports.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into principals").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_seeds").WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := NewManager(db, nil, seeds).Seed(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"001_admins.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatementsRespectsQuotes(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); select 1;\n")
	require.Len(t, stmts, 2)
	require.Equal(t, "insert into t values ('a;b');", stmts[0])
}
