package xlog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	mock "github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func genDBMock(logger glogger.Interface) (*gorm.DB, mock.Sqlmock, error) {
	db, sqlMock, err := mock.New()
	if err != nil {
		return nil, nil, err
	}
	// The sqlite version query is issued by the glebarez dialector on open.
	sqlMock.ExpectQuery(`select sqlite_version()`).
		WithArgs().
		WillReturnRows(sqlMock.NewRows([]string{"sqlite_version()"}).AddRow("3.38.0"))
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: sqlite.DriverName,
		Conn:       db,
	}, &gorm.Config{
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return gdb, sqlMock, nil
}

func TestGormXLogger_Sqlite3(t *testing.T) {
	parent := newTestLogger(LogLevelDebug)
	logger := NewGormXLogger(parent,
		WithGormXLoggerIgnoreRecord404Err(),
		WithGormXLoggerLogLevel(glogger.Info),
		WithGormXLoggerSlowThreshold(200*time.Millisecond),
	)
	db, sqlMock, err := genDBMock(logger)
	require.NoError(t, err)
	testMem.reset()

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(`SAVEPOINT dispatch`).WithArgs().WillReturnResult(driver.ResultNoRows)
	sqlMock.ExpectCommit()
	tx := db.Begin(&sql.TxOptions{Isolation: sql.LevelDefault}).SavePoint("dispatch")
	require.NoError(t, tx.Commit().Error)
	require.NoError(t, sqlMock.ExpectationsWereMet())

	found := false
	for _, line := range testMem.lines() {
		m := decodeLine(t, line)
		require.Equal(t, "Gorm", m["component"])
		if sqlText, ok := m["sql"].(string); ok && strings.Contains(sqlText, "SAVEPOINT") {
			found = true
		}
	}
	require.True(t, found)
}

func TestGormXLogger_Trace(t *testing.T) {
	parent := newTestLogger(LogLevelDebug)
	logger := NewGormXLogger(parent,
		WithGormXLoggerIgnoreRecord404Err(),
		WithGormXLoggerLogLevel(glogger.Info),
	)
	require.Equal(t, zap.ErrorLevel, getLogLevelOrDefaultForGorm(glogger.Error))
	require.Equal(t, zap.WarnLevel, getLogLevelOrDefaultForGorm(glogger.Warn))
	require.Equal(t, zap.InfoLevel, getLogLevelOrDefaultForGorm(glogger.Info))
	require.Equal(t, zap.FatalLevel, getLogLevelOrDefaultForGorm(glogger.Silent))

	stmt := func(rows int64) func() (string, int64) {
		return func() (string, int64) { return "insert into stream_elements values(1)", rows }
	}
	logger.Info(context.TODO(), "sql %s", "info")
	logger.Trace(context.TODO(), time.Now(), stmt(-1), nil)
	logger.Trace(context.TODO(), time.Now(), stmt(1), errors.New("insert error"))
	logger.Trace(context.TODO(), time.Now(), stmt(1), glogger.ErrRecordNotFound)
	logger.Trace(context.TODO(), time.Now().Add(-600*time.Millisecond), stmt(1), nil)

	lines := testMem.lines()
	require.Len(t, lines, 5)
	require.Equal(t, "info", decodeLine(t, lines[0])["msg"])
	require.Equal(t, "-", decodeLine(t, lines[1])["rows"])
	m := decodeLine(t, lines[2])
	require.Equal(t, "ERROR", m["lvl"])
	require.Equal(t, "insert error", m["error"])
	// Ignored record-not-found is traced as a plain statement.
	require.Equal(t, "sql", decodeLine(t, lines[3])["msg"])
	m = decodeLine(t, lines[4])
	require.Equal(t, "slow sql", m["msg"])
	require.Equal(t, "1", m["rows"])

	// Silencing gorm does not affect the parent logger.
	testMem.reset()
	logger.LogMode(glogger.Silent).Trace(context.TODO(), time.Now(), stmt(1), errors.New("hidden"))
	logger.Error(context.TODO(), "hidden too")
	parent.Debug("still here")
	lines = testMem.lines()
	require.Len(t, lines, 1)
	require.Equal(t, "still here", decodeLine(t, lines[0])["msg"])
}
