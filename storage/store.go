package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

var _ distributer.Fetcher = (*Store)(nil)

// Store is the durable stream element store.
//
// The query of a listener reading from it is a SQL boolean expression
// over the columns timed, partition_key and payload (a JSON document,
// e.g. json_extract(payload, '$.temp') > 30). Queries come from the
// operator's configuration and are trusted.
type Store struct {
	db     *gorm.DB
	logger xlog.XLogger
}

type storeOptions struct {
	logger      xlog.XLogger
	autoMigrate bool
}

type StoreOption func(opts *storeOptions)

func WithStoreLogger(logger xlog.XLogger) StoreOption {
	return func(opts *storeOptions) {
		opts.logger = logger
	}
}

func WithStoreAutoMigrate(enabled bool) StoreOption {
	return func(opts *storeOptions) {
		opts.autoMigrate = enabled
	}
}

func NewStore(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	o := &storeOptions{autoMigrate: true}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelInfo))
	}
	if o.autoMigrate {
		if err := db.AutoMigrate(&streamElementRecord{}); err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "[storage] migrate stream_elements")
		}
	}
	return &Store{db: db, logger: o.logger}, nil
}

// OpenSQLite opens a pure-Go sqlite database. ":memory:" pins the pool
// to one connection so every session sees the same database.
func OpenSQLite(dsn string, logger xlog.XLogger, slowThreshold time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: xlog.NewGormXLogger(logger,
			xlog.WithGormXLoggerLogLevel(glogger.Warn),
			xlog.WithGormXLoggerSlowThreshold(slowThreshold),
			xlog.WithGormXLoggerIgnoreRecord404Err(),
		),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, infra.WrapErrorStackWithMessage(err, "[storage] open sqlite")
	}
	if dsn == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, infra.WrapErrorStack(err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Insert persists the element and assigns its Position.
func (s *Store) Insert(ctx context.Context, sensor *model.Sensor, elem *model.StreamElement) error {
	if sensor == nil {
		return ErrNilSensor
	}
	if elem == nil {
		return ErrNilElement
	}
	rec, err := newRecord(sensor, elem)
	if err != nil {
		return infra.WrapErrorStackWithMessage(err, "[storage] encode payload")
	}
	if err = s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return infra.WrapErrorStackWithMessage(err, "[storage] insert stream element")
	}
	elem.Position = rec.PK
	return nil
}

// MaxTimestamp returns the newest stored timestamp of a partition.
func (s *Store) MaxTimestamp(ctx context.Context, sensor *model.Sensor, partitionKey string) (int64, bool, error) {
	if sensor == nil {
		return 0, false, ErrNilSensor
	}
	var maxTs sql.NullInt64
	row := s.db.WithContext(ctx).
		Model(&streamElementRecord{}).
		Select("MAX(timed)").
		Where("sensor = ? AND partition_key = ?", sensor.Name, partitionKey).
		Row()
	if err := row.Scan(&maxTs); err != nil {
		return 0, false, infra.WrapErrorStackWithMessage(err, "[storage] max timestamp")
	}
	return maxTs.Int64, maxTs.Valid, nil
}

// Open selects the rows strictly after the request anchor, ordered by
// (timed, pk). One extra row is read to detect truncation.
func (s *Store) Open(ctx context.Context, req distributer.FetchRequest) (distributer.Cursor, error) {
	if req.Sensor == nil {
		return nil, ErrNilSensor
	}
	tx := s.db.WithContext(ctx).
		Model(&streamElementRecord{}).
		Where("sensor = ?", req.Sensor.Name).
		Where("(timed > ? OR (timed = ? AND pk > ?))", req.StartTime, req.StartTime, req.LastSeenPosition)
	if !req.Query.IsEmpty() {
		tx = tx.Where("(" + string(req.Query) + ")")
	}
	tx = tx.Order("timed ASC").Order("pk ASC")
	if req.RowCap > 0 {
		tx = tx.Limit(req.RowCap + 1)
	}
	records := make([]*streamElementRecord, 0, 16)
	if err := tx.Find(&records).Error; err != nil {
		return nil, infra.WrapErrorStackWithMessage(err, "[storage] open cursor")
	}
	truncated := false
	if req.RowCap > 0 && len(records) > req.RowCap {
		records, truncated = records[:req.RowCap], true
	}
	return &recordCursor{
		sensor:    req.Sensor,
		records:   records,
		truncated: truncated,
		logger:    s.logger,
	}, nil
}

// Purge removes every row of the sensor.
func (s *Store) Purge(ctx context.Context, sensor *model.Sensor) (int64, error) {
	if sensor == nil {
		return 0, ErrNilSensor
	}
	res := s.db.WithContext(ctx).Where("sensor = ?", sensor.Name).Delete(&streamElementRecord{})
	if res.Error != nil {
		return 0, infra.WrapErrorStackWithMessage(res.Error, "[storage] purge")
	}
	return res.RowsAffected, nil
}

func (s *Store) Count(ctx context.Context, sensor *model.Sensor) (int64, error) {
	if sensor == nil {
		return 0, ErrNilSensor
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&streamElementRecord{}).Where("sensor = ?", sensor.Name).Count(&n).Error; err != nil {
		return 0, infra.WrapErrorStack(err)
	}
	return n, nil
}

var _ distributer.Cursor = (*recordCursor)(nil)

// recordCursor decodes payloads on demand.
type recordCursor struct {
	sensor    *model.Sensor
	records   []*streamElementRecord
	idx       int
	truncated bool
	logger    xlog.XLogger
}

func (c *recordCursor) HasNext() bool {
	return c.idx < len(c.records)
}

func (c *recordCursor) Next() *model.StreamElement {
	if !c.HasNext() {
		return nil
	}
	rec := c.records[c.idx]
	c.records[c.idx] = nil
	c.idx++
	elem, err := rec.element()
	if err != nil {
		c.logger.Warn("undecodable payload, delivered without fields",
			zap.String("sensor", c.sensor.Name),
			zap.Int64("pk", rec.PK),
			zap.String("error", err.Error()),
		)
	}
	return elem
}

func (c *recordCursor) Truncated() bool {
	return c.truncated
}

func (c *recordCursor) Close() error {
	c.records, c.idx = nil, 0
	return nil
}
