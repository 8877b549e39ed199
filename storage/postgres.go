package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordModel struct {
	ID              string            `gorm:"primaryKey;size:26"`
	Timestamp       int64             `gorm:"index;not null"`
	Method          string            `gorm:"size:16;not null"`
	Path            string            `gorm:"index;not null"`
	Query           string            `gorm:"not null;default:''"`
	StatusCode      int               `gorm:"not null;default:0"`
	DurationMs      int64             `gorm:"not null;default:0"`
	ClientIP        string            `gorm:"size:64"`
	UserAgent       string            `gorm:"not null;default:''"`
	RequestHeaders  map[string]string `gorm:"serializer:json"`
	RequestBody     string
	ResponseHeaders map[string]string `gorm:"serializer:json"`
	ResponseBody    string
	ResponseSize    int64
	Error           string
}

func (recordModel) TableName() string { return "request_records" }

type auditModel struct {
	ID        string `gorm:"primaryKey;size:26"`
	Action    string `gorm:"size:64;not null"`
	Actor     string `gorm:"not null"`
	Detail    string
	Affected  int64
	CreatedAt int64 `gorm:"autoCreateTime:false;not null"`
}

func (auditModel) TableName() string { return "audit_events" }

// OpenPostgres connects with retry and creates the tables this service owns.
func OpenPostgres(dsn string, log logging.Logger) (*gorm.DB, error) {
	if log == nil {
		log = logging.NopLogger{}
	}

	var db *gorm.DB
	var err error
	const maxRetries = 5
	retryDelay := 2 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			break
		}

		log.WithError(err).WithFields(logging.Fields{
			"attempt": attempt,
		}).Warn("storage", "connect", "Database connection failed")

		if attempt < maxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := db.AutoMigrate(&recordModel{}, &auditModel{}); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	log.Info("storage", "connect", "Database connection established")
	return db, nil
}

type GormRecordRepo struct {
	db *gorm.DB
}

func NewGormRecordRepo(db *gorm.DB) *GormRecordRepo {
	return &GormRecordRepo{db: db}
}

func (r *GormRecordRepo) Save(ctx context.Context, rec *Record) error {
	prepare(rec)
	m := toRecordModel(rec)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (r *GormRecordRepo) Get(ctx context.Context, id string) (*Record, error) {
	var models []recordModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	return fromRecordModel(&models[0]), nil
}

func (r *GormRecordRepo) All(ctx context.Context) ([]*Record, error) {
	var models []recordModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records := make([]*Record, len(models))
	for i := range models {
		records[i] = fromRecordModel(&models[i])
	}
	return records, nil
}

func (r *GormRecordRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&recordModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (r *GormRecordRepo) DeleteAll(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&recordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormRecordRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", olderThan.UnixMilli()).Delete(&recordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) Record(ctx context.Context, ev *AuditEvent) error {
	prepareAudit(ev)
	m := auditModel(*ev)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *GormAuditRepo) List(ctx context.Context, limit int) ([]*AuditEvent, error) {
	var models []auditModel
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	events := make([]*AuditEvent, len(models))
	for i := range models {
		ev := AuditEvent(models[i])
		events[i] = &ev
	}
	return events, nil
}

func toRecordModel(rec *Record) recordModel {
	return recordModel{
		ID:              rec.ID,
		Timestamp:       rec.Timestamp,
		Method:          rec.Method,
		Path:            rec.Path,
		Query:           rec.Query,
		StatusCode:      rec.StatusCode,
		DurationMs:      rec.DurationMs,
		ClientIP:        rec.ClientIP,
		UserAgent:       rec.UserAgent,
		RequestHeaders:  rec.RequestHeaders,
		RequestBody:     rec.RequestBody,
		ResponseHeaders: rec.ResponseHeaders,
		ResponseBody:    rec.ResponseBody,
		ResponseSize:    rec.ResponseSize,
		Error:           rec.Error,
	}
}

func fromRecordModel(m *recordModel) *Record {
	return &Record{
		ID:              m.ID,
		Timestamp:       m.Timestamp,
		Method:          m.Method,
		Path:            m.Path,
		Query:           m.Query,
		StatusCode:      m.StatusCode,
		DurationMs:      m.DurationMs,
		ClientIP:        m.ClientIP,
		UserAgent:       m.UserAgent,
		RequestHeaders:  m.RequestHeaders,
		RequestBody:     m.RequestBody,
		ResponseHeaders: m.ResponseHeaders,
		ResponseBody:    m.ResponseBody,
		ResponseSize:    m.ResponseSize,
		Error:           m.Error,
	}
}
