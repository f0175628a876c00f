// Package journal keeps a queryable sqlite record of every event the ledger published, the same
// records an off-chain indexer would build from the ledger logs.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/axiomesh/giving/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is one journaled event.
type Entry struct {
	ID        uint      `gorm:"primarykey"`
	Event     string    `gorm:"index:idx_journal_event;size:64;not null"`
	Topic     string    `gorm:"size:66;not null"`
	Subject   string    `gorm:"index:idx_journal_subject;size:66;not null"`
	Block     uint64    `gorm:"index;not null"`
	Timestamp time.Time `gorm:"not null"`
	Payload   []byte    `gorm:"not null"`
}

func (Entry) TableName() string {
	return "event_journal"
}

// Decode returns the typed payload of the entry.
func (e *Entry) Decode() (core.EventData, error) {
	return core.DecodeLog(types.Log{
		Topics: []common.Hash{common.HexToHash(e.Topic), common.HexToHash(e.Subject)},
		Data:   e.Payload,
	})
}

type Journal struct {
	db     *gorm.DB
	logger logrus.FieldLogger

	mu    sync.Mutex
	bus   *core.EventBus
	subID core.SubscriberID
}

// Open opens the journal at path, creating it when missing. An empty path keeps the journal in memory.
func Open(path string, logger logrus.FieldLogger) (*Journal, error) {
	dsn := "file::memory:?cache=shared"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "create journal dir")
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Journal{db: db, logger: logger}, nil
}

// Attach journals every event published on bus from now on.
func (j *Journal) Attach(bus *core.EventBus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bus = bus
	j.subID = bus.SubscribeFunc(core.AllEvents, func(evt core.Event) {
		if err := j.Append(evt); err != nil {
			j.logger.Errorf("journal %s: %s", evt.Type, err)
		}
	})
}

func (j *Journal) Append(evt core.Event) error {
	l, err := core.EncodeLog(evt, 0)
	if err != nil {
		return err
	}
	entry := &Entry{
		Event:     string(evt.Type),
		Topic:     l.Topics[0].Hex(),
		Subject:   l.Topics[1].Hex(),
		Block:     evt.Block,
		Timestamp: evt.Timestamp,
		Payload:   l.Data,
	}
	if result := j.db.Create(entry); result.Error != nil {
		return errors.Wrap(result.Error, "insert entry")
	}
	return nil
}

// Events lists entries of one event type in insertion order. A limit of zero returns all of them.
func (j *Journal) Events(eventType core.EventType, limit int) ([]Entry, error) {
	var entries []Entry
	q := j.db.Where("event = ?", string(eventType)).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if result := q.Find(&entries); result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

// BySubject lists every entry about one campaign or vault.
func (j *Journal) BySubject(subject common.Hash) ([]Entry, error) {
	var entries []Entry
	if result := j.db.Where("subject = ?", subject.Hex()).Order("id").Find(&entries); result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

func (j *Journal) Count() (int64, error) {
	var n int64
	if result := j.db.Model(&Entry{}).Count(&n); result.Error != nil {
		return 0, result.Error
	}
	return n, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	if j.bus != nil {
		j.bus.Unsubscribe(core.AllEvents, j.subID)
		j.bus = nil
	}
	j.mu.Unlock()

	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
