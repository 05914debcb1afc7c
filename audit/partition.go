package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridian-run/meridian/storage"
	"github.com/meridian-run/meridian/telemetry"
)

// Partitions opens and caches one *Log per calendar month, rolling to a new
// partition database file at the month boundary (§4.9's "roll audit
// partition at month boundary"). Partition file names follow
// "audit-YYYY-MM.db" under dataDir.
type Partitions struct {
	dataDir string
	logger  telemetry.Logger

	mu   sync.Mutex
	logs map[string]*Log
	dbs  map[string]*storage.DB
}

// NewPartitions builds a Partitions manager rooted at dataDir.
func NewPartitions(dataDir string, logger telemetry.Logger) *Partitions {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Partitions{
		dataDir: dataDir,
		logger:  logger,
		logs:    make(map[string]*Log),
		dbs:     make(map[string]*storage.DB),
	}
}

// Current returns the Log for the partition covering now, opening and
// migrating it on first use.
func (p *Partitions) Current(now time.Time) (*Log, error) {
	return p.forMonth(now.Format("2006-01"))
}

func (p *Partitions) forMonth(month string) (*Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.logs[month]; ok {
		return l, nil
	}
	path := filepath.Join(p.dataDir, fmt.Sprintf("audit-%s.db", month))
	db, err := storage.Open(path, p.logger)
	if err != nil {
		return nil, err
	}
	if err := storage.MigrateAuditPartition(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	l := New(db)
	p.dbs[month] = db
	p.logs[month] = l
	return l, nil
}

// Open returns the Log for an arbitrary "YYYY-MM" month, for
// `meridiand audit verify --month=YYYY-MM`.
func (p *Partitions) Open(month string) (*Log, error) {
	return p.forMonth(month)
}

// Close closes every partition database this manager has opened.
func (p *Partitions) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
