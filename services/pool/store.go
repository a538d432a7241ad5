package pool

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store receives instance snapshots.
type Store interface {
	Save(ctx context.Context, inst *BrowserInstance) error
	Delete(ctx context.Context, id string) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Save(ctx context.Context, inst *BrowserInstance) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(inst).Error
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&BrowserInstance{}).Error
}

// List returns the persisted snapshots, newest activity first.
func (s *GormStore) List(ctx context.Context) ([]*BrowserInstance, error) {
	var out []*BrowserInstance
	err := s.db.WithContext(ctx).Order("last_activity_at DESC").Find(&out).Error
	return out, err
}

// PurgeNode drops the snapshot rows written by one node. Rows of other
// nodes describe browsers that are still alive.
func (s *GormStore) PurgeNode(ctx context.Context, nodeID int64) (int64, error) {
	res := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Delete(&BrowserInstance{})
	return res.RowsAffected, res.Error
}
