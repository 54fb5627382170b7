// Package store provides history access for transfers and peers.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/fluxbridge/internal/db"
)

var ErrNotFound = errors.New("record not found")

type TransferStore struct {
	db *gorm.DB
}

func NewTransferStore(gdb *gorm.DB) *TransferStore {
	return &TransferStore{db: gdb}
}

// RecordTransfer stores t, replacing an earlier record of the same
// transfer.
func (ts *TransferStore) RecordTransfer(ctx context.Context, t db.Transfer) error {
	t.ID = 0
	return ts.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transfer_id"}},
		UpdateAll: true,
	}).Create(&t).Error
}

// ListTransfers returns the most recent transfers first. limit <= 0 means
// no limit.
func (ts *TransferStore) ListTransfers(ctx context.Context, limit int) ([]db.Transfer, error) {
	transfers := []db.Transfer{}
	q := ts.db.WithContext(ctx).Order("finished_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}

func (ts *TransferStore) GetTransfer(ctx context.Context, transferID string) (db.Transfer, error) {
	var t db.Transfer
	err := ts.db.WithContext(ctx).Where("transfer_id = ?", transferID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Transfer{}, fmt.Errorf("%w: transfer %s", ErrNotFound, transferID)
	}
	return t, err
}

type PeerStore struct {
	db *gorm.DB
}

func NewPeerStore(gdb *gorm.DB) *PeerStore {
	return &PeerStore{db: gdb}
}

func (ps *PeerStore) UpsertPeer(ctx context.Context, p db.Peer) error {
	p.ID = 0
	return ps.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "addresses", "port", "last_seen"}),
	}).Create(&p).Error
}

func (ps *PeerStore) GetPeers(ctx context.Context) ([]db.Peer, error) {
	peers := []db.Peer{}
	if err := ps.db.WithContext(ctx).Order("last_seen DESC").Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

func (ps *PeerStore) DeletePeer(ctx context.Context, peerID string) error {
	return ps.db.WithContext(ctx).Where("peer_id = ?", peerID).Delete(&db.Peer{}).Error
}

var (
	_ TransferRepository = (*TransferStore)(nil)
	_ PeerRepository     = (*PeerStore)(nil)
)
