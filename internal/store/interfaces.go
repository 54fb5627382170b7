package store

import (
	"context"

	"github.com/rudransh-shrivastava/fluxbridge/internal/db"
)

// TransferRepository records finished transfers.
type TransferRepository interface {
	RecordTransfer(ctx context.Context, t db.Transfer) error
	ListTransfers(ctx context.Context, limit int) ([]db.Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (db.Transfer, error)
}

// PeerRepository remembers peers seen on the network.
type PeerRepository interface {
	UpsertPeer(ctx context.Context, p db.Peer) error
	GetPeers(ctx context.Context) ([]db.Peer, error)
	DeletePeer(ctx context.Context, peerID string) error
}
