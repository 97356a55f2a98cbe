// Package persistence provides durable peer storage so a node's routing
// table survives a restart without a full re-bootstrap. It keeps a
// single peers table, against identity.NodeID and routing.Peer.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/routing"
)

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PeerStore persists the routing table's peer set across restarts.
type PeerStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewPeerStore opens a connection and ensures the schema exists.
func NewPeerStore(cfg PostgresConfig, logger *logging.Logger) (*PeerStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ps := &PeerStore{db: db, logger: logger}
	if err := ps.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if logger != nil {
		logger.Info("postgres peer store connected", logging.Fields{"host": cfg.Host, "dbname": cfg.DBName})
	}
	return ps, nil
}

func (ps *PeerStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		node_id VARCHAR(40) PRIMARY KEY,
		address VARCHAR(45) NOT NULL,
		port INTEGER NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		failed_pings INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
	`
	_, err := ps.db.Exec(schema)
	return err
}

// SavePeer upserts a peer row.
func (ps *PeerStore) SavePeer(p *routing.Peer) error {
	query := `
		INSERT INTO peers (node_id, address, port, last_seen, failed_pings, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (node_id)
		DO UPDATE SET
			address = EXCLUDED.address,
			port = EXCLUDED.port,
			last_seen = EXCLUDED.last_seen,
			failed_pings = EXCLUDED.failed_pings,
			updated_at = NOW()
	`
	_, err := ps.db.Exec(query, p.ID.String(), p.Address, p.Port, p.LastSeen, p.FailedPings)
	return err
}

// GetAllPeers loads every persisted peer, most recently seen first.
func (ps *PeerStore) GetAllPeers() ([]*routing.Peer, error) {
	query := `SELECT node_id, address, port, last_seen, failed_pings FROM peers ORDER BY last_seen DESC`
	rows, err := ps.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peers := make([]*routing.Peer, 0)
	for rows.Next() {
		var idHex, address string
		var port, failedPings int
		var lastSeen time.Time
		if err := rows.Scan(&idHex, &address, &port, &lastSeen, &failedPings); err != nil {
			return nil, err
		}
		id, err := decodeNodeID(idHex)
		if err != nil {
			if ps.logger != nil {
				ps.logger.Warn("dropping unparsable persisted peer", logging.Fields{"node_id": idHex, "error": err.Error()})
			}
			continue
		}
		peers = append(peers, &routing.Peer{ID: id, Address: address, Port: port, LastSeen: lastSeen, FailedPings: failedPings})
	}
	return peers, nil
}

// DeletePeer removes a peer row.
func (ps *PeerStore) DeletePeer(id identity.NodeID) error {
	_, err := ps.db.Exec(`DELETE FROM peers WHERE node_id = $1`, id.String())
	return err
}

// DeleteStalePeers removes peers not seen within the given duration,
// returning the count removed.
func (ps *PeerStore) DeleteStalePeers(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	result, err := ps.db.Exec(`DELETE FROM peers WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// LoadPeersIntoTable seeds t with every persisted peer.
func (ps *PeerStore) LoadPeersIntoTable(t *routing.Table) (int, error) {
	peers, err := ps.GetAllPeers()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, p := range peers {
		if _, err := t.Add(p); err == nil {
			loaded++
		}
	}
	if ps.logger != nil {
		ps.logger.Info("loaded persisted peers into routing table", logging.Fields{"count": loaded, "total": len(peers)})
	}
	return loaded, nil
}

// SaveAllPeers persists every peer currently in t (used on a snapshot
// timer or at graceful shutdown).
func (ps *PeerStore) SaveAllPeers(t *routing.Table) error {
	for _, p := range t.All() {
		if err := ps.SavePeer(p); err != nil {
			return err
		}
	}
	return nil
}

func decodeNodeID(hexStr string) (identity.NodeID, error) {
	var id identity.NodeID
	if len(hexStr) != identity.IDLength*2 {
		return id, fmt.Errorf("expected %d hex chars, got %d", identity.IDLength*2, len(hexStr))
	}
	for i := 0; i < identity.IDLength; i++ {
		var b byte
		if _, err := fmt.Sscanf(hexStr[i*2:i*2+2], "%02x", &b); err != nil {
			return id, err
		}
		id[i] = b
	}
	return id, nil
}

// Close closes the database connection.
func (ps *PeerStore) Close() error {
	return ps.db.Close()
}
