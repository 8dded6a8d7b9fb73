package storage

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hikaet/kifulab/internal/gametree"
)

// Key prefixes
const (
	prefixGame     = "game:"
	prefixNodes    = "nodes:"
	prefixSnapshot = "snapshot:"
	prefixInstall  = "install:"
	keyLastGameID  = "last_game_id"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("storage: not found")

// gameRecord is the persisted game row, without the node set.
type gameRecord struct {
	GameID        string            `json:"game_id"`
	Title         string            `json:"title"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	InitialSFEN   string            `json:"initial_sfen"`
	RootNodeID    string            `json:"root_node_id"`
	CurrentNodeID string            `json:"current_node_id"`
	Meta          map[string]string `json:"meta"`
	UIState       map[string]any    `json:"ui_state"`
}

// GameSummary is the listing row for a stored game.
type GameSummary struct {
	GameID        string `json:"game_id"`
	Title         string `json:"title"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	InitialSFEN   string `json:"initial_sfen"`
	CurrentNodeID string `json:"current_node_id"`
}

// AnalysisSnapshot is one persisted multi-PV report.
type AnalysisSnapshot struct {
	SnapshotID string          `json:"snapshot_id"`
	NodeID     string          `json:"node_id"`
	ElapsedMS  int             `json:"elapsed_ms"`
	MultiPV    int             `json:"multipv"`
	Lines      json.RawMessage `json:"lines"`
	CreatedAt  string          `json:"created_at"`
}

// InstallRecord logs one engine artifact download.
type InstallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	SHA256    string `json:"sha256"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Store wraps BadgerDB for persistent storage.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database in the given directory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenDefault opens the database in the platform data directory.
func OpenDefault() (*Store, error) {
	dbDir, err := GetDatabaseDir()
	if err != nil {
		return nil, err
	}
	return Open(dbDir)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveGame upserts the game row and replaces its node set.
func (s *Store) SaveGame(tree *gametree.Tree) error {
	rec := gameRecord{
		GameID:        tree.GameID,
		Title:         tree.Title,
		CreatedAt:     tree.CreatedAt,
		UpdatedAt:     tree.UpdatedAt,
		InitialSFEN:   tree.InitialSFEN,
		RootNodeID:    tree.RootNodeID,
		CurrentNodeID: tree.CurrentNodeID,
		Meta:          tree.Meta,
		UIState:       tree.UIState,
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	nodeData, err := json.Marshal(tree.NodeRecords())
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixGame+tree.GameID), recData); err != nil {
			return err
		}
		return txn.Set([]byte(prefixNodes+tree.GameID), nodeData)
	})
}

// LoadGame rebuilds a stored game tree.
func (s *Store) LoadGame(gameID string) (*gametree.Tree, error) {
	var rec gameRecord
	var nodes []*gametree.Node

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixGame + gameID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		item, err = txn.Get([]byte(prefixNodes + gameID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &nodes)
		})
	})
	if err != nil {
		return nil, err
	}

	tree := &gametree.Tree{
		GameID:        rec.GameID,
		Title:         rec.Title,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		InitialSFEN:   rec.InitialSFEN,
		RootNodeID:    rec.RootNodeID,
		CurrentNodeID: rec.CurrentNodeID,
		Meta:          rec.Meta,
		UIState:       rec.UIState,
	}
	return gametree.FromRows(tree, nodes)
}

// ListGames returns stored games newest-first. limit clamps to 1..200.
func (s *Store) ListGames(limit, offset int) ([]GameSummary, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	var all []GameSummary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixGame)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec gameRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			all = append(all, GameSummary{
				GameID:        rec.GameID,
				Title:         rec.Title,
				CreatedAt:     rec.CreatedAt,
				UpdatedAt:     rec.UpdatedAt,
				InitialSFEN:   rec.InitialSFEN,
				CurrentNodeID: rec.CurrentNodeID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt != all[j].UpdatedAt {
			return all[i].UpdatedAt > all[j].UpdatedAt
		}
		return all[i].CreatedAt > all[j].CreatedAt
	})
	if offset >= len(all) {
		return []GameSummary{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// DeleteGame removes a game and its nodes. It reports whether the
// game existed and clears last_game_id when it pointed at the game.
func (s *Store) DeleteGame(gameID string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixGame + gameID)); err == nil {
			existed = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete([]byte(prefixGame + gameID)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixNodes + gameID))
	})
	if err != nil {
		return false, err
	}
	last, err := s.LastGameID()
	if err != nil {
		return existed, err
	}
	if last == gameID {
		if err := s.SetLastGameID(""); err != nil {
			return existed, err
		}
	}
	return existed, nil
}

// LastGameID returns the id of the most recently active game, or ""
// when none is recorded.
func (s *Store) LastGameID() (string, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastGameID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	return id, err
}

// SetLastGameID records the most recently active game. An empty id
// clears the record.
func (s *Store) SetLastGameID(gameID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if gameID == "" {
			return txn.Delete([]byte(keyLastGameID))
		}
		return txn.Set([]byte(keyLastGameID), []byte(gameID))
	})
}

// CreateGame builds a fresh game, persists it and marks it last.
func (s *Store) CreateGame(title, initialSFEN string) (*gametree.Tree, error) {
	tree, err := gametree.New(title, initialSFEN)
	if err != nil {
		return nil, err
	}
	if err := s.SaveGame(tree); err != nil {
		return nil, err
	}
	if err := s.SetLastGameID(tree.GameID); err != nil {
		return nil, err
	}
	return tree, nil
}

// EnsureLastOrCreate loads the last active game, falling back to a
// fresh one when it is missing or unreadable.
func (s *Store) EnsureLastOrCreate() (*gametree.Tree, error) {
	last, err := s.LastGameID()
	if err != nil {
		return nil, err
	}
	if last != "" {
		tree, err := s.LoadGame(last)
		if err == nil {
			return tree, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.CreateGame("Recovered game", "")
}

// SaveAnalysisSnapshot persists one multi-PV report and returns its id.
func (s *Store) SaveAnalysisSnapshot(nodeID string, elapsedMS, multipv int, lines any) (string, error) {
	if elapsedMS < 0 {
		elapsedMS = 0
	}
	if multipv < 1 {
		multipv = 1
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return "", err
	}
	snap := AnalysisSnapshot{
		SnapshotID: gametree.NewID(),
		NodeID:     nodeID,
		ElapsedMS:  elapsedMS,
		MultiPV:    multipv,
		Lines:      linesJSON,
		CreatedAt:  time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixSnapshot+snap.SnapshotID), data)
	})
	if err != nil {
		return "", err
	}
	return snap.SnapshotID, nil
}

// LoadAnalysisSnapshot reads one stored snapshot.
func (s *Store) LoadAnalysisSnapshot(snapshotID string) (*AnalysisSnapshot, error) {
	var snap AnalysisSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSnapshot + snapshotID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// RecordInstall logs an engine artifact download.
func (s *Store) RecordInstall(rec InstallRecord) error {
	if rec.ID == "" {
		rec.ID = gametree.NewID()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixInstall+rec.ID), data)
	})
}

// ListInstalls returns all recorded downloads, newest-first.
func (s *Store) ListInstalls() ([]InstallRecord, error) {
	var all []InstallRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixInstall)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec InstallRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			all = append(all, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID > all[j].ID
	})
	return all, nil
}
