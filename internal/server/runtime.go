package server

import (
	"sync"

	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/storage"
)

// Runtime holds the single current game behind a mutex. Every mutation
// runs synchronously under the lock and is persisted before the lock
// is released, so mutations are globally linearizable.
type Runtime struct {
	store   *storage.Store
	mu      sync.Mutex
	current *gametree.Tree
}

func NewRuntime(store *storage.Store) *Runtime {
	return &Runtime{store: store}
}

func (r *Runtime) Store() *storage.Store {
	return r.store
}

// Startup loads the last open game, creating a fresh one when the
// store is empty or the last id is dangling.
func (r *Runtime) Startup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	game, err := r.store.EnsureLastOrCreate()
	if err != nil {
		return err
	}
	r.current = game
	return nil
}

func (r *Runtime) CurrentGame() (*gametree.Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

func (r *Runtime) currentLocked() (*gametree.Tree, error) {
	if r.current == nil {
		game, err := r.store.EnsureLastOrCreate()
		if err != nil {
			return nil, err
		}
		r.current = game
	}
	return r.current, nil
}

// Mutate applies fn to the current game under the runtime lock and
// persists the result. fn must not block; an error from fn aborts the
// mutation without saving.
func (r *Runtime) Mutate(fn func(*gametree.Tree) error) (*gametree.Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	game, err := r.currentLocked()
	if err != nil {
		return nil, err
	}
	if err := fn(game); err != nil {
		return nil, err
	}
	if err := r.store.SaveGame(game); err != nil {
		return nil, err
	}
	if err := r.store.SetLastGameID(game.GameID); err != nil {
		return nil, err
	}
	return game, nil
}

// SetCurrentGame replaces the current game, persisting it first since
// callers may hand over a tree the store has never seen (imports).
func (r *Runtime) SetCurrentGame(game *gametree.Tree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.SaveGame(game); err != nil {
		return err
	}
	r.current = game
	return r.store.SetLastGameID(game.GameID)
}

// LoadGame makes a stored game current. Returns storage.ErrNotFound
// when the id is unknown.
func (r *Runtime) LoadGame(gameID string) (*gametree.Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	game, err := r.store.LoadGame(gameID)
	if err != nil {
		return nil, err
	}
	r.current = game
	if err := r.store.SetLastGameID(gameID); err != nil {
		return nil, err
	}
	return game, nil
}

// CreateGame creates and persists a fresh game and makes it current.
func (r *Runtime) CreateGame(title, initialSFEN string) (*gametree.Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	game, err := r.store.CreateGame(title, initialSFEN)
	if err != nil {
		return nil, err
	}
	r.current = game
	return game, nil
}
