package server

import (
	"errors"
	"testing"

	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/storage"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	rt := NewRuntime(store)
	if err := rt.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	return rt
}

func TestRuntimeStartupCreatesGame(t *testing.T) {
	rt := testRuntime(t)
	game, err := rt.CurrentGame()
	if err != nil {
		t.Fatalf("current game: %v", err)
	}
	if game.GameID == "" || game.RootNodeID == "" {
		t.Fatalf("startup produced incomplete game: %+v", game)
	}
	last, err := rt.Store().LastGameID()
	if err != nil {
		t.Fatalf("last game id: %v", err)
	}
	if last != game.GameID {
		t.Fatalf("last game id = %q, want %q", last, game.GameID)
	}
}

func TestRuntimeMutatePersists(t *testing.T) {
	rt := testRuntime(t)
	game, err := rt.Mutate(func(g *gametree.Tree) error {
		_, err := g.PlayMove(g.RootNodeID, "7g7f")
		return err
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	reloaded, err := rt.Store().LoadGame(game.GameID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Nodes) != 2 {
		t.Fatalf("mutation not persisted: %d nodes", len(reloaded.Nodes))
	}
	if reloaded.CurrentNodeID == reloaded.RootNodeID {
		t.Fatalf("current node not advanced")
	}
}

func TestRuntimeMutateAbortsOnError(t *testing.T) {
	rt := testRuntime(t)
	game, _ := rt.CurrentGame()
	before := game.UpdatedAt

	_, err := rt.Mutate(func(g *gametree.Tree) error {
		g.Title = "should not stick"
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error from mutation")
	}
	reloaded, err := rt.Store().LoadGame(game.GameID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Title == "should not stick" {
		t.Fatalf("failed mutation was persisted")
	}
	if reloaded.UpdatedAt != before {
		t.Fatalf("failed mutation touched the stored game")
	}
}

func TestRuntimeLoadGame(t *testing.T) {
	rt := testRuntime(t)
	other, err := rt.Store().CreateGame("Second", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := rt.LoadGame(other.GameID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	current, _ := rt.CurrentGame()
	if current.GameID != loaded.GameID {
		t.Fatalf("load did not switch the current game")
	}

	if _, err := rt.LoadGame("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load missing: got %v, want ErrNotFound", err)
	}
}

func TestRuntimeSetCurrentGamePersistsImport(t *testing.T) {
	rt := testRuntime(t)
	imported, err := gametree.New("Imported", "")
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	if err := rt.SetCurrentGame(imported); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if _, err := rt.Store().LoadGame(imported.GameID); err != nil {
		t.Fatalf("imported game not persisted: %v", err)
	}
	last, _ := rt.Store().LastGameID()
	if last != imported.GameID {
		t.Fatalf("last game id not updated")
	}
}
