package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hikaet/kifulab/internal/engine"
	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/storage"
)

type fakeDriver struct {
	mu        sync.Mutex
	available bool
	running   bool
	failWith  string
	starts    []string
	stops     []string
	sender    engine.Sender
}

func (d *fakeDriver) Available() bool { return d.available }

func (d *fakeDriver) Controls() []string {
	if !d.available {
		return []string{}
	}
	return []string{"enable", "multipv", "start", "stop"}
}

func (d *fakeDriver) Status() engine.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return engine.Status{Enabled: d.available, AnalysisRunning: d.running}
}

func (d *fakeDriver) StartForGame(tree *gametree.Tree, nodeID string) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != "" {
		return false, d.failWith
	}
	if nodeID == "" {
		nodeID = tree.CurrentNodeID
	}
	d.starts = append(d.starts, nodeID)
	d.running = true
	return true, "started"
}

func (d *fakeDriver) Stop(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.stops = append(d.stops, reason)
}

func (d *fakeDriver) AttachSender(s engine.Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = s
}

func (d *fakeDriver) OwnerDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.stops = append(d.stops, "owner disconnected")
	d.sender = nil
}

func (d *fakeDriver) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func testServer(t *testing.T, drv *fakeDriver) (*httptest.Server, *Runtime) {
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
	srv := httptest.NewServer(New(rt, NewHub(), drv, ""))
	t.Cleanup(srv.Close)
	return srv, rt
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

const apiSampleKIF = "手合割：平手\n手数----指手\n   1 ７六歩(77)\n   2 ３四歩(33)\n"

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, &fakeDriver{})
	var body struct {
		OK            bool   `json:"ok"`
		DB            string `json:"db"`
		CurrentGameID string `json:"current_game_id"`
	}
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz status %d", code)
	}
	if !body.OK || body.DB != "ok" || body.CurrentGameID == "" {
		t.Fatalf("unexpected healthz body: %+v", body)
	}
}

func TestGameCRUD(t *testing.T) {
	srv, _ := testServer(t, &fakeDriver{})

	resp, err := http.Post(srv.URL+"/api/games", "application/json",
		strings.NewReader(`{"title":"CRUD test"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		Game struct {
			GameID string `json:"game_id"`
			Title  string `json:"title"`
		} `json:"game"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	resp.Body.Close()
	if created.Game.Title != "CRUD test" || created.Game.GameID == "" {
		t.Fatalf("unexpected created game: %+v", created.Game)
	}

	var list struct {
		Items []storage.GameSummary `json:"items"`
	}
	if code := getJSON(t, srv.URL+"/api/games", &list); code != http.StatusOK {
		t.Fatalf("list status %d", code)
	}
	if len(list.Items) < 2 {
		t.Fatalf("list should include the startup game and the new one, got %d", len(list.Items))
	}

	if code := getJSON(t, srv.URL+"/api/games/"+created.Game.GameID, nil); code != http.StatusOK {
		t.Fatalf("get status %d", code)
	}
	if code := getJSON(t, srv.URL+"/api/games/missing", nil); code != http.StatusNotFound {
		t.Fatalf("get missing status %d", code)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/games/"+created.Game.GameID,
		strings.NewReader(`{"title":"Renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	var updated struct {
		Game struct {
			Title string `json:"title"`
		} `json:"game"`
	}
	if err := json.NewDecoder(putResp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	putResp.Body.Close()
	if updated.Game.Title != "Renamed" {
		t.Fatalf("title not updated: %q", updated.Game.Title)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/games/"+created.Game.GameID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", delResp.StatusCode)
	}
	if code := getJSON(t, srv.URL+"/api/games/"+created.Game.GameID, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete status %d", code)
	}
}

func TestImportAndExport(t *testing.T) {
	srv, rt := testServer(t, &fakeDriver{})

	resp, err := http.Post(srv.URL+"/api/import", "text/plain; charset=utf-8",
		bytes.NewReader([]byte(apiSampleKIF)))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	var imported struct {
		Format string `json:"format"`
		Game   struct {
			GameID string `json:"game_id"`
			Nodes  []any  `json:"nodes"`
		} `json:"game"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&imported); err != nil {
		t.Fatalf("decode import: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status %d", resp.StatusCode)
	}
	if imported.Format != "kif" {
		t.Fatalf("format = %q, want kif", imported.Format)
	}
	if len(imported.Game.Nodes) != 3 {
		t.Fatalf("imported %d nodes, want 3", len(imported.Game.Nodes))
	}

	current, err := rt.CurrentGame()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.GameID != imported.Game.GameID {
		t.Fatalf("import did not replace the current game")
	}

	exportResp, err := http.Get(srv.URL + "/api/export/" + imported.Game.GameID + "?format=usi")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer exportResp.Body.Close()
	if exportResp.StatusCode != http.StatusOK {
		t.Fatalf("export status %d", exportResp.StatusCode)
	}
	if got := exportResp.Header.Get("Content-Disposition"); !strings.Contains(got, imported.Game.GameID+".usi.txt") {
		t.Fatalf("unexpected disposition %q", got)
	}
	var text bytes.Buffer
	text.ReadFrom(exportResp.Body)
	if want := "position startpos moves 7g7f 3c3d"; strings.TrimSpace(text.String()) != want {
		t.Fatalf("export = %q, want %q", text.String(), want)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	srv, _ := testServer(t, &fakeDriver{})
	resp, err := http.Post(srv.URL+"/api/import", "text/plain", strings.NewReader("no moves here"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("import garbage status %d, want 400", resp.StatusCode)
	}
}

func TestExportBadFormat(t *testing.T) {
	srv, rt := testServer(t, &fakeDriver{})
	game, _ := rt.CurrentGame()
	if code := getJSON(t, srv.URL+"/api/export/"+game.GameID+"?format=pgn", nil); code != http.StatusBadRequest {
		t.Fatalf("bad format status %d", code)
	}
}

func TestCurrentEndpoint(t *testing.T) {
	srv, rt := testServer(t, &fakeDriver{})
	game, _ := rt.CurrentGame()
	var body struct {
		Game struct {
			GameID string `json:"game_id"`
		} `json:"game"`
	}
	if code := getJSON(t, srv.URL+"/api/current", &body); code != http.StatusOK {
		t.Fatalf("current status %d", code)
	}
	if body.Game.GameID != game.GameID {
		t.Fatalf("current game mismatch")
	}
}
