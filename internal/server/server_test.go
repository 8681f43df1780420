package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dragoon-rs/dragoonfly/internal/accounting"
	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/config"
	"github.com/dragoon-rs/dragoonfly/internal/store"
	"github.com/dragoon-rs/dragoonfly/internal/swarm"
)

func testServer(t *testing.T, budget uint64) (*httptest.Server, *swarm.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	priv, id, err := swarm.DeriveIdentity(7)
	if err != nil {
		t.Fatal(err)
	}
	base := t.TempDir()
	st, err := store.Open(base, id.String(), false)
	if err != nil {
		t.Fatal(err)
	}
	acct, err := accounting.Open(filepath.Join(base, "send.db"), budget)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { acct.Close() })

	paramsPath := filepath.Join(base, "powers.bin")
	if err := os.WriteFile(paramsPath, []byte("server test powers"), 0o644); err != nil {
		t.Fatal(err)
	}
	params, err := codec.LoadParams(paramsPath)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Node.IPPort = "127.0.0.1:0"
	cfg.Node.PowersPath = paramsPath
	cfg.Network.RequestTimeout = config.Duration{Duration: 5 * time.Second}

	node, err := swarm.New(ctx, priv, swarm.Options{
		Store:   st,
		Acct:    acct,
		Codec:   codec.New(params),
		Label:   "test-node",
		Network: cfg.Network,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { node.Close() })
	go node.Run(ctx)

	srv := New(node, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, node
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decoding response: %v", path, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any, out any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("POST %s: decoding response: %v", path, err)
		}
	}
	return resp
}

func TestNodeInfo(t *testing.T) {
	ts, node := testServer(t, 1000)

	var info []string
	resp := getJSON(t, ts, "/node-info", &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("node-info status = %d", resp.StatusCode)
	}
	if len(info) != 2 || info[0] != node.ID().String() || info[1] != "test-node" {
		t.Fatalf("node-info = %v", info)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	ts, _ := testServer(t, 1000)
	resp := getJSON(t, ts, "/no-such-endpoint", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want 404", resp.StatusCode)
	}
}

func TestEncodeAndBlockList(t *testing.T) {
	ts, _ := testServer(t, 1000)

	input := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(input, bytes.Repeat([]byte("data"), 256), 0o644); err != nil {
		t.Fatal(err)
	}

	var result []string
	resp := postJSON(t, ts, "/encode-file", []any{input, false, "Vandermonde", 3, 5}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("encode-file status = %d", resp.StatusCode)
	}
	if len(result) != 2 {
		t.Fatalf("encode-file returned %v", result)
	}
	fileHash := result[0]

	var encoded []string
	if err := json.Unmarshal([]byte(result[1]), &encoded); err != nil {
		t.Fatalf("second element is not a JSON string of hashes: %v", err)
	}
	if len(encoded) != 5 {
		t.Fatalf("encode-file reported %d blocks, want 5", len(encoded))
	}

	var listed []string
	resp = getJSON(t, ts, "/get-block-list/"+fileHash, &listed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get-block-list status = %d", resp.StatusCode)
	}
	if len(listed) != 5 {
		t.Fatalf("get-block-list returned %d hashes, want 5", len(listed))
	}
}

func TestEncodeReplaceClearsStaleBlocks(t *testing.T) {
	ts, node := testServer(t, 1000)

	input := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(input, bytes.Repeat([]byte("stale"), 100), 0o644); err != nil {
		t.Fatal(err)
	}

	var result []string
	postJSON(t, ts, "/encode-file", []any{input, false, "Vandermonde", 2, 4}, &result)
	fileHash := result[0]

	// Plant a stray block under the same file hash, then re-encode with
	// replace: the stray block must be gone.
	if _, err := node.Store().Put(fileHash, "stray", []byte("junk")); err != nil {
		t.Fatal(err)
	}
	var result2 []string
	resp := postJSON(t, ts, "/encode-file", []any{input, true, "Vandermonde", 2, 4}, &result2)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("encode-file with replace status = %d", resp.StatusCode)
	}

	var listed []string
	getJSON(t, ts, "/get-block-list/"+fileHash, &listed)
	for _, h := range listed {
		if h == "stray" {
			t.Fatal("replace did not clear the stale block")
		}
	}
	if len(listed) != 4 {
		t.Fatalf("block list after replace has %d entries, want 4", len(listed))
	}
}

func TestDecodeBlocksEndpoint(t *testing.T) {
	ts, node := testServer(t, 1000)

	content := bytes.Repeat([]byte("decode me "), 64)
	input := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(input, content, 0o644); err != nil {
		t.Fatal(err)
	}

	var result []string
	postJSON(t, ts, "/encode-file", []any{input, false, "Random", 3, 5}, &result)
	fileHash := result[0]
	var hashes []string
	if err := json.Unmarshal([]byte(result[1]), &hashes); err != nil {
		t.Fatal(err)
	}

	blockDir := node.Store().BlockDir(fileHash)
	var out string
	resp := postJSON(t, ts, "/decode-blocks", []any{blockDir, hashes[:3], "rebuilt.bin"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decode-blocks status = %d", resp.StatusCode)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading decode output: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("decode-blocks output differs from the input")
	}
}

func TestStorageEndpoints(t *testing.T) {
	ts, _ := testServer(t, 5000)

	var free uint64
	resp := getJSON(t, ts, "/get-available-send-storage", &free)
	if resp.StatusCode != http.StatusOK || free != 5000 {
		t.Fatalf("get-available-send-storage = %d (status %d), want 5000", free, resp.StatusCode)
	}

	var msg string
	resp = postJSON(t, ts, "/change-available-send-storage", 9000, &msg)
	if resp.StatusCode != http.StatusOK || msg == "" {
		t.Fatalf("change-available-send-storage status = %d, msg %q", resp.StatusCode, msg)
	}

	getJSON(t, ts, "/get-available-send-storage", &free)
	if free != 9000 {
		t.Fatalf("free after change = %d, want 9000", free)
	}
}

func TestListenEndpoint(t *testing.T) {
	ts, _ := testServer(t, 1000)

	addr := "/ip4/127.0.0.1/tcp/0"
	var id string
	resp := getJSON(t, ts, "/listen/"+escapePath(addr), &id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("listen status = %d", resp.StatusCode)
	}
	if id != "1" {
		t.Fatalf("first listener id = %q, want \"1\"", id)
	}

	var listeners []string
	getJSON(t, ts, "/get-listeners", &listeners)
	if len(listeners) == 0 {
		t.Fatal("no listeners after listen")
	}

	var removed bool
	resp = postJSON(t, ts, "/remove-listener", 1, &removed)
	if resp.StatusCode != http.StatusOK || !removed {
		t.Fatalf("remove-listener = %v (status %d)", removed, resp.StatusCode)
	}
}

func TestStartProvideWithoutPeersFails(t *testing.T) {
	ts, _ := testServer(t, 1000)

	resp := postJSON(t, ts, "/start-provide", "deadbeef", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("start-provide without peers status = %d, want 500", resp.StatusCode)
	}
}

func TestErrorBodyCarriesKind(t *testing.T) {
	ts, _ := testServer(t, 1000)

	resp, err := http.Get(ts.URL + "/get-block-list/unknown-file")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Kind    string `json:"kind"`
		Context string `json:"context"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != "NotFound" {
		t.Fatalf("error kind = %q, want NotFound", body.Kind)
	}
	if body.Context == "" {
		t.Fatal("error body has no context")
	}
}

func TestSendBlockListBadStrategy(t *testing.T) {
	ts, _ := testServer(t, 1000)

	resp := postJSON(t, ts, "/send-block-list", []any{"Greedy", "fh", []string{"b1"}}, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("bad strategy status = %d, want 500", resp.StatusCode)
	}
}

// escapePath percent-encodes one path segment, slashes included.
func escapePath(s string) string {
	out := ""
	for _, r := range s {
		if r == '/' {
			out += "%2F"
			continue
		}
		out += string(r)
	}
	return out
}
