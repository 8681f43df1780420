// Package server exposes the node's HTTP command surface. Every handler
// parses its inputs, submits commands to the node and awaits the replies;
// success maps to 200, unknown routes to 404, anything else to 500 with a
// structured JSON error body.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/config"
	"github.com/dragoon-rs/dragoonfly/internal/dispersal"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/swarm"
)

var log = logging.Logger("dragoonfly/server")

// Server runs the HTTP command surface over one node.
type Server struct {
	node       *swarm.Node
	httpServer *http.Server
	timeout    time.Duration
}

// New builds the server for the given bind address.
func New(node *swarm.Node, cfg *config.Config) *Server {
	s := &Server{
		node:    node,
		timeout: cfg.Network.RequestTimeout.Duration,
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Node.IPPort,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// router wires the closed endpoint set. Path parameters may carry
// percent-encoded slashes, so routing happens on the encoded path.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()

	r.HandleFunc("/listen/{addr}", s.handleListen).Methods(http.MethodGet)
	r.HandleFunc("/dial-single", s.handleDialSingle).Methods(http.MethodPost)
	r.HandleFunc("/dial-multiple", s.handleDialMultiple).Methods(http.MethodPost)
	r.HandleFunc("/get-listeners", s.handleGetListeners).Methods(http.MethodGet)
	r.HandleFunc("/get-connected-peers", s.handleGetConnectedPeers).Methods(http.MethodGet)
	r.HandleFunc("/get-network-info", s.handleGetNetworkInfo).Methods(http.MethodGet)
	r.HandleFunc("/remove-listener", s.handleRemoveListener).Methods(http.MethodPost)
	r.HandleFunc("/node-info", s.handleNodeInfo).Methods(http.MethodGet)
	r.HandleFunc("/start-provide", s.handleStartProvide).Methods(http.MethodPost)
	r.HandleFunc("/stop-provide", s.handleStopProvide).Methods(http.MethodPost)
	r.HandleFunc("/get-providers", s.handleGetProviders).Methods(http.MethodPost)
	r.HandleFunc("/encode-file", s.handleEncodeFile).Methods(http.MethodPost)
	r.HandleFunc("/get-block-from/{peer}/{file_hash}/{block_hash}/{save}", s.handleGetBlockFrom).Methods(http.MethodGet)
	r.HandleFunc("/get-blocks-info-from/{peer}/{file_hash}", s.handleGetBlocksInfoFrom).Methods(http.MethodGet)
	r.HandleFunc("/get-block-list/{file_hash}", s.handleGetBlockList).Methods(http.MethodGet)
	r.HandleFunc("/decode-blocks", s.handleDecodeBlocks).Methods(http.MethodPost)
	r.HandleFunc("/get-file/{file_hash}/{output_filename}", s.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/send-block-to", s.handleSendBlockTo).Methods(http.MethodPost)
	r.HandleFunc("/send-block-list", s.handleSendBlockList).Methods(http.MethodPost)
	r.HandleFunc("/get-available-send-storage", s.handleGetAvailableStorage).Methods(http.MethodGet)
	r.HandleFunc("/change-available-send-storage", s.handleChangeStorage).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such route", http.StatusNotFound)
	})
	return r
}

// Start begins serving; it returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.httpServer.Addr, err)
	}
	log.Infow("http surface listening", "addr", ln.Addr())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// reqCtx attaches the request timeout; composite operations get headroom.
func (s *Server) reqCtx(r *http.Request, scale int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), time.Duration(scale)*s.timeout)
}

func pathVar(r *http.Request, name string) (string, error) {
	raw := mux.Vars(r)[name]
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", errs.Wrap(errs.BadRequest, err, "bad path parameter %s", name)
	}
	return v, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.BadRequest, err, "could not parse request body")
	}
	return nil
}

func parsePeer(s string) (peer.ID, error) {
	p, err := peer.Decode(s)
	if err != nil {
		return "", errs.Wrap(errs.BadRequest, err, "invalid peer id %q", s)
	}
	return p, nil
}

// writeResult renders a 200 with the JSON result.
func writeResult(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorw("failed to write response", "error", err)
	}
}

// errorBody is the JSON shape of every failure response.
type errorBody struct {
	Kind    string `json:"kind"`
	Context string `json:"context"`
	Partial any    `json:"partial,omitempty"`
}

// writeError renders the failure with its kind and any partial result.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Kind: string(errs.Internal), Context: err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		body.Kind = string(e.Kind)
		body.Partial = e.Partial
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorw("failed to write error response", "error", err)
	}
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	addr, err := pathVar(r, "addr")
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	id, err := s.node.Listen(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, strconv.FormatUint(id, 10))
}

func (s *Server) handleDialSingle(w http.ResponseWriter, r *http.Request) {
	var addr string
	if err := decodeBody(r, &addr); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	if err := s.node.Dial(ctx, addr); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDialMultiple(w http.ResponseWriter, r *http.Request) {
	var addrs []string
	if err := decodeBody(r, &addrs); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 2)
	defer cancel()
	if err := s.node.DialMany(ctx, addrs); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleGetListeners(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	addrs, err := s.node.Listeners(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	writeResult(w, out)
}

func (s *Server) handleGetConnectedPeers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	peers, err := s.node.ConnectedPeers(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	writeResult(w, out)
}

func (s *Server) handleGetNetworkInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	info, err := s.node.NetworkInfo(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, info)
}

func (s *Server) handleRemoveListener(w http.ResponseWriter, r *http.Request) {
	var id uint64
	if err := decodeBody(r, &id); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	removed, err := s.node.RemoveListener(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, removed)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	writeResult(w, []string{s.node.ID().String(), s.node.Label()})
}

func (s *Server) handleStartProvide(w http.ResponseWriter, r *http.Request) {
	var fileHash string
	if err := decodeBody(r, &fileHash); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	if err := s.node.StartProvide(ctx, fileHash); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleStopProvide(w http.ResponseWriter, r *http.Request) {
	var fileHash string
	if err := decodeBody(r, &fileHash); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	if err := s.node.StopProvide(ctx, fileHash); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	var fileHash string
	if err := decodeBody(r, &fileHash); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	providers, err := s.node.Providers(ctx, fileHash)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.String()
	}
	writeResult(w, out)
}

func (s *Server) handleEncodeFile(w http.ResponseWriter, r *http.Request) {
	var body []json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body) != 5 {
		writeError(w, errs.New(errs.BadRequest, "encode-file expects [path, replace, method, k, n]"))
		return
	}
	var (
		path       string
		replace    bool
		methodName string
		k, nShards int
	)
	if err := unmarshalAll(body, &path, &replace, &methodName, &k, &nShards); err != nil {
		writeError(w, err)
		return
	}
	method, err := codec.ParseMethod(methodName)
	if err != nil {
		writeError(w, err)
		return
	}
	fileHash, formatted, err := s.node.EncodeFile(path, replace, method, k, nShards)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, []string{fileHash, formatted})
}

func (s *Server) handleGetBlockFrom(w http.ResponseWriter, r *http.Request) {
	peerStr, err := pathVar(r, "peer")
	if err != nil {
		writeError(w, err)
		return
	}
	fileHash, err := pathVar(r, "file_hash")
	if err != nil {
		writeError(w, err)
		return
	}
	blockHash, err := pathVar(r, "block_hash")
	if err != nil {
		writeError(w, err)
		return
	}
	saveStr, err := pathVar(r, "save")
	if err != nil {
		writeError(w, err)
		return
	}
	save, err := strconv.ParseBool(saveStr)
	if err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, err, "bad save flag %q", saveStr))
		return
	}
	p, err := parsePeer(peerStr)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := s.reqCtx(r, 2)
	defer cancel()
	data, err := s.node.FetchBlockFrom(ctx, p, fileHash, blockHash, save)
	if err != nil {
		writeError(w, err)
		return
	}
	if save {
		writeResult(w, nil)
		return
	}
	writeResult(w, map[string][]int{"block_data": toInts(data)})
}

func (s *Server) handleGetBlocksInfoFrom(w http.ResponseWriter, r *http.Request) {
	peerStr, err := pathVar(r, "peer")
	if err != nil {
		writeError(w, err)
		return
	}
	fileHash, err := pathVar(r, "file_hash")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := parsePeer(peerStr)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 1)
	defer cancel()
	info, err := s.node.BlockInfoFrom(ctx, p, fileHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, info)
}

func (s *Server) handleGetBlockList(w http.ResponseWriter, r *http.Request) {
	fileHash, err := pathVar(r, "file_hash")
	if err != nil {
		writeError(w, err)
		return
	}
	hashes, err := s.node.Store().List(fileHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, hashes)
}

func (s *Server) handleDecodeBlocks(w http.ResponseWriter, r *http.Request) {
	var body []json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body) != 3 {
		writeError(w, errs.New(errs.BadRequest, "decode-blocks expects [block_dir, [block_hash], output_filename]"))
		return
	}
	var (
		blockDir   string
		hashes     []string
		outputName string
	)
	if err := unmarshalAll(body, &blockDir, &hashes, &outputName); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.node.DecodeBlocks(blockDir, hashes, outputName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, out)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileHash, err := pathVar(r, "file_hash")
	if err != nil {
		writeError(w, err)
		return
	}
	outputName, err := pathVar(r, "output_filename")
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 3)
	defer cancel()
	out, err := s.node.GetFile(ctx, fileHash, outputName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, out)
}

func (s *Server) handleSendBlockTo(w http.ResponseWriter, r *http.Request) {
	var body []string
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body) != 3 {
		writeError(w, errs.New(errs.BadRequest, "send-block-to expects [peer, file_hash, block_hash]"))
		return
	}
	p, err := parsePeer(body[0])
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 2)
	defer cancel()
	stored, id, err := s.node.SendBlockTo(ctx, p, body[1], body[2])
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, []any{stored, id})
}

func (s *Server) handleSendBlockList(w http.ResponseWriter, r *http.Request) {
	var body []json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body) != 3 {
		writeError(w, errs.New(errs.BadRequest, "send-block-list expects [strategy, file_hash, [block_hash]]"))
		return
	}
	var (
		strategyName string
		fileHash     string
		hashes       []string
	)
	if err := unmarshalAll(body, &strategyName, &fileHash, &hashes); err != nil {
		writeError(w, err)
		return
	}
	strategy, err := dispersal.ParseStrategy(strategyName)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.reqCtx(r, 3)
	defer cancel()
	placed, err := s.node.SendBlockList(ctx, strategy, fileHash, hashes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, placed)
}

func (s *Server) handleGetAvailableStorage(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.node.Accountant().Available())
}

func (s *Server) handleChangeStorage(w http.ResponseWriter, r *http.Request) {
	var newTotal uint64
	if err := decodeBody(r, &newTotal); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, s.node.Accountant().SetTotal(newTotal))
}

// unmarshalAll decodes a heterogeneous JSON array element by element.
func unmarshalAll(raw []json.RawMessage, targets ...any) error {
	for i, t := range targets {
		if err := json.Unmarshal(raw[i], t); err != nil {
			return errs.Wrap(errs.BadRequest, err, "bad element %d in request body", i)
		}
	}
	return nil
}

func toInts(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}
