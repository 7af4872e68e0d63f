package ingestd

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/ingest"
	"github.com/resonance-network/chronicled/pkg/utils"
)

// SetupServer builds the read API. All ledger reads go straight to storage;
// only the engine status snapshot comes from memory.
func (a *App) SetupServer() {
	addr := utils.Env("HTTP_ADDR", ":3000")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/v1/chains", a.handleChains).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/status", a.handleStatus).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/blocks/{number}", a.handleBlock).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/balance/{account}", a.handleBalance).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/accounts/{account}", a.handleAccount).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/accounts/{account}/changes", a.handleChanges).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/accounts/top", a.handleTopAccounts).Methods("GET")
	r.HandleFunc("/v1/chains/{chain}/runtime-versions", a.handleRuntimeVersions).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

func (a *App) chain(w http.ResponseWriter, r *http.Request) (*Chain, bool) {
	id := mux.Vars(r)["chain"]
	ch, ok := a.Chains.Load(id)
	if !ok {
		utils.JSONError(w, http.StatusNotFound, "unknown chain")
		return nil, false
	}
	return ch, true
}

// account path segments are hex, with or without the 0x prefix.
func parseAccount(raw string) ([]byte, bool) {
	account, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(account) == 0 {
		return nil, false
	}
	return account, true
}

func (a *App) handleChains(w http.ResponseWriter, r *http.Request) {
	type chainInfo struct {
		ID       string        `json:"id"`
		Endpoint string        `json:"endpoint"`
		Engine   ingest.Status `json:"engine"`
	}
	out := make([]chainInfo, 0)
	a.Chains.Range(func(_ string, ch *Chain) bool {
		out = append(out, chainInfo{ID: ch.ID, Endpoint: ch.Endpoint, Engine: ch.Engine.Status()})
		return true
	})
	utils.JSON(w, http.StatusOK, out)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}

	progress, err := ch.DB.GetOrCreateProgress(r.Context())
	if err != nil {
		a.Logger.Error("Status query failed", zap.String("chain", ch.ID), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	stats, err := ch.DB.TableStats(r.Context())
	if err != nil {
		a.Logger.Error("Table stats failed", zap.String("chain", ch.ID), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	out := map[string]any{
		"chain":    ch.ID,
		"engine":   ch.Engine.Status(),
		"progress": progress,
		"tables":   stats,
	}
	if tip, err := ch.DB.LatestCanonicalBlock(r.Context()); err == nil && tip != nil {
		out["tip"] = map[string]any{"number": tip.Number, "hash": tip.HashHex()}
	}
	utils.JSON(w, http.StatusOK, out)
}

// handleBlock resolves the path segment as a height, or as a block hash when
// it is not a decimal number.
func (a *App) handleBlock(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}
	raw := mux.Vars(r)["number"]

	var block *models.Block
	var err error
	if number, perr := strconv.ParseInt(raw, 10, 64); perr == nil && number >= 0 {
		block, err = ch.DB.GetBlock(r.Context(), number)
	} else if hash, hok := parseAccount(raw); hok && len(hash) == 32 {
		block, err = ch.DB.GetBlockByHash(r.Context(), hash)
	} else {
		utils.JSONError(w, http.StatusBadRequest, "invalid block number or hash")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if block == nil {
		utils.JSONError(w, http.StatusNotFound, "block not indexed")
		return
	}
	changes, err := ch.DB.ChangesByBlock(r.Context(), block.Number)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	utils.JSON(w, http.StatusOK, map[string]any{
		"block":           block,
		"hash":            block.HashHex(),
		"parent_hash":     block.ParentHashHex(),
		"balance_changes": changes,
	})
}

// handleBalance answers point-in-time balance queries. The optional height
// query parameter defaults to the latest committed block.
func (a *App) handleBalance(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}
	account, ok := parseAccount(mux.Vars(r)["account"])
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid account")
		return
	}

	height := ch.Engine.Status().LatestBlock
	if raw := r.URL.Query().Get("height"); raw != "" {
		h, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || h < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid height")
			return
		}
		height = h
	}

	balance, err := ch.DB.BalanceAt(r.Context(), account, height)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	utils.JSON(w, http.StatusOK, map[string]any{
		"account": hex.EncodeToString(account),
		"height":  height,
		"balance": balance,
	})
}

// handleAccount serves the aggregated per-account view. The stats table is
// rebuilt by the maintenance scheduler, so the numbers can trail the cursor
// by up to one refresh interval.
func (a *App) handleAccount(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}
	account, ok := parseAccount(mux.Vars(r)["account"])
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid account")
		return
	}

	stats, err := ch.DB.AccountStatsFor(r.Context(), account)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if stats == nil {
		utils.JSONError(w, http.StatusNotFound, "account not seen")
		return
	}
	utils.JSON(w, http.StatusOK, stats)
}

func (a *App) handleChanges(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}
	account, ok := parseAccount(mux.Vars(r)["account"])
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid account")
		return
	}

	limit := utils.QueryInt64(r, "limit", 100, 1, 1000)
	offset := utils.QueryInt64(r, "offset", 0, 0, 1<<31)

	changes, err := ch.DB.ChangesByAccount(r.Context(), account, limit, offset)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	utils.JSON(w, http.StatusOK, changes)
}

func (a *App) handleTopAccounts(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}
	limit := utils.QueryInt64(r, "limit", 50, 1, 500)

	accounts, err := ch.DB.TopAccounts(r.Context(), limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	utils.JSON(w, http.StatusOK, accounts)
}

func (a *App) handleRuntimeVersions(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.chain(w, r)
	if !ok {
		return
	}
	versions, err := ch.DB.RuntimeVersions(r.Context())
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	utils.JSON(w, http.StatusOK, versions)
}
