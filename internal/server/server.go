// Package server is the HTTP façade over the pipeline: instrument search,
// one-shot chart candles and strategy recommendations.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"marketpipe/internal/logger"
	"marketpipe/internal/orchestrator"
	"marketpipe/internal/strategy"
	"marketpipe/internal/types"
)

type Server struct {
	pipeline *orchestrator.Pipeline
	strategy *strategy.Client
	router   *mux.Router
}

func New(pipeline *orchestrator.Pipeline, strategyClient *strategy.Client) *Server {
	s := &Server{
		pipeline: pipeline,
		strategy: strategyClient,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/instruments/search", s.handleSearch).Methods(http.MethodGet)
	s.router.HandleFunc("/api/charts/candles", s.handleCandles).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stream/status", s.handleStreamStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/strategy", s.handleStrategy).Methods(http.MethodPost)

	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter q is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results := s.pipeline.Resolver().Search(r.Context(), query, limit)
	if results == nil {
		results = []types.InstrumentResolution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// candlesResponse distinguishes "no data" from "error" for consumers so an
// empty series never renders as a silently blank chart.
type candlesResponse struct {
	Status     types.FetchStatus          `json:"status"`
	Instrument types.InstrumentResolution `json:"instrument"`
	Timeframe  string                     `json:"timeframe"`
	Resolution string                     `json:"resolution"`
	Candles    types.Series               `json:"candles"`
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter q is required"))
		return
	}

	timeframe := types.Timeframe1D
	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		parsed, err := types.ParseTimeframe(tf)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		timeframe = parsed
	}

	resolution := types.Resolution{Unit: "minutes", Interval: 1}
	if res := r.URL.Query().Get("resolution"); res != "" {
		parsed, err := types.ParseResolution(res)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		resolution = parsed
	}

	instrument, result, err := s.pipeline.FetchSeries(r.Context(), query, timeframe, resolution)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInstrumentNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("instrument not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	if result.Status == types.FetchError {
		writeJSON(w, http.StatusBadGateway, errorBody("upstream fetch failed"))
		return
	}

	candles := result.Candles
	if candles == nil {
		candles = types.Series{}
	}
	writeJSON(w, http.StatusOK, candlesResponse{
		Status:     result.Status,
		Instrument: instrument,
		Timeframe:  string(timeframe),
		Resolution: resolution.String(),
		Candles:    candles,
	})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.pipeline.StreamState())})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query       string `json:"query"`
		HorizonDays int    `json:"horizonDays"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("body must contain a query"))
		return
	}

	instrument, ok := s.pipeline.Resolver().Resolve(r.Context(), req.Query)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("instrument not found"))
		return
	}

	rec, err := s.strategy.Recommend(r.Context(), strategy.Request{
		InstrumentKey: instrument.InstrumentKey,
		HorizonDays:   req.HorizonDays,
	})
	if err != nil {
		logger.ErrorWithErr(r.Context(), "Strategy recommendation failed", err,
			"instrument_key", instrument.InstrumentKey)
		writeJSON(w, http.StatusBadGateway, errorBody("strategy service unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"status": "error", "message": msg}
}
