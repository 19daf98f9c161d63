// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"suprema/gateway/ratelimit"
	"suprema/gateway/shared/logger"
)

const serviceVersion = "3.0.0"

// Server is the HTTP surface of the gateway. All state is owned here
// and injected at construction; there are no package-level singletons.
type Server struct {
	cfg      Config
	sessions *SessionRegistry
	engine   *ratelimit.Engine
	data     *DataStore
	router   *mux.Router
	log      *logger.Logger
	metrics  *RuntimeMetrics

	// optional audit queue counters for the /metrics payload
	auditStats func() map[string]interface{}
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the successful login payload.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// DataInfo describes the shape of a dataset result.
type DataInfo struct {
	ColumnsCount       int      `json:"columns_count"`
	ProblematicColumns []string `json:"problematic_columns"`
	OriginalRowCount   int      `json:"original_row_count"`
}

// TableResponse is the success envelope of the dataset endpoints.
type TableResponse struct {
	Success       bool                     `json:"success"`
	Table         string                   `json:"table"`
	Data          []map[string]interface{} `json:"data"`
	Count         int                      `json:"count"`
	ExecutionTime float64                  `json:"execution_time"`
	Timestamp     string                   `json:"timestamp"`
	StrategyUsed  string                   `json:"strategy_used"`
	DataInfo      DataInfo                 `json:"data_info"`
}

// TableError is the failure envelope of the dataset endpoints.
type TableError struct {
	Success       bool    `json:"success"`
	Error         string  `json:"error"`
	Details       string  `json:"details"`
	ExecutionTime float64 `json:"execution_time"`
}

// NewServer wires the HTTP routes over the injected collaborators.
func NewServer(cfg Config, sessions *SessionRegistry, engine *ratelimit.Engine, data *DataStore) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		data:     data,
		log:      logger.New("api"),
		metrics:  NewRuntimeMetrics(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.rootHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/login", s.loginHandler).Methods("POST")
	r.HandleFunc("/logout", s.logoutHandler).Methods("POST")
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")
	for _, d := range Datasets {
		r.HandleFunc(d.Path, s.datasetHandler(d)).Methods("GET")
	}
	r.Use(s.instrument, s.gate)

	s.router = r
	return s
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	endpoints := make([]string, 0, len(Datasets))
	for _, d := range Datasets {
		endpoints = append(endpoints, d.Path)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Suprema - Logistics API",
		"status":  "online",
		"version": serviceVersion,
		"authentication": map[string]interface{}{
			"required":       true,
			"login_endpoint": "/login",
			"token_type":     "Bearer",
		},
		"rate_limits": map[string]interface{}{
			"backing_store": "redis",
			"policies":      "policy database",
			"logs":          "policy database",
		},
		"endpoints": endpoints,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithDeadline(r, s.cfg.DBConnTimeout)
	defer cancel()
	if err := s.data.Ping(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, session, err := s.sessions.Login(req.Username, req.Password)
	if err != nil {
		s.log.Warn(req.Username, "/login", "login rejected", nil)
		writeDetail(w, http.StatusUnauthorized, ErrBadCredentials.Error())
		return
	}

	s.log.Info(session.Username, "/login", "session created",
		map[string]interface{}{"role": session.Role, "expires_at": session.ExpiresAt.UTC().Format(time.RFC3339)})
	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Role:        session.Role,
		ExpiresAt:   session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		s.sessions.Logout(token)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// datasetHandler serves one registered table. The gate middleware has
// already authenticated the caller and applied the rate limit.
func (s *Server) datasetHandler(d Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		limit := queryInt(r, "limit", 0)
		offset := queryInt(r, "offset", 0)
		statusFilter := r.URL.Query().Get("status_filter")

		ctx, cancel := contextWithDeadline(r, s.cfg.DBConnTimeout)
		defer cancel()

		records, columnCount, err := s.data.QueryTable(ctx, d.Table, limit, offset, statusFilter)
		execTime := time.Since(start).Seconds()
		if err != nil {
			s.metrics.RecordFailure()
			sess, _ := sessionFrom(r.Context())
			s.log.Error(sess.Username, d.Path, "table query failed",
				map[string]interface{}{"table": d.Table, "error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, TableError{
				Success:       false,
				Error:         "query failed",
				Details:       err.Error(),
				ExecutionTime: execTime,
			})
			return
		}

		s.metrics.RecordSuccess(time.Since(start))
		writeJSON(w, http.StatusOK, TableResponse{
			Success:       true,
			Table:         d.Table,
			Data:          records,
			Count:         len(records),
			ExecutionTime: execTime,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			StrategyUsed:  "robust_cleaning",
			DataInfo: DataInfo{
				ColumnsCount:       columnCount,
				ProblematicColumns: []string{},
				OriginalRowCount:   len(records),
			},
		})
	}
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeDetail mirrors the {"detail": ...} error shape clients already
// depend on.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func detailForAuthError(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	default:
		return "invalid or expired token"
	}
}
