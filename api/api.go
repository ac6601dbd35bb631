package api

// http接口：查看检查点和运行状态、在后台触发一次运行、按经纬度半径查询犯罪记录

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/engine"
	"github.com/dszqbsm/policedata/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// 每次运行新建一个引擎
type EngineFunc func() (*engine.Engine, error)

type Server struct {
	store  storage.Store
	source string
	newEng EngineFunc
	router *chi.Mux

	mu      sync.Mutex
	running bool
	current *engine.Engine
	report  *engine.Report
	done    chan struct{}

	options
}

/*
输入数仓、检查点名字、引擎工厂和配置选项，输出Server

引擎工厂为nil时不提供POST /runs
*/
func New(store storage.Store, source string, newEng EngineFunc, opts ...Option) *Server {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	s := &Server{store: store, source: source, newEng: newEng, options: options}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.Get("/", s.handleRoot)
	r.Get("/status", s.handleStatus)
	r.With(s.requireToken).Post("/runs", s.handleStartRun)
	r.Get("/runs/current", s.handleCurrentRun)
	r.Get("/crimes", s.handleCrimes)
	r.Get("/crimes/", s.handleCrimes)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("receive request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Police Data API!"})
}

type statusResponse struct {
	Source     string              `json:"source"`
	Checkpoint *storage.Checkpoint `json:"checkpoint"`
	Running    bool                `json:"running"`
	Metrics    map[string]int64    `json:"metrics,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cp, ok, err := s.store.Checkpoint(r.Context(), s.source)
	if err != nil {
		s.logger.Error("read checkpoint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{Source: s.source}
	if ok {
		resp.Checkpoint = &cp
	}
	s.mu.Lock()
	resp.Running = s.running
	if s.current != nil {
		resp.Metrics = s.current.Counters().Snapshot()
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

/*
输入context，输出错误

在后台启动一次运行，已有运行未结束时返回ErrRunActive；运行使用ctx，ctx结束时运行被取消并落地已抽取的记录
*/
func (s *Server) StartRun(ctx context.Context) error {
	if s.newEng == nil {
		return ErrNoEngine
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunActive
	}
	e, err := s.newEng()
	if err != nil {
		return err
	}
	s.running = true
	s.current = e
	s.done = make(chan struct{})
	go s.run(ctx, e, s.done)
	return nil
}

func (s *Server) run(ctx context.Context, e *engine.Engine, done chan struct{}) {
	defer close(done)
	rep, err := e.Run(ctx)
	if err != nil {
		s.logger.Error("run failed", zap.Error(err))
	}
	s.mu.Lock()
	s.running = false
	s.report = rep
	s.mu.Unlock()
}

// 等待当前运行结束，没有运行时立即返回
func (s *Server) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

var (
	ErrRunActive = errors.New("a run is already active")
	ErrNoEngine  = errors.New("runs are not enabled")
)

func (s *Server) handleStartRun(w http.ResponseWriter, _ *http.Request) {
	// 运行不能跟随请求的context结束
	err := s.StartRun(s.baseCtx)
	switch {
	case errors.Is(err, ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoEngine):
		writeError(w, http.StatusNotImplemented, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

type runResponse struct {
	Running bool             `json:"running"`
	Report  *engine.Report   `json:"report,omitempty"`
	Metrics map[string]int64 `json:"metrics,omitempty"`
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		Running: s.running,
		Report:  s.report,
		Metrics: s.current.Counters().Snapshot(),
	})
}

func parseFloat(r *http.Request, name string, def *float64) (float64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		if def != nil {
			return *def, true
		}
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func (s *Server) handleCrimes(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.store.(storage.RadiusSearcher)
	if !ok {
		writeError(w, http.StatusNotImplemented, storage.ErrRadiusUnsupported.Error())
		return
	}
	lon, ok := parseFloat(r, "longitude", nil)
	if !ok || lon < -180 || lon > 180 {
		writeError(w, http.StatusBadRequest, "longitude must be a number in [-180, 180]")
		return
	}
	lat, ok := parseFloat(r, "latitude", nil)
	if !ok || lat < -90 || lat > 90 {
		writeError(w, http.StatusBadRequest, "latitude must be a number in [-90, 90]")
		return
	}
	radius, ok := parseFloat(r, "radius", &s.defaultRadius)
	if !ok || radius <= 0 {
		writeError(w, http.StatusBadRequest, "radius must be greater than 0")
		return
	}

	rows, err := rs.Nearby(r.Context(), lon, lat, radius, s.nearbyLimit)
	if errors.Is(err, storage.ErrRadiusUnsupported) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("nearby query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "No crimes found in the given area.")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
