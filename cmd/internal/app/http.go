package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"chatsync/cmd/internal/session"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusView is the JSON body of /status.
type statusView struct {
	Identity       string `json:"identity"`
	State          string `json:"state"`
	Reconciler     string `json:"reconciler"`
	Revision       string `json:"revision,omitempty"`
	DecodeFailures int    `json:"decode_failures"`
	Stalled        bool   `json:"stalled"`
}

func registerHTTP(mux *http.ServeMux, log *slog.Logger, s *session.Session, identity string, dbPool *pgxpool.Pool) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Status(r.Context())
		if err != nil {
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			log.Info("readyz.session.not_ready", "err", err)
			return
		}
		if st.State == session.StateDestroyed || st.State == session.StateDestroyedWithDataClear {
			http.Error(w, "session destroyed", http.StatusServiceUnavailable)
			return
		}
		if st.Stalled {
			http.Error(w, "sync stalled", http.StatusServiceUnavailable)
			log.Info("readyz.sync.stalled", "decode_failures", st.DecodeFailures)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st, err := s.Status(r.Context())
		if err != nil {
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, statusView{
			Identity:       identity,
			State:          st.State.String(),
			Reconciler:     st.Reconciler.String(),
			Revision:       st.Revision,
			DecodeFailures: st.DecodeFailures,
			Stalled:        st.Stalled,
		})
	})

	mux.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) adminServer(s *session.Session) *http.Server {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, s, a.Identity().String(), a.pool)

	return &http.Server{
		Addr:              a.cfg.AdminAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log.With("component", "admin")),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    1 << 20,
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
