package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-brain/core/internal/config"
	"github.com/agent-brain/core/internal/queue"
	"github.com/agent-brain/core/internal/search"
	"github.com/agent-brain/core/internal/store"
)

// runtimeDescriptor is the server descriptor clients read from
// <dataDir>/runtime.json; the Core does not consume it itself.
type runtimeDescriptor struct {
	BaseURL   string    `json:"base_url"`
	Port      int       `json:"port"`
	BindHost  string    `json:"bind_host"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Foreground bool     `json:"foreground"`
}

func newServeCmd() *cobra.Command {
	var bindHost string
	var port int
	var foreground bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query/index API for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := projectRootFlag(cmd)
			cfg := config.NewConfig()

			a, err := buildApp(cmd.Context(), cfg, target)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			go func() { _ = a.queue.Run(ctx) }()

			listener, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(port)))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			actualPort := listener.Addr().(*net.TCPAddr).Port

			descriptor := runtimeDescriptor{
				BaseURL:    fmt.Sprintf("http://%s:%d", bindHost, actualPort),
				Port:       actualPort,
				BindHost:   bindHost,
				PID:        os.Getpid(),
				StartedAt:  time.Now(),
				Foreground: foreground,
			}
			if err := writeRuntimeDescriptor(a.dataDir, descriptor); err != nil {
				return fmt.Errorf("write runtime descriptor: %w", err)
			}

			mux := http.NewServeMux()
			mux.HandleFunc("GET /search", searchHandler(a))
			mux.HandleFunc("POST /index", indexHandler(a))
			mux.HandleFunc("GET /jobs/{id}", jobStatusHandler(a))

			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", descriptor.BaseURL)
			server := &http.Server{Handler: mux}
			return server.Serve(listener)
		},
	}

	cmd.Flags().StringVar(&bindHost, "bind", "127.0.0.1", "address to bind the HTTP listener to")
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (0 = OS-assigned)")
	cmd.Flags().BoolVar(&foreground, "foreground", true, "recorded in the runtime descriptor for client discovery")

	return cmd
}

func writeRuntimeDescriptor(dataDir string, d runtimeDescriptor) error {
	f, err := os.Create(filepath.Join(dataDir, "runtime.json"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

func searchHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			http.Error(w, "missing query parameter q", http.StatusBadRequest)
			return
		}
		mode := search.RetrievalMode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = search.ModeHybrid
		}
		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}

		filter := store.QueryFilter{
			SourceType: store.ContentType(r.URL.Query().Get("source_type")),
			Language:   r.URL.Query().Get("language"),
			PathGlob:   r.URL.Query().Get("path"),
		}
		if v := r.URL.Query().Get("min_score"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				filter.MinScore = f
			}
		}

		results, err := a.modeEngine.Search(r.Context(), query, mode, limit, filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func indexHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queue.JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Path == "" {
			req.Path = a.projectRoot
		}

		result, err := a.queue.Enqueue(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

func jobStatusHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		snap := a.queue.Status()
		if snap.Running != nil && snap.Running.ID == id {
			writeJSON(w, http.StatusOK, snap.Running)
			return
		}
		for _, rec := range snap.Recent {
			if rec.ID == id {
				writeJSON(w, http.StatusOK, rec)
				return
			}
		}
		http.Error(w, "job not found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
