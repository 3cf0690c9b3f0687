// Command zoomgrid-serve serves document tiles over HTTP.
//
// Tiles are addressed by page, raw scale, and grid position; the raw
// scale is quantized to the engine's tier ladder, so nearby scales hit
// the same cached tiles. Gestures, render mode, and diagnostics are
// exposed as JSON endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/zoomgrid/zoomgrid"
	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/compose"
	"github.com/zoomgrid/zoomgrid/document"
	"github.com/zoomgrid/zoomgrid/document/pdfdoc"
	"github.com/zoomgrid/zoomgrid/document/staticdoc"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/telemetry"
	"github.com/zoomgrid/zoomgrid/telemetry/eventdb"
	"github.com/zoomgrid/zoomgrid/tilecache"
)

func main() {
	var (
		addr       = flag.String("addr", ":8090", "listen address")
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		docPath    = flag.String("doc", "", "PDF document to serve (synthetic pages when empty)")
		pages      = flag.Int("pages", 8, "page count of the synthetic document")
		watch      = flag.Bool("watch", false, "reload the document when the file changes")
		eventsPath = flag.String("events", "", "SQLite file for telemetry events (disabled when empty)")
		eventsTTL  = flag.Duration("events-retention", 0, "delete telemetry events older than this (0 keeps everything)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	zoomgrid.SetLogger(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := zoomgrid.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = zoomgrid.LoadConfig(*configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}

	doc, err := loadDocument(*docPath, *pages)
	if err != nil {
		slog.Error("open document", "error", err)
		os.Exit(1)
	}

	opts := []zoomgrid.EngineOption{zoomgrid.WithConfig(cfg)}

	// Optional persistent telemetry.
	var store *eventdb.Store
	if *eventsPath != "" {
		store, err = eventdb.Open(*eventsPath)
		if err != nil {
			slog.Error("event store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, zoomgrid.WithSink(store))
	}

	eng, err := zoomgrid.New(doc, opts...)
	if err != nil {
		slog.Error("engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	if *watch {
		if *docPath == "" {
			slog.Warn("-watch needs -doc, ignoring")
		} else if err := watchDocument(ctx, *docPath, eng); err != nil {
			slog.Error("watch document", "error", err)
			os.Exit(1)
		}
	}

	if store != nil && *eventsTTL > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := store.Cleanup(ctx, *eventsTTL); err != nil {
						slog.Warn("event cleanup", "error", err)
					} else if n > 0 {
						slog.Info("event cleanup", "removed", n)
					}
				}
			}
		}()
	}

	// Router.
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/document", func(w http.ResponseWriter, _ *http.Request) {
		doc := eng.Document()
		sizes := make([]map[string]float64, 0, doc.PageCount())
		for i := range doc.PageCount() {
			size, err := doc.PageSize(i)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			sizes = append(sizes, map[string]float64{"width": size.Width, "height": size.Height})
		}
		writeJSON(w, 200, map[string]any{
			"name":  doc.Name(),
			"pages": doc.PageCount(),
			"sizes": sizes,
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, eng.Snapshot())
	})

	r.Get("/tiles/{page}/{scale}/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		page, err1 := strconv.Atoi(chi.URLParam(r, "page"))
		x, err2 := strconv.Atoi(chi.URLParam(r, "x"))
		y, err3 := strconv.Atoi(chi.URLParam(r, "y"))
		rawScale, err4 := strconv.ParseFloat(chi.URLParam(r, "scale"), 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			writeError(w, 400, fmt.Errorf("tile coordinates must be numeric"))
			return
		}
		if page < 0 || page >= eng.Document().PageCount() {
			writeError(w, 404, fmt.Errorf("page %d out of range", page))
			return
		}
		data, pl, err := eng.FetchTier(r.Context(), page, x, y, rawScale)
		if err != nil {
			switch {
			case errors.Is(err, compose.ErrClosed):
				writeError(w, 503, err)
			case errors.Is(err, document.ErrPageOutOfRange):
				writeError(w, 404, err)
			default:
				writeError(w, 500, err)
			}
			return
		}
		// ?stretch=1 bakes the residual scale factor into the pixels for
		// clients that cannot scale tiles themselves.
		if r.URL.Query().Get("stretch") == "1" && pl.CSSStretch != 1 {
			dstW := int(math.Round(float64(data.Width) * pl.CSSStretch))
			dstH := int(math.Round(float64(data.Height) * pl.CSSStretch))
			data, err = compose.StretchTile(data, dstW, dstH)
			if err != nil {
				writeError(w, 500, err)
				return
			}
		}
		w.Header().Set("X-Scale-Tier", strconv.FormatFloat(pl.Tile.ScaleTier, 'f', -1, 64))
		w.Header().Set("X-Css-Stretch", strconv.FormatFloat(pl.CSSStretch, 'f', -1, 64))
		if pl.FromCache {
			w.Header().Set("X-From-Cache", "1")
		}
		if pl.Fallback {
			w.Header().Set("X-Fallback", "1")
		}
		writePNG(w, data)
	})

	r.Post("/gestures/zoom", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Zoom      float64 `json:"zoom"`
			FocalX    float64 `json:"focal_x"`
			FocalY    float64 `json:"focal_y"`
			Page      int     `json:"page"`
			ViewportW float64 `json:"viewport_w"`
			ViewportH float64 `json:"viewport_h"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if req.Zoom <= 0 {
			writeError(w, 400, fmt.Errorf("zoom must be > 0"))
			return
		}
		eng.ZoomGesture(req.Zoom, camera.Pt(req.FocalX, req.FocalY), req.Page, viewport(req.ViewportW, req.ViewportH))
		writeJSON(w, 200, viewSummary(eng))
	})

	r.Post("/gestures/pan", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DX        float64 `json:"dx"`
			DY        float64 `json:"dy"`
			Page      int     `json:"page"`
			ViewportW float64 `json:"viewport_w"`
			ViewportH float64 `json:"viewport_h"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		eng.PanGesture(req.DX, req.DY, req.Page, viewport(req.ViewportW, req.ViewportH))
		writeJSON(w, 200, viewSummary(eng))
	})

	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Page      int     `json:"page"`
			ViewportW float64 `json:"viewport_w"`
			ViewportH float64 `json:"viewport_h"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		n := eng.Refresh(req.Page, viewport(req.ViewportW, req.ViewportH))
		writeJSON(w, 200, map[string]int{"scheduled": n})
	})

	r.Put("/mode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		var m render.Mode
		switch req.Mode {
		case "full":
			m = render.ModeFull
		case "draft":
			m = render.ModeDraft
		default:
			writeError(w, 400, fmt.Errorf("unknown mode %q", req.Mode))
			return
		}
		eng.SetRenderMode(m)
		writeJSON(w, 200, map[string]string{"mode": m.String()})
	})

	r.Post("/reset", func(w http.ResponseWriter, _ *http.Request) {
		eng.Reset()
		writeJSON(w, 200, map[string]string{"status": "reset"})
	})

	if store != nil {
		r.Route("/events", func(r chi.Router) {
			r.Get("/tiles", func(w http.ResponseWriter, r *http.Request) {
				kind := telemetry.Kind(r.URL.Query().Get("kind"))
				events, err := store.RecentTileEvents(kind, queryInt(r, "limit", 100))
				if err != nil {
					writeError(w, 500, err)
					return
				}
				writeJSON(w, 200, events)
			})
			r.Get("/phases", func(w http.ResponseWriter, r *http.Request) {
				events, err := store.RecentPhaseEvents(queryInt(r, "limit", 100))
				if err != nil {
					writeError(w, 500, err)
					return
				}
				writeJSON(w, 200, events)
			})
			r.Get("/counts", func(w http.ResponseWriter, _ *http.Request) {
				counts, err := store.KindCounts()
				if err != nil {
					writeError(w, 500, err)
					return
				}
				writeJSON(w, 200, counts)
			})
		})
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr, "document", doc.Name(), "pages", doc.PageCount())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Document loading ---

// loadDocument opens the document to serve. An empty path yields a
// synthetic document, which is enough to exercise the full pipeline.
func loadDocument(path string, pages int) (document.Document, error) {
	if path == "" {
		return staticdoc.New(pages, staticdoc.WithName("synthetic")), nil
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".pdf" {
		return nil, fmt.Errorf("unsupported document type %q, want .pdf", ext)
	}
	return pdfdoc.Open(path)
}

// watchDocument reloads path into eng whenever the file changes on disk.
// Editors often replace files instead of writing in place, so the parent
// directory is watched and events are debounced before reloading.
func watchDocument(ctx context.Context, path string, eng *zoomgrid.Engine) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		debounceDelay := 250 * time.Millisecond
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					doc, err := pdfdoc.Open(abs)
					if err != nil {
						slog.Warn("document reload failed, keeping previous", "path", abs, "error", err)
						return
					}
					eng.SetDocument(doc)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("document watcher", "error", err)
			}
		}
	}()

	slog.Info("watching document", "path", abs)
	return nil
}

// --- Helpers ---

func writePNG(w http.ResponseWriter, data tilecache.Data) {
	w.Header().Set("Content-Type", "image/png")
	if data.Format == tilecache.FormatEncoded {
		_, _ = w.Write(data.Encoded)
		return
	}
	img := &image.RGBA{
		Pix:    data.Pixels,
		Stride: data.Width * 4,
		Rect:   image.Rect(0, 0, data.Width, data.Height),
	}
	if err := png.Encode(w, img); err != nil {
		slog.Debug("png encode", "error", err)
	}
}

func viewport(w, h float64) camera.Viewport {
	if w <= 0 || h <= 0 {
		return camera.Viewport{W: 1024, H: 768}
	}
	return camera.Viewport{W: w, H: h}
}

func viewSummary(eng *zoomgrid.Engine) map[string]any {
	snap := eng.Snapshot()
	return map[string]any{
		"epoch": snap.Epoch,
		"phase": snap.Phase,
		"zoom":  snap.Zoom,
		"scale": snap.Scale,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
