// Package handler exposes the grading pipeline and journal merge over a
// small JSON/file HTTP API. The interactive front end lives elsewhere;
// this is the surface it talks to.
package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/gradehub/internal/bank"
	"github.com/pavelanni/gradehub/internal/engine"
	"github.com/pavelanni/gradehub/internal/i18n"
	"github.com/pavelanni/gradehub/internal/journal"
	"github.com/pavelanni/gradehub/internal/model"
	"github.com/pavelanni/gradehub/internal/sink"
	"github.com/pavelanni/gradehub/internal/store"
	"github.com/pavelanni/gradehub/internal/submission"
)

const maxUploadBytes = 32 << 20

// Config holds handler settings fixed at startup.
type Config struct {
	// ModelName is recorded on every stored run.
	ModelName string
	// OutDir receives merged journal copies.
	OutDir string
	// PasswordHash is the bcrypt hash of the API password.
	PasswordHash []byte
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	engine *engine.Engine
	sink   *sink.Sink
	config Config

	mu   sync.RWMutex
	bank *bank.Snapshot
}

// New creates a new Handler.
func New(st *store.Store, eng *engine.Engine, snap *bank.Snapshot, snk *sink.Sink, cfg Config) (*Handler, error) {
	if len(cfg.PasswordHash) == 0 {
		return nil, fmt.Errorf("API password hash is required")
	}
	return &Handler{store: st, engine: eng, sink: snk, config: cfg, bank: snap}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/api/logout", h.handleLogout)
		r.Get("/api/bank", h.handleBank)
		r.Post("/api/bank/reload", h.handleBankReload)
		r.Post("/api/grade", h.handleGrade)
		r.Post("/api/merge", h.handleMerge)
		r.Get("/api/runs", h.handleRuns)
		r.Get("/api/runs/{runID}", h.handleRun)
		r.Get("/api/runs/{runID}/archive", h.handleRunArchive)
	})
}

func (h *Handler) currentBank() *bank.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bank
}

func (h *Handler) handleBank(w http.ResponseWriter, r *http.Request) {
	snap := h.currentBank()
	discipline := r.URL.Query().Get("discipline")
	lecture := r.URL.Query().Get("lecture")

	switch {
	case discipline != "" && lecture != "":
		writeJSON(w, http.StatusOK, map[string]any{
			"items": snap.Select(discipline, lecture),
		})
	case discipline != "":
		writeJSON(w, http.StatusOK, map[string]any{
			"lectures": snap.Lectures(discipline),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"disciplines": snap.Disciplines(),
			"loaded_at":   snap.LoadedAt(),
		})
	}
}

func (h *Handler) handleBankReload(w http.ResponseWriter, r *http.Request) {
	fresh, err := h.currentBank().Reload()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.mu.Lock()
	h.bank = fresh
	h.mu.Unlock()

	slog.Info("reference bank reloaded", "items", len(fresh.Items()))
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     len(fresh.Items()),
		"loaded_at": fresh.LoadedAt(),
	})
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	discipline := r.FormValue("discipline")
	lecture := r.FormValue("lecture")
	if discipline == "" || !model.ValidLectureID(lecture) {
		http.Error(w, "discipline and lecture (LecNN) form fields are required", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("submission")
	if err != nil {
		http.Error(w, "submission file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	items := h.currentBank().Select(discipline, lecture)
	rows, err := submission.Parse(file, len(items), submission.Options{})
	if err != nil {
		var schemaErr *submission.SchemaError
		if errors.As(err, &schemaErr) {
			http.Error(w, schemaErr.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	aggregates, records := h.engine.GradeAll(r.Context(), rows, items)

	artifacts, err := h.sink.Write(aggregates, records, discipline, lecture, now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.FormValue("bundle") == "1" {
		if _, err := h.sink.Bundle(artifacts); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	runID, err := h.store.CreateRun(model.Run{
		Discipline:   discipline,
		LectureID:    lecture,
		Model:        h.config.ModelName,
		NumQuestions: len(items),
		CreatedAt:    now,
	}, aggregates, records)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("graded submission upload",
		"run_id", runID, "discipline", discipline, "lecture", lecture,
		"rows", len(rows), "questions", len(items))

	message := i18n.Td(r.Context(), "GradedSubmissions", map[string]any{
		"Rows":      len(rows),
		"Questions": len(items),
	})
	message += " " + i18n.Td(r.Context(), "ResultsSaved", map[string]any{
		"Path": artifacts.ResultsPath,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"artifacts":  artifacts,
		"aggregates": aggregates,
		"message":    message,
	})
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	runID, err := strconv.ParseInt(r.FormValue("run_id"), 10, 64)
	if err != nil {
		http.Error(w, "run_id form field is required", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetRun(runID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scores, err := h.store.ScoresForRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	lecture, err := model.LectureNumber(run.LectureID)
	if raw := r.FormValue("lecture"); raw != "" {
		lecture, err = strconv.Atoi(raw)
	}
	if err != nil {
		http.Error(w, "cannot determine lecture number: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("journal")
	if err != nil {
		http.Error(w, "journal file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	wb, err := excelize.OpenReader(file)
	if err != nil {
		http.Error(w, "open journal workbook: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	defer wb.Close()

	res, err := journal.Merge(wb, scores, lecture)
	if err != nil {
		var capErr *journal.CapacityError
		if errors.As(err, &capErr) {
			http.Error(w, capErr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	outPath := filepath.Join(h.config.OutDir,
		fmt.Sprintf("updated_journal_%s_lec%d.xlsx", sink.SafeName(run.Discipline), lecture))
	if err := wb.SaveAs(outPath); err != nil {
		http.Error(w, "save merged journal: "+err.Error(), http.StatusInternalServerError)
		return
	}

	message := i18n.Tp(r.Context(), "UpdatedRecords", res.Updated)
	if len(res.Unmatched) > 0 {
		message += " " + i18n.Tp(r.Context(), "UnmatchedStudents", len(res.Unmatched))
	} else {
		message += " " + i18n.T(r.Context(), "AllStudentsFound")
	}

	slog.Info("merged run into journal",
		"run_id", runID, "lecture", lecture,
		"updated", res.Updated, "unmatched", len(res.Unmatched))

	writeJSON(w, http.StatusOK, map[string]any{
		"updated":      res.Updated,
		"unmatched":    res.Unmatched,
		"journal_path": outPath,
		"message":      message,
	})
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run ID", http.StatusBadRequest)
		return
	}
	view, err := h.store.GetRunView(runID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRunArchive rebuilds a stored run's artifacts and serves the zip
// bundle. Artifact names are deterministic in (discipline, lecture,
// created_at), so repeated downloads overwrite the same files.
func (h *Handler) handleRunArchive(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run ID", http.StatusBadRequest)
		return
	}
	view, err := h.store.GetRunView(runID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	artifacts, err := h.sink.Write(view.Aggregates, view.Records, view.Run.Discipline, view.Run.LectureID, view.Run.CreatedAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	bundlePath, err := h.sink.Bundle(artifacts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(bundlePath))
	http.ServeFile(w, r, bundlePath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
