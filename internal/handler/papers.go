package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pavelanni/examforge/internal/export"
	"github.com/pavelanni/examforge/internal/extraction"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
)

type paperResponse struct {
	Paper     *model.Paper           `json:"paper"`
	Questions []model.QuestionRecord `json:"questions"`
	Run       *runView               `json:"run,omitempty"`
	Runs      []*runView             `json:"runs,omitempty"`
	Duplicate bool                   `json:"duplicate,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

func (h *Handler) handleListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := h.store.ListPapers()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, papers)
}

func (h *Handler) handleUploadPaper(w http.ResponseWriter, r *http.Request) {
	filename, content, err := h.readUpload(w, r, "file")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expected := 0
	if s := strings.TrimSpace(r.FormValue("expected_questions")); s != "" {
		expected, err = strconv.Atoi(s)
		if err != nil || expected < 0 {
			h.fail(w, r, fmt.Errorf("%w: expected_questions must be a non-negative integer", model.ErrInvalidInput))
			return
		}
	}
	variant := strings.ToLower(strings.TrimSpace(r.FormValue("prompt_variant")))
	if variant != "" && !prompts.IsValidVariant(variant) {
		h.fail(w, r, fmt.Errorf("%w: unknown prompt_variant %q", model.ErrInvalidInput, variant))
		return
	}

	out, err := h.svc.Extraction.Extract(r.Context(), extraction.Input{
		Title:             strings.TrimSpace(r.FormValue("title")),
		Subject:           strings.TrimSpace(r.FormValue("subject")),
		Filename:          filename,
		Content:           content,
		ExpectedQuestions: expected,
		ForceOCR:          boolValue(r, "ocr"),
		Info: model.PaperInfo{
			PromptVariant: variant,
			Board:         strings.TrimSpace(r.FormValue("board")),
			ExamDate:      strings.TrimSpace(r.FormValue("exam_date")),
		},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := paperResponse{
		Paper:     out.Paper,
		Questions: out.Questions,
		Run:       h.view(r, out.Run),
		Duplicate: out.Duplicate,
	}
	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
		resp.Message = h.tr.T(r.Context(), "PaperDuplicate")
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "paperID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	paper, err := h.store.GetPaper(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	questions, err := h.store.ListQuestions(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.store.ListRuns(model.RunExtraction, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := paperResponse{Paper: paper, Questions: questions}
	for i := range runs {
		resp.Runs = append(resp.Runs, h.view(r, &runs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeletePaper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "paperID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.DeletePaper(id); err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("paper deleted", "paper_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReextract(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "paperID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.Extraction.Reextract(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paperResponse{
		Paper:     out.Paper,
		Questions: out.Questions,
		Run:       h.view(r, out.Run),
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "paperID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", model.ErrInvalidInput, err))
		return
	}
	exp, err := h.store.ExportPaper(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName(id)))
	if err := export.Write(w, format, exp); err != nil {
		slog.Error("write export", "paper_id", id, "format", format, "error", err)
	}
}
