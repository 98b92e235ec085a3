package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pavelanni/examforge/internal/grading"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
)

type sheetResponse struct {
	Sheet   *model.AnswerSheet   `json:"sheet"`
	Answers []model.GradedAnswer `json:"answers"`
	Run     *runView             `json:"run,omitempty"`
	Runs    []*runView           `json:"runs,omitempty"`
}

type planResponse struct {
	Plan *model.StudyPlan `json:"plan"`
	Run  *runView         `json:"run,omitempty"`
}

func variantValue(r *http.Request) (prompts.PromptVariant, error) {
	v := strings.ToLower(strings.TrimSpace(r.FormValue("variant")))
	if v != "" && !prompts.IsValidVariant(v) {
		return "", fmt.Errorf("%w: unknown variant %q", model.ErrInvalidInput, v)
	}
	return prompts.PromptVariant(v), nil
}

func (h *Handler) handleListSheets(w http.ResponseWriter, r *http.Request) {
	paperID, err := idParam(r, "paperID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.store.GetPaper(paperID); err != nil {
		h.fail(w, r, err)
		return
	}
	sheets, err := h.store.ListSheets(paperID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheets)
}

func (h *Handler) handleUploadSheet(w http.ResponseWriter, r *http.Request) {
	paperID, err := idParam(r, "paperID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filename, content, err := h.readUpload(w, r, "file")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	variant, err := variantValue(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.Grading.Grade(r.Context(), grading.Input{
		PaperID:    paperID,
		StudentRef: strings.TrimSpace(r.FormValue("student_ref")),
		Filename:   filename,
		Content:    content,
		ForceOCR:   boolValue(r, "ocr"),
		Variant:    variant,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sheetResponse{Sheet: out.Sheet, Answers: out.Answers, Run: h.view(r, out.Run)})
}

func (h *Handler) handleGetSheet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "sheetID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sheet, err := h.store.GetSheet(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	answers, err := h.store.ListGradedAnswers(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.store.ListRuns(model.RunGrading, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := sheetResponse{Sheet: sheet, Answers: answers}
	for i := range runs {
		resp.Runs = append(resp.Runs, h.view(r, &runs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRegrade(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "sheetID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	variant, err := variantValue(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.Grading.Regrade(r.Context(), id, variant)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheetResponse{Sheet: out.Sheet, Answers: out.Answers, Run: h.view(r, out.Run)})
}

func (h *Handler) handleBuildPlan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "sheetID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	days := 7
	if s := strings.TrimSpace(r.FormValue("days")); s != "" {
		if days, err = strconv.Atoi(s); err != nil {
			h.fail(w, r, fmt.Errorf("%w: days must be an integer", model.ErrInvalidInput))
			return
		}
	}
	out, err := h.svc.Plans.Build(r.Context(), id, days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, planResponse{Plan: out.Plan, Run: h.view(r, out.Run)})
}

func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "planID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	plan, err := h.store.GetPlan(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse{Plan: plan})
}
