package handler

import (
	"net/http"

	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/qbank"
)

type bankResponse struct {
	Bank      *model.QuestionBank       `json:"bank"`
	Questions []model.GeneratedQuestion `json:"questions"`
	Runs      []*runView                `json:"runs,omitempty"`
}

func (h *Handler) handleGenerateBank(w http.ResponseWriter, r *http.Request) {
	var in qbank.Input
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.Banks.Generate(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := bankResponse{Bank: out.Bank, Questions: out.Questions}
	for i := range out.Runs {
		resp.Runs = append(resp.Runs, h.view(r, &out.Runs[i]))
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetBank(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "bankID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bank, err := h.store.GetBank(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	questions, err := h.store.ListBankQuestions(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.store.ListRuns(model.RunGeneration, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := bankResponse{Bank: bank, Questions: questions}
	for i := range runs {
		resp.Runs = append(resp.Runs, h.view(r, &runs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}
