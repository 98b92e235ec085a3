package store

import (
	"fmt"

	"github.com/pavelanni/examforge/internal/model"
)

// ExportPaper builds export-ready results for every answer sheet of a paper.
// Questions with no grade on a sheet are listed in that sheet's Missing.
func (s *Store) ExportPaper(paperID int64) (*model.PaperExport, error) {
	paper, err := s.GetPaper(paperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", paperID, err)
	}
	questions, err := s.ListQuestions(paperID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	sheets, err := s.ListSheets(paperID)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}

	byKey := make(map[model.IdentityKey]model.QuestionRecord, len(questions))
	for _, q := range questions {
		byKey[q.Key()] = q
	}

	out := &model.PaperExport{
		PaperID:    paper.ID,
		Title:      paper.Title,
		Subject:    paper.Subject,
		TotalMarks: paper.TotalMarks,
		Questions:  len(questions),
		Results:    make([]model.SheetResult, 0, len(sheets)),
	}
	for _, sh := range sheets {
		answers, err := s.ListGradedAnswers(sh.ID)
		if err != nil {
			return nil, fmt.Errorf("list graded answers for sheet %d: %w", sh.ID, err)
		}

		res := model.SheetResult{
			SheetID:    sh.ID,
			StudentRef: sh.StudentRef,
			Status:     sh.Status,
			CreatedAt:  sh.CreatedAt,
			TotalScore: sh.TotalScore,
			MaxScore:   sh.MaxScore,
		}
		graded := make(map[model.IdentityKey]bool, len(answers))
		for _, a := range answers {
			k := a.Key()
			graded[k] = true
			q := byKey[k]
			res.Answers = append(res.Answers, model.QuestionResult{
				Key:          k.String(),
				Text:         q.Text,
				Topic:        q.Topic,
				MaximumMarks: float64(a.MaximumMarks),
				MarksAwarded: float64(a.MarksAwarded),
				Confidence:   float64(a.Confidence),
				Feedback:     a.Feedback,
			})
		}
		for _, q := range questions {
			if !graded[q.Key()] {
				res.Missing = append(res.Missing, q.Key().String())
			}
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}
