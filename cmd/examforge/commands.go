package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examforge/internal/export"
	"github.com/pavelanni/examforge/internal/extraction"
	"github.com/pavelanni/examforge/internal/grading"
	appI18n "github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/qbank"
	"github.com/pavelanni/examforge/internal/store"
)

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract the questions of a question paper",
		RunE:  runExtract,
	}
	f := cmd.Flags()
	f.StringP("file", "f", "", "Question paper PDF (required)")
	f.String("title", "", "Paper title (defaults to the file name)")
	f.String("subject", "", "Subject")
	f.IntP("expected", "n", 0, "Number of main questions (0 = ask the model)")
	f.Bool("ocr", false, "Force OCR even if the PDF has a text layer")
	f.String("board", "", "Examination board, stored as paper metadata")
	f.String("exam-date", "", "Exam date, stored as paper metadata")
	f.String("prompt-variant", "", "Default grading variant for this paper (strict, standard, lenient)")
	addPipelineCmdFlags(cmd)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade an answer sheet against an extracted paper",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.Int64("paper-id", 0, "Paper to grade against")
	f.Int64("sheet-id", 0, "Regrade the missing answers of an existing sheet instead")
	f.StringP("file", "f", "", "Answer sheet PDF")
	f.String("student", "", "Student reference (roll number or name)")
	f.String("variant", "", "Grading variant (strict, standard, lenient)")
	f.Bool("ocr", false, "Force OCR even if the PDF has a text layer")
	addPipelineCmdFlags(cmd)
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a question bank for a topic",
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.String("subject", "", "Subject (required)")
	f.String("topic", "", "Topic (required)")
	f.Int("mcq", 0, "Number of multiple-choice questions")
	f.Int("sa", 0, "Number of short-answer questions")
	f.Int("la", 0, "Number of long-answer questions")
	f.String("source-file", "", "Text file with material to base the questions on")
	addPipelineCmdFlags(cmd)
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a study plan from a graded answer sheet",
		RunE:  runPlan,
	}
	f := cmd.Flags()
	f.Int64("sheet-id", 0, "Graded answer sheet (required)")
	f.Int("days", 7, "Plan length in days")
	addPipelineCmdFlags(cmd)
	_ = cmd.MarkFlagRequired("sheet-id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a paper's grading results as JSON or XLSX",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.Int64("paper-id", 0, "Paper to export (required)")
	f.String("format", "json", "Output format (json, xlsx)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("paper-id")
	return cmd
}

func addPipelineCmdFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(cmd)
	addServiceFlags(cmd)
	addLogFlags(cmd)
}

// startPipeline prepares logging, configuration and the services for a
// one-shot pipeline command. Interrupting the command cancels the run and
// keeps what was produced so far.
func startPipeline(cmd *cobra.Command) (context.Context, *viper.Viper, *app, func(), error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := newApp(ctx, v)
	if err != nil {
		stop()
		return nil, nil, nil, nil, err
	}
	return ctx, v, a, func() { a.Close(); stop() }, nil
}

func logRuns(ctx context.Context, runs ...model.Run) {
	tr, err := appI18n.New("en")
	if err != nil {
		slog.Warn("init i18n", "error", err)
		return
	}
	for _, r := range runs {
		slog.Info(tr.RunSummary(ctx, r), "run_id", r.ID, "kind", r.Kind, "state", r.State,
			"missing", len(r.Missing), "total_tokens", r.Usage.Total)
	}
}

func runExtract(cmd *cobra.Command, _ []string) error {
	ctx, v, a, done, err := startPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	path := v.GetString("file")
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	title := v.GetString("title")
	if title == "" {
		title = filepath.Base(path)
	}
	variant := v.GetString("prompt-variant")
	if variant != "" && !prompts.IsValidVariant(variant) {
		return fmt.Errorf("unknown prompt variant %q", variant)
	}

	out, err := a.extraction.Extract(ctx, extraction.Input{
		Title:             title,
		Subject:           v.GetString("subject"),
		Filename:          filepath.Base(path),
		Content:           content,
		ExpectedQuestions: v.GetInt("expected"),
		ForceOCR:          v.GetBool("ocr"),
		Info: model.PaperInfo{
			PromptVariant: variant,
			Board:         v.GetString("board"),
			ExamDate:      v.GetString("exam-date"),
		},
	})
	if err != nil {
		return err
	}
	if out.Duplicate {
		slog.Info("paper already extracted", "paper_id", out.Paper.ID)
	} else {
		logRuns(ctx, *out.Run)
	}
	return writeOutput(v.GetString("output"), out)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	ctx, v, a, done, err := startPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	variant := v.GetString("variant")
	if variant != "" && !prompts.IsValidVariant(variant) {
		return fmt.Errorf("unknown grading variant %q", variant)
	}

	var out *grading.Output
	if sheetID := v.GetInt64("sheet-id"); sheetID > 0 {
		out, err = a.grading.Regrade(ctx, sheetID, prompts.PromptVariant(variant))
	} else {
		path := v.GetString("file")
		if path == "" || v.GetInt64("paper-id") <= 0 {
			return fmt.Errorf("--paper-id and --file are required unless --sheet-id is set")
		}
		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("read %s: %w", path, rerr)
		}
		student := v.GetString("student")
		if student == "" {
			student = filepath.Base(path)
		}
		out, err = a.grading.Grade(ctx, grading.Input{
			PaperID:    v.GetInt64("paper-id"),
			StudentRef: student,
			Filename:   filepath.Base(path),
			Content:    content,
			ForceOCR:   v.GetBool("ocr"),
			Variant:    prompts.PromptVariant(variant),
		})
	}
	if err != nil {
		return err
	}
	logRuns(ctx, *out.Run)
	return writeOutput(v.GetString("output"), out)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	ctx, v, a, done, err := startPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	in := qbank.Input{
		Subject: v.GetString("subject"),
		Topic:   v.GetString("topic"),
		Counts: map[model.QuestionType]int{
			model.TypeMCQ: v.GetInt("mcq"),
			model.TypeSA:  v.GetInt("sa"),
			model.TypeLA:  v.GetInt("la"),
		},
	}
	if path := v.GetString("source-file"); path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		in.Source = string(src)
	}

	out, err := a.banks.Generate(ctx, in)
	if err != nil {
		return err
	}
	logRuns(ctx, out.Runs...)
	return writeOutput(v.GetString("output"), out)
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx, v, a, done, err := startPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	out, err := a.plans.Build(ctx, v.GetInt64("sheet-id"), v.GetInt("days"))
	if err != nil {
		return err
	}
	logRuns(ctx, *out.Run)
	return writeOutput(v.GetString("output"), out)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format, err := export.ParseFormat(v.GetString("format"))
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	exp, err := db.ExportPaper(v.GetInt64("paper-id"))
	if err != nil {
		return fmt.Errorf("export paper: %w", err)
	}

	w, closeOut, err := openOutput(v.GetString("output"))
	if err != nil {
		return err
	}
	defer closeOut()
	if err := export.Write(w, format, exp); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func writeOutput(path string, v any) error {
	w, closeOut, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closeOut()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
