package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/gradehub/internal/bank"
	"github.com/pavelanni/gradehub/internal/engine"
	"github.com/pavelanni/gradehub/internal/handler"
	appI18n "github.com/pavelanni/gradehub/internal/i18n"
	"github.com/pavelanni/gradehub/internal/journal"
	"github.com/pavelanni/gradehub/internal/llm"
	"github.com/pavelanni/gradehub/internal/llm/prompts"
	"github.com/pavelanni/gradehub/internal/model"
	"github.com/pavelanni/gradehub/internal/sink"
	"github.com/pavelanni/gradehub/internal/store"
	"github.com/pavelanni/gradehub/internal/submission"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gradehub",
		Short:         "LLM-assisted quiz grading and journal merging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(gradeCmd(), mergeCmd(), serveCmd(), exportCmd())
	return root
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "mistral", "LLM model name")
	f.String("prompt-lang", "ru", "Grading prompt language (en, ru)")
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a submission export against the reference bank",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.StringP("bank", "b", "", "Reference bank xlsx path (required)")
	f.StringP("submission", "s", "", "Submission CSV path (required)")
	f.StringP("discipline", "d", "", "Discipline name as it appears in the bank (required)")
	f.StringP("lecture", "l", "", "Lecture identifier, e.g. Lec03 (required)")
	f.StringP("out", "o", "results", "Output directory for results and log CSVs")
	f.Bool("zip", false, "Bundle results and log CSVs into a zip archive")
	f.String("db", "", "SQLite database path for run history (empty = no history)")
	f.Int("concurrency", engine.DefaultConcurrency, "Max in-flight LLM calls per submission row")
	f.Duration("call-timeout", engine.DefaultCallTimeout, "Timeout for a single LLM call")
	addLLMFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("bank")
	_ = cmd.MarkFlagRequired("submission")
	_ = cmd.MarkFlagRequired("discipline")
	_ = cmd.MarkFlagRequired("lecture")

	return cmd
}

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a results CSV into a journal workbook",
		RunE:  runMerge,
	}
	f := cmd.Flags()
	f.StringP("journal", "j", "", "Journal xlsx path (required)")
	f.StringP("results", "r", "", "Results CSV path (required)")
	f.IntP("lecture", "l", 0, "Lecture number (0 = parse from results filename)")
	f.StringP("out", "o", "", "Output xlsx path (default: updated_<journal> next to the journal)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("journal")
	_ = cmd.MarkFlagRequired("results")

	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("bank", "b", "", "Reference bank xlsx path (required)")
	f.String("db", "gradehub.db", "SQLite database path")
	f.StringP("out", "o", "results", "Output directory for generated artifacts")
	f.String("lang", "ru", "API message language (en, ru)")
	f.String("api-password", "", "API password (or set GRADEHUB_API_PASSWORD)")
	f.Int("concurrency", engine.DefaultConcurrency, "Max in-flight LLM calls per submission row")
	f.Duration("call-timeout", engine.DefaultCallTimeout, "Timeout for a single LLM call")
	addLLMFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("bank")

	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored grading runs as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "gradehub.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gradehub")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradehub")
	v.AddConfigPath("/etc/gradehub")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func promptLang(v *viper.Viper) prompts.Lang {
	lang := strings.ToLower(strings.TrimSpace(v.GetString("prompt-lang")))
	if !prompts.IsValidLang(lang) {
		slog.Warn("invalid prompt-lang, using ru", "lang", lang)
		lang = string(prompts.LangRU)
	}
	return prompts.Lang(lang)
}

func newLLMClient(v *viper.Viper) (*llm.Client, error) {
	client, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		promptLang(v),
	)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	return client, nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	discipline := v.GetString("discipline")
	lecture := v.GetString("lecture")
	if !model.ValidLectureID(lecture) {
		return fmt.Errorf("invalid lecture %q: want LecNN, e.g. Lec03", lecture)
	}

	snap, err := bank.Load(v.GetString("bank"))
	if err != nil {
		return fmt.Errorf("load reference bank: %w", err)
	}
	items := snap.Select(discipline, lecture)
	if len(items) == 0 {
		return fmt.Errorf("no reference questions for discipline %q lecture %s", discipline, lecture)
	}

	subFile, err := os.Open(v.GetString("submission"))
	if err != nil {
		return fmt.Errorf("open submission: %w", err)
	}
	defer subFile.Close()

	rows, err := submission.Parse(subFile, len(items), submission.Options{})
	if err != nil {
		return fmt.Errorf("parse submission: %w", err)
	}
	slog.Info("parsed submission",
		"rows", len(rows), "questions", len(items),
		"discipline", discipline, "lecture", lecture)

	llmClient, err := newLLMClient(v)
	if err != nil {
		return err
	}

	eng := engine.New(llmClient, engine.Config{
		Concurrency: v.GetInt("concurrency"),
		CallTimeout: v.GetDuration("call-timeout"),
	})

	now := time.Now()
	aggregates, records := eng.GradeAll(context.Background(), rows, items)

	snk, err := sink.New(v.GetString("out"))
	if err != nil {
		return fmt.Errorf("prepare output directory: %w", err)
	}
	artifacts, err := snk.Write(aggregates, records, discipline, lecture, now)
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if v.GetBool("zip") {
		bundle, err := snk.Bundle(artifacts)
		if err != nil {
			return fmt.Errorf("bundle results: %w", err)
		}
		slog.Info("bundled artifacts", "path", bundle)
	}

	if dbPath := v.GetString("db"); dbPath != "" {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		runID, err := db.CreateRun(model.Run{
			Discipline:   discipline,
			LectureID:    lecture,
			Model:        llmClient.Model(),
			NumQuestions: len(items),
			CreatedAt:    now,
		}, aggregates, records)
		if err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		slog.Info("recorded run", "run_id", runID, "db", dbPath)
	}

	for _, agg := range aggregates {
		fmt.Printf("%s\t%d\n", agg.Identifier, agg.Total)
	}
	fmt.Println("Results:", artifacts.ResultsPath)
	fmt.Println("Log:", artifacts.LogPath)
	return nil
}

func runMerge(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	resultsPath := v.GetString("results")
	lecture := v.GetInt("lecture")
	if lecture == 0 {
		_, parsed, err := sink.ParseResultsName(filepath.Base(resultsPath))
		if err != nil {
			return fmt.Errorf("determine lecture: %w (use --lecture)", err)
		}
		lecture = parsed
	}

	scores, err := sink.ReadAggregates(resultsPath)
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}
	if len(scores) == 0 {
		return fmt.Errorf("no scores found in %s", resultsPath)
	}

	journalPath := v.GetString("journal")
	wb, err := excelize.OpenFile(journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer wb.Close()

	res, err := journal.Merge(wb, scores, lecture)
	if err != nil {
		return fmt.Errorf("merge journal: %w", err)
	}

	outPath := v.GetString("out")
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(journalPath), "updated_"+filepath.Base(journalPath))
	}
	if err := wb.SaveAs(outPath); err != nil {
		return fmt.Errorf("save journal: %w", err)
	}

	slog.Info("merged results into journal",
		"lecture", lecture, "updated", res.Updated, "unmatched", len(res.Unmatched))
	fmt.Printf("Updated %d records in %s\n", res.Updated, outPath)
	if len(res.Unmatched) > 0 {
		fmt.Println("Students not found in journal:", strings.Join(res.Unmatched, ", "))
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.CleanupExpiredSessions(); err != nil {
		slog.Warn("cleanup expired sessions", "error", err)
	}

	// Runs graded with different models are not comparable; leave a
	// trace in the log when the configured model changes between starts.
	modelName := v.GetString("llm-model")
	if prev, err := db.GetSetting("llm_model"); err == nil && prev != "" && prev != modelName {
		slog.Warn("LLM model changed since last start", "previous", prev, "current", modelName)
	}
	if err := db.SetSetting("llm_model", modelName); err != nil {
		slog.Warn("record model setting", "error", err)
	}

	snap, err := bank.Load(v.GetString("bank"))
	if err != nil {
		return fmt.Errorf("load reference bank: %w", err)
	}
	slog.Info("reference bank loaded",
		"items", len(snap.Items()), "disciplines", len(snap.Disciplines()))

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmClient, err := newLLMClient(v)
	if err != nil {
		return err
	}
	eng := engine.New(llmClient, engine.Config{
		Concurrency: v.GetInt("concurrency"),
		CallTimeout: v.GetDuration("call-timeout"),
	})

	outDir := v.GetString("out")
	snk, err := sink.New(outDir)
	if err != nil {
		return fmt.Errorf("prepare output directory: %w", err)
	}

	password := v.GetString("api-password")
	if password == "" {
		return fmt.Errorf("API password is required: set --api-password flag or GRADEHUB_API_PASSWORD env var")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash API password: %w", err)
	}

	h, err := handler.New(db, eng, snap, snk, handler.Config{
		ModelName:    llmClient.Model(),
		OutDir:       outDir,
		PasswordHash: hash,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"out", outDir,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	views, err := db.ExportAllRuns()
	if err != nil {
		return fmt.Errorf("export runs: %w", err)
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}
