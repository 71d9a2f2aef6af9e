package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/deehuihan/memelabel/internal/classify"
	"github.com/deehuihan/memelabel/internal/handler"
	appI18n "github.com/deehuihan/memelabel/internal/i18n"
	"github.com/deehuihan/memelabel/internal/model"
	"github.com/deehuihan/memelabel/internal/stimulus"
	"github.com/deehuihan/memelabel/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "memelabel",
		Short: "Meme emotion labeling study server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), classifyCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `memelabel --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the study HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("data-dir", "data/records", "Directory for participant record files")
	f.String("sessions-file", "data/active_sessions.json", "Path to the activity ledger file")
	f.String("stimulus-dir", "static/memes", "Directory of meme folders with numbered variants")
	f.String("practice-dir", "static/practice", "Directory of practice images")
	f.String("attention-dir", "static/attention", "Directory of attention-check images")
	f.Int("attention-checks", 2, "Attention checks planted per participant")
	f.String("attention-policy", string(model.AttentionFailOpen), "Result when no attention checks were answered (fail-open, fail-closed)")
	f.StringP("lang", "l", "zh-Hant", "UI language (zh-Hant, en)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Admin password for /admin endpoints (or set MEMELABEL_ADMIN_PASSWORD)")
	f.Duration("ledger-sweep", 24*time.Hour, "Drop ledger entries idle longer than this (0 disables sweeping)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export participant results as JSON or SQLite",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("data-dir", "data/records", "Directory for participant record files")
	f.String("attention-policy", string(model.AttentionFailOpen), "Result when no attention checks were answered (fail-open, fail-closed)")
	f.String("study-id", "", "Study identifier for output (required)")
	f.String("date", "", "Study date in YYYY-MM-DD format (required)")
	f.String("format", "json", "Output format (json, sqlite)")
	f.StringP("output", "o", "-", "Output path (- for stdout; a .db path for sqlite)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("study-id")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Run an offline LLM classification pass over a CSV of posts",
		RunE:  runClassify,
	}
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("task", "t", string(classify.TaskPolitical), "Classification task (political, attack, emotion)")
	f.StringP("input", "i", "", "Input CSV path, text in the first column (required)")
	f.StringP("output", "o", "", "Output CSV path (required)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")

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

	v.SetEnvPrefix("MEMELABEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("memelabel")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/memelabel")
	v.AddConfigPath("/etc/memelabel")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func attentionPolicy(v *viper.Viper) model.AttentionPolicy {
	raw := strings.ToLower(strings.TrimSpace(v.GetString("attention-policy")))
	if !model.IsValidAttentionPolicy(raw) {
		slog.Warn("invalid attention-policy, using fail-open", "policy", raw)
		return model.AttentionFailOpen
	}
	return model.AttentionPolicy(raw)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	policy := attentionPolicy(v)

	db, err := store.New(v.GetString("data-dir"), policy)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	ledger, err := store.NewLedger(v.GetString("sessions-file"))
	if err != nil {
		return fmt.Errorf("open activity ledger: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	var adminHash string
	if pass := v.GetString("admin-password"); pass != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		adminHash = string(hash)
	} else {
		slog.Warn("no admin password set, /admin endpoints disabled")
	}

	cfg := model.StudyConfig{
		DataDir:         v.GetString("data-dir"),
		SessionsFile:    v.GetString("sessions-file"),
		StimulusDir:     v.GetString("stimulus-dir"),
		PracticeDir:     v.GetString("practice-dir"),
		AttentionDir:    v.GetString("attention-dir"),
		AttentionChecks: v.GetInt("attention-checks"),
		AttentionPolicy: policy,
		SecureCookies:   v.GetBool("secure-cookies"),
		AdminPassword:   adminHash,
	}

	selector := &stimulus.Selector{
		StimulusDir:     cfg.StimulusDir,
		AttentionDir:    cfg.AttentionDir,
		AttentionChecks: cfg.AttentionChecks,
	}

	h, err := handler.New(db, ledger, selector, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if maxIdle := v.GetDuration("ledger-sweep"); maxIdle > 0 {
		go sweepLedger(ledger, maxIdle)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"data_dir", cfg.DataDir,
		"stimulus_dir", cfg.StimulusDir,
		"attention_checks", cfg.AttentionChecks,
		"attention_policy", policy,
		"lang", lang,
	)
	return http.ListenAndServe(addr, r)
}

// sweepLedger periodically drops ledger entries for participants who went
// idle without registering, so abandoned visits don't accumulate.
func sweepLedger(ledger *store.Ledger, maxIdle time.Duration) {
	interval := maxIdle / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	for range time.Tick(interval) {
		dropped, err := ledger.Sweep(maxIdle)
		if err != nil {
			slog.Warn("ledger sweep failed", "error", err)
			continue
		}
		if dropped > 0 {
			slog.Info("swept idle ledger entries", "dropped", dropped)
		}
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("data-dir"), attentionPolicy(v))
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	outPath := v.GetString("output")
	if strings.ToLower(v.GetString("format")) == "sqlite" {
		if outPath == "" || outPath == "-" {
			return fmt.Errorf("sqlite export requires --output with a file path")
		}
		n, err := db.ExportSQLite(outPath)
		if err != nil {
			return fmt.Errorf("export to sqlite: %w", err)
		}
		slog.Info("export complete", "path", outPath, "participants", n)
		return nil
	}

	results, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	export := model.StudyExport{
		StudyID:      v.GetString("study-id"),
		Date:         v.GetString("date"),
		Participants: results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

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

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runClassify(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	task := classify.Task(strings.ToLower(strings.TrimSpace(v.GetString("task"))))
	if !classify.IsValidTask(task) {
		return fmt.Errorf("unknown task %q (political, attack, emotion)", task)
	}

	client := classify.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)

	n, err := classify.ProcessCSV(context.Background(), client, task,
		v.GetString("input"), v.GetString("output"))
	if err != nil {
		return fmt.Errorf("classification run: %w", err)
	}
	slog.Info("classification complete", "task", task, "rows", n, "output", v.GetString("output"))
	return nil
}
