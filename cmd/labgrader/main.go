package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/labgrader/internal/config"
	"github.com/pavelanni/labgrader/internal/grading"
	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/llm"
	"github.com/pavelanni/labgrader/internal/llm/prompts"
	"github.com/pavelanni/labgrader/internal/segment"
	"github.com/pavelanni/labgrader/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "labgrader",
		Short:        "Extract, segment, grade and annotate lab-report documents",
		SilenceUsage: true,
	}
	root.AddCommand(
		parseCmd(),
		segmentCmd(),
		scoreCmd(),
		writeDocxCmd(),
		autoCmd(),
		autoDirCmd(),
		validateCmd(),
		exportCmd(),
		serveCmd(),
	)
	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("lang", "l", appI18n.DefaultLang, "Status message language (zh, en)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("provider", "", "Model provider (deepseek, kimi, openai); empty selects by available key")
	f.String("model", "", "Model name (default depends on provider)")
	f.String("api-key", "", "API key (or DEEPSEEK_API_KEY, MOONSHOT_API_KEY, OPENAI_API_KEY)")
	f.String("llm-url", "", "OpenAI-compatible API base URL override")
	f.Int("max-input-chars", 0, "Answer characters sent per item (0 = 8000)")
	f.Float32("temperature", 0, "Sampling temperature")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("mode", string(grading.ModeBatch), "Grading mode (batch, item)")
}

func addSegmentFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("segment-count", 0, "Expected number of items when content must be segmented")
	f.String("strategy", string(segment.StrategyLocal), "Segmentation strategy (local, llm)")
	f.String("pad", string(segment.PadFill), "Local segmenter shortfall policy (pad, warn, strict)")
	f.Int("retries", config.DefaultRetries, "LLM segmentation attempts (1-5)")
}

func setupLogging(v *viper.Viper) {
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

	v.SetEnvPrefix("LABGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("labgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/labgrader")
	v.AddConfigPath("/etc/labgrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup loads .env, configures logging and i18n, and returns the command's
// settings and a context carrying the status-message language.
func setup(cmd *cobra.Command) (*viper.Viper, context.Context, error) {
	set, err := config.LoadDotEnv(".env")
	v := viperForCmd(cmd)
	setupLogging(v)
	if err != nil {
		slog.Warn("error reading .env", "error", err)
	} else if len(set) > 0 {
		slog.Debug("loaded .env", "variables", len(set))
	}

	lang := v.GetString("lang")
	if lang == "" {
		lang = appI18n.DefaultLang
	}
	if err := appI18n.Init(appI18n.DefaultLang); err != nil {
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}
	return v, appI18n.WithLang(cmd.Context(), lang), nil
}

// status prints a human-readable progress line.
func status(cmd *cobra.Command, msg string) {
	fmt.Fprintln(cmd.ErrOrStderr(), msg)
}

// resolveLLM builds the model configuration. The API key is read from the
// flag only, so LABGRADER_API_KEY keeps its generic rank in config.Resolve.
func resolveLLM(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (config.LLM, error) {
	apiKey, _ := cmd.Flags().GetString("api-key")
	cfg, err := config.Resolve(config.Input{
		Provider:      v.GetString("provider"),
		Model:         v.GetString("model"),
		APIKey:        apiKey,
		BaseURL:       v.GetString("llm-url"),
		MaxInputChars: v.GetInt("max-input-chars"),
		Temperature:   float32(v.GetFloat64("temperature")),
	}, os.Getenv)
	if errors.Is(err, config.ErrMissingAPIKey) {
		status(cmd, appI18n.T(ctx, "MissingAPIKey"))
	}
	if err != nil {
		return config.LLM{}, err
	}
	slog.Info("model provider", "provider", cfg.Provider, "model", cfg.Model, "base_url", cfg.BaseURL)
	return cfg, nil
}

// newSegmenter builds the configured segmenter. client may be nil for the
// local strategy.
func newSegmenter(v *viper.Viper, client llm.Completer, model string) (segment.Segmenter, error) {
	strategy, err := segment.ParseStrategy(v.GetString("strategy"))
	if err != nil {
		return nil, err
	}
	if strategy == segment.StrategyLocal {
		pad, err := segment.ParsePadPolicy(v.GetString("pad"))
		if err != nil {
			return nil, err
		}
		return &segment.Local{Pad: pad}, nil
	}
	if client == nil {
		return nil, fmt.Errorf("segmentation strategy %s needs a model client", strategy)
	}
	return &segment.LLM{
		Completer:   client,
		Model:       model,
		MaxAttempts: v.GetInt("retries"),
	}, nil
}

// newReconciler builds the grader. Replies are capped at
// grading.BatchMaxTokens for batch requests and grading.ItemMaxTokens per item.
func newReconciler(v *viper.Viper, cfg config.LLM, client *llm.Client) (*grading.Reconciler, error) {
	mode, err := grading.ParseMode(v.GetString("mode"))
	if err != nil {
		return nil, err
	}
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	return &grading.Reconciler{
		Completer:     client.WithMaxTokens(grading.BatchMaxTokens),
		ItemCompleter: client.WithMaxTokens(grading.ItemMaxTokens),
		Model:         cfg.Model,
		Variant:       prompts.PromptVariant(variant),
		Mode:          mode,
		MaxInputChars: cfg.MaxInputChars,
	}, nil
}

// openStore opens the database named by --db. An empty path disables
// persistence and returns a nil store.
func openStore(v *viper.Viper) (*store.Store, error) {
	path := v.GetString("db")
	if path == "" {
		return nil, nil
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
