package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/app"
	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/observability"
	"github.com/cllghn/csg-docs-llm/internal/service"
	"github.com/cllghn/csg-docs-llm/internal/session"
	"github.com/cllghn/csg-docs-llm/internal/tui"
	"github.com/cllghn/csg-docs-llm/internal/web"
)

const shutdownTimeout = 10 * time.Second

func runServe(cfg *config.AppConfig, _ []string) error {
	logger, err := observability.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()
	if err := deps.Warm(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           web.NewServer(deps.RAG, deps.Retrievers, deps.Sessions, cfg.Server, cfg.SessionTTL(), logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

wait:
	for {
		select {
		case err := <-errCh:
			return err
		case <-hup:
			reloadSets(ctx, deps, logger)
		case <-ctx.Done():
			break wait
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type reloader interface {
	Reload(ctx context.Context) error
}

// reloadSets rebuilds document sets after SIGHUP. A failure is logged and the
// server keeps running; the broken set reports an init error on first use.
func reloadSets(ctx context.Context, r reloader, logger *zap.Logger) {
	if err := r.Reload(ctx); err != nil {
		logger.Error("document set reload failed", zap.Error(err))
		return
	}
	logger.Info("document sets reloaded")
}

func runChat(cfg *config.AppConfig, _ []string) error {
	// Logs go to the file sink only so they never draw over the UI.
	logger, err := observability.NewLogger(cfg.Log, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()
	if err := deps.Warm(ctx); err != nil {
		return err
	}

	sess := session.New(deps.Retrievers.Default())
	m := tui.New(ctx, deps.RAG, sess, deps.Retrievers.Sets(), "CSG Justice Center GAMBLER")
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(tui.Model); ok && fm.Err() != nil {
		return fm.Err()
	}
	return nil
}

func runAsk(cfg *config.AppConfig, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	set := fs.String("set", "", "document set to search (default: retrieval.default_set)")
	topK := fs.Int("top-k", 0, "number of passages to retrieve (3-15)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return errors.New(`please provide a question, e.g. gambler ask "What have we written about reducing recidivism among young adults?"`)
	}
	if err := validator.New().Struct(askFlags{TopK: *topK}); err != nil {
		return fmt.Errorf("--top-k must be between 3 and 15: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Log, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	printAskHeader(os.Stdout, question)
	res, err := deps.RAG.AskOnce(ctx, service.AskInput{Question: question, DocumentSet: *set, TopK: *topK})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, res.Answer)
	return nil
}

type askFlags struct {
	TopK int `validate:"omitempty,gte=3,lte=15"`
}

func printAskHeader(w io.Writer, question string) {
	rule := strings.Repeat("-", 50)
	fmt.Fprintf(w, "Question: %s\n%s\n", question, rule)
	fmt.Fprintf(w, "DISCLAIMER: %s\n%s\n", service.Disclaimer, rule)
}

func runIngest(cfg *config.AppConfig, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	setName := fs.String("set", cfg.Retrieval.DefaultSet, "document set to (re)build")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: gambler ingest --set NAME file1.txt [dir ...]")
	}
	set, ok := cfg.Set(*setName)
	if !ok {
		return fmt.Errorf("unknown document set %q", *setName)
	}

	logger, err := observability.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	svc, sink, cleanup, err := app.NewIngest(ctx, cfg, set, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := svc.Ingest(ctx, fs.Args(), sink)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Indexed %d documents into %d chunks for %q.\n\n%s\n", report.Documents, report.Chunks, set.Name, report.Digest)
	return nil
}

func runSets(cfg *config.AppConfig, _ []string) error {
	return printSets(os.Stdout, cfg)
}

func printSets(w io.Writer, cfg *config.AppConfig) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBACKEND\tLABEL\tDEFAULT")
	for _, s := range cfg.DocumentSets {
		def := ""
		if s.Name == cfg.Retrieval.DefaultSet {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Backend, s.DisplayName(), def)
	}
	return tw.Flush()
}
