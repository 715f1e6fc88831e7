package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/questflow/internal/autosave"
	"github.com/roach88/questflow/internal/compiler"
	"github.com/roach88/questflow/internal/config"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/session"
	"github.com/roach88/questflow/internal/store"
)

// LoadError represents an error that occurred while preparing a command.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// failLoad reports a LoadError through f and returns the command error.
func failLoad(f *OutputFormatter, err error) error {
	var le *LoadError
	if errors.As(err, &le) {
		return f.Fail(ExitCommandError, le.Code, le.Message, le.Err)
	}
	return f.Fail(ExitCommandError, ErrCodeGeneric, "command setup failed", err)
}

// LoadQuestionnaire compiles the definitions at path and selects name.
// An empty name selects the only definition.
func LoadQuestionnaire(path, name string) (*compiler.Questionnaire, error) {
	if path == "" {
		return nil, &LoadError{Code: ErrCodeConfig, Message: "no questionnaire configured (set --questionnaire or questionnaire in questflow.yaml)"}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("questionnaire not found: %s", path)}
	}

	defs, err := compiler.Load(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeCompile, Message: "questionnaire failed to compile", Err: err}
	}
	def, err := compiler.Find(defs, name)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeConfig, Message: "questionnaire not selected", Err: err}
	}
	return def, nil
}

// workspace bundles the local state and remote client that client-side
// commands share.
type workspace struct {
	cfg    *config.Config
	store  *store.Store
	drafts *draft.Store
	client *session.HTTPClient
	def    *compiler.Questionnaire
}

// openWorkspace loads configuration and opens the local database. When
// needDef is set the questionnaire must compile; otherwise it is loaded
// only when configured.
func openWorkspace(opts *RootOptions, needDef bool) (*workspace, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeConfig, Message: "invalid configuration", Err: err}
	}

	w := &workspace{cfg: cfg}
	if needDef || cfg.Questionnaire != "" {
		if w.def, err = LoadQuestionnaire(cfg.Questionnaire, cfg.QuestionnaireName); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeStorage, Message: "failed to open database", Err: err}
	}
	w.store = st
	w.drafts = draft.NewStore(draft.NewFallback(st))
	w.client = session.NewHTTPClient(cfg.ServerURL, session.WithHTTPClient(&http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &session.BearerTransport{
			Token: cfg.Token,
			Base:  otelhttp.NewTransport(http.DefaultTransport),
		},
	}))

	slog.Debug("workspace opened", "db", cfg.DBPath, "server", cfg.ServerURL, "authenticated", cfg.Token != "")
	return w, nil
}

// auth reports the user as logged in when a token is configured.
func (w *workspace) auth() session.AuthState {
	return session.StaticAuth(w.cfg.Token != "")
}

// autosaveConfig maps configuration onto the autosave timing.
func (w *workspace) autosaveConfig() autosave.Config {
	return autosave.Config{
		Debounce:             w.cfg.Debounce,
		RetryInitialInterval: w.cfg.RetryInitialInterval,
		RetryMaxAttempts:     w.cfg.RetryMaxAttempts,
	}
}

func (w *workspace) dateFields() []string {
	if w.def == nil {
		return nil
	}
	return w.def.DateFields
}

func (w *workspace) Close() {
	if err := w.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
