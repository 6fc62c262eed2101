package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/tailor/internal/config"
	"github.com/hyperengineering/tailor/internal/logging"
	"github.com/hyperengineering/tailor/pkg/tailor"
	"github.com/hyperengineering/tailor/pkg/tailor/remote"
	"github.com/spf13/cobra"
)

var (
	customersJSONOutput bool
	customersToken      string
	customersTimeout    time.Duration
	listOnce            bool

	addName         string
	addPhone        string
	addMeasurements string
)

var customersCmd = &cobra.Command{
	Use:   "customers",
	Short: "Work with the customer records of a session",
	Long: "List, add, and watch customer records through a Tailor backend. " +
		"Without a custom token each invocation signs in with a fresh anonymous identity.",
}

var customersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the customer records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCustomersList,
}

var customersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a customer record",
	Args:  cobra.NoArgs,
	RunE:  runCustomersAdd,
}

var customersWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every state change until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runCustomersWatch,
}

func init() {
	customersCmd.PersistentFlags().BoolVar(&customersJSONOutput, "json", false,
		"Output in JSON format")
	customersCmd.PersistentFlags().StringVar(&customersToken, "token", "",
		"Custom token to sign in with (overrides TAILOR_CUSTOM_TOKEN)")
	customersCmd.PersistentFlags().DurationVar(&customersTimeout, "timeout", 30*time.Second,
		"How long to wait for the backend")

	customersListCmd.Flags().BoolVar(&listOnce, "once", false,
		"Fetch one snapshot over plain HTTP instead of opening a live subscription")

	customersAddCmd.Flags().StringVar(&addName, "name", "", "Customer name")
	customersAddCmd.Flags().StringVar(&addPhone, "phone", "", "Customer phone number")
	customersAddCmd.Flags().StringVar(&addMeasurements, "measurements", "", "Free-form measurements")

	customersCmd.AddCommand(customersListCmd)
	customersCmd.AddCommand(customersAddCmd)
	customersCmd.AddCommand(customersWatchCmd)
}

// clientSettings resolves the client config with flag overrides applied.
// It returns the config, the backend URL and the custom token.
func clientSettings(cmd *cobra.Command) (*config.Config, string, string, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, "", "", fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr()))

	url := cfg.Client.BackendURL
	if backendURL != "" {
		url = backendURL
	}
	token := cfg.Client.CustomToken
	if customersToken != "" {
		token = customersToken
	}
	return cfg, url, token, nil
}

// startEngine builds an engine against the configured backend and starts it.
// The caller must Dispose it.
func startEngine(cmd *cobra.Command) (*tailor.Engine, error) {
	cfg, url, token, err := clientSettings(cmd)
	if err != nil {
		return nil, err
	}

	client := remote.New(url)
	e, err := tailor.New(tailor.Config{
		CustomToken:   token,
		AuthTimeout:   time.Duration(cfg.Client.AuthTimeout),
		RefreshMargin: time.Duration(cfg.Client.RefreshMargin),
	}, client, client)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		_ = e.Dispose()
		return nil, err
	}
	return e, nil
}

// waitLoaded blocks until the first snapshot arrived or the session failed.
func waitLoaded(ctx context.Context, e *tailor.Engine) (tailor.State, error) {
	ctx, cancel := context.WithTimeout(ctx, customersTimeout)
	defer cancel()

	s, err := e.WaitFor(ctx, func(s tailor.State) bool {
		return s.Phase.Terminal() || (s.Phase == tailor.PhaseSubscriptionActive && !s.Loading)
	})
	if err != nil {
		return s, fmt.Errorf("waiting for backend: %w", err)
	}
	if s.Phase.Terminal() {
		return s, errors.New(s.Feedback)
	}
	return s, nil
}

// fetchOnce signs in and reads one snapshot without a subscription.
func fetchOnce(cmd *cobra.Command) (tailor.State, error) {
	_, url, token, err := clientSettings(cmd)
	if err != nil {
		return tailor.State{}, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), customersTimeout)
	defer cancel()

	client := remote.New(url)
	var sess tailor.Session
	if token != "" {
		sess, err = client.SignInWithCustomToken(ctx, token)
	} else {
		sess, err = client.SignInAnonymously(ctx)
	}
	if err != nil {
		return tailor.State{}, errors.New(tailor.AuthErrorFeedback(err))
	}

	path := tailor.UserCustomersPath(sess.UID)
	docs, err := client.ListDocuments(ctx, path, tailor.OrderBy{Field: tailor.FieldCreatedAt, Direction: tailor.Descending})
	if err != nil {
		return tailor.State{}, errors.New(tailor.LoadErrorFeedback(err))
	}
	return tailor.State{Identity: sess.UID, Records: tailor.DecodeRecords(path, docs)}, nil
}

func runCustomersList(cmd *cobra.Command, args []string) error {
	var (
		s   tailor.State
		err error
	)
	if listOnce {
		s, err = fetchOnce(cmd)
		if err != nil {
			return err
		}
	} else {
		e, err := startEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Dispose()

		if s, err = waitLoaded(cmd.Context(), e); err != nil {
			return err
		}
	}

	if customersJSONOutput {
		records := s.Records
		if records == nil {
			records = []tailor.Record{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"identity":  s.Identity,
			"customers": records,
			"total":     len(records),
		})
	}

	if len(s.Records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No customers found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "NAME\tPHONE\tMEASUREMENTS\tCREATED")
	for _, r := range s.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.Name,
			r.Phone,
			orDash(r.Measurements),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

func runCustomersAdd(cmd *cobra.Command, args []string) error {
	rec := tailor.NewRecord{Name: addName, Phone: addPhone, Measurements: addMeasurements}
	if err := tailor.ValidateNewRecord(rec); err != nil {
		return errors.New(tailor.FeedbackMissingFields)
	}

	e, err := startEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Dispose()

	if _, err := waitLoaded(cmd.Context(), e); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), customersTimeout)
	defer cancel()

	id, err := e.AddRecord(ctx, rec)
	if err != nil {
		return errors.New(tailor.AddErrorFeedback(err))
	}

	if customersJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":       id,
			"identity": e.State().Identity,
			"message":  tailor.FeedbackAdded,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (id %s)\n", tailor.FeedbackAdded, id)
	return nil
}

func runCustomersWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	e, err := startEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Dispose()

	// OnChange runs on the engine loop; printing happens here.
	changes := make(chan tailor.State, 64)
	sub := e.OnChange(func(s tailor.State) {
		select {
		case changes <- s:
		default:
		}
	})
	defer sub.Unsubscribe()

	out := cmd.OutOrStdout()
	show := func(s tailor.State) error {
		if customersJSONOutput {
			return printJSON(out, map[string]any{
				"phase":      s.Phase.String(),
				"identity":   s.Identity,
				"loading":    s.Loading,
				"submitting": s.Submitting,
				"feedback":   s.Feedback,
				"customers":  s.Records,
			})
		}
		_, err := fmt.Fprintf(out, "[%s] %s (%d customers)\n", s.Phase, orDash(s.Feedback), len(s.Records))
		return err
	}

	if err := show(e.State()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			if err := show(s); err != nil {
				return err
			}
			if s.Phase.Terminal() {
				return errors.New(s.Feedback)
			}
		}
	}
}
