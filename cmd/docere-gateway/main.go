package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docere/gateway/internal/config"
	"github.com/docere/gateway/internal/domain/account"
	"github.com/docere/gateway/internal/domain/patients"
	"github.com/docere/gateway/internal/domain/share"
	"github.com/docere/gateway/internal/domain/upload"
	"github.com/docere/gateway/internal/platform/middleware"
	"github.com/docere/gateway/internal/platform/poll"
	"github.com/docere/gateway/internal/platform/transport"
	"github.com/docere/gateway/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docere-gateway",
		Short: "Medical records dashboard gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(shareCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything the commands share.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	session  *session.Manager
	client   *transport.Client
	poller   *poll.Poller
	account  *account.Service
	uploads  *upload.Service
	shares   *share.Service
	patients *patients.Service
}

func newApp() (*app, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sess := session.NewManager(cfg.UpstreamBaseURL, cfg.SessionFile, logger)
	if err := sess.Restore(); err != nil {
		logger.Warn().Err(err).Msg("could not restore session, starting logged out")
	}

	client := transport.NewClient(cfg.UpstreamBaseURL, sess, logger, transport.WithTimeout(cfg.HTTPTimeout))
	poller := poll.New(cfg.PollInterval, logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		session: sess,
		client:  client,
		poller:  poller,
	}
	a.account = account.NewService(client, sess, logger)
	a.uploads = upload.NewService(client, poller, cfg.UploadMaxBytes, logger)
	a.shares = share.NewService(client, poller, logger)
	a.patients = patients.NewService(client, logger)
	return a, nil
}

// -- serve --

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.runServer()
		},
	}
}

func (a *app) runServer() error {
	// Background watches live as long as the server.
	srvCtx, stopWatches := context.WithCancel(context.Background())
	defer stopWatches()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit(1<<20, a.cfg.UploadMaxBytes+(1<<20)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	api := e.Group("/api")
	account.NewHandler(a.account).RegisterRoutes(api)
	upload.NewHandler(a.uploads, srvCtx).RegisterRoutes(api)
	share.NewHandler(a.shares, srvCtx).RegisterRoutes(api)
	patients.NewHandler(a.patients, a.shares).RegisterRoutes(api)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"authenticated": a.session.IsAuthenticated(),
		})
	})

	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("upstream", a.cfg.UpstreamBaseURL).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.logger.Info().Msg("shutting down gateway")
	stopWatches()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		a.logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	a.logger.Info().Msg("gateway stopped")
	return nil
}

// -- auth commands --

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the records backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			u, err := a.account.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Printf("Logged in as %s (%s)\n", u.FullName(), u.Role)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username or email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			a.account.Logout()
			fmt.Println("Logged out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			u, err := a.account.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> role=%s\n", u.FullName(), u.Email, u.Role)
			return nil
		},
	}
}

// -- upload commands --

func uploadCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "upload <archive.zip>",
		Short: "Upload a records archive for extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			job, err := a.uploads.Submit(cmd.Context(), info.Name(), "application/zip", info.Size(), f)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s submitted (%s)\n", job.ID, job.FileName)

			if watch {
				return a.watchJob(cmd.Context(), job.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until processing finishes")
	return cmd
}

func jobCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show an upload job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if watch {
				return a.watchJob(cmd.Context(), args[0])
			}
			job, err := a.uploads.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until processing finishes")
	return cmd
}

func (a *app) watchJob(ctx context.Context, id string) error {
	h := a.uploads.Watch(ctx, id)
	<-h.Done()
	if err := h.Err(); err != nil {
		return err
	}
	job := a.uploads.Job(id)
	if job == nil {
		return fmt.Errorf("job %s disappeared", id)
	}
	printJob(job)
	return nil
}

func printJob(j *upload.Job) {
	fmt.Printf("Job %s: %s (%s)\n", j.ID, j.Status, j.FileName)
	if j.Log != "" {
		fmt.Printf("  log: %s\n", j.Log)
	}
	if len(j.RawExtracted.FIOs) > 0 {
		fmt.Printf("  candidates: %s\n", strings.Join(j.RawExtracted.FIOs, "; "))
	}
	if j.PatientID != nil {
		fmt.Printf("  patient: %d\n", *j.PatientID)
	}
	if j.RecordID != nil {
		fmt.Printf("  record: %d\n", *j.RecordID)
	}
}

// -- share commands --

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage share requests",
	}
	cmd.AddCommand(shareListCmd(), shareCreateCmd(), shareGetCmd(), shareRespondCmd(), shareCancelCmd())
	return cmd
}

func shareListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List share requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			list, err := a.shares.FetchAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range list {
				fmt.Printf("#%d %s -> %s [%s] %d record(s)\n",
					r.ID, r.PatientName, r.ToEmail, r.Aggregate(), len(r.Shares))
			}
			return nil
		},
	}
}

func shareCreateCmd() *cobra.Command {
	var patientID int64
	var toEmail string
	var recordIDs []int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Offer records to another user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			req, err := a.shares.Create(cmd.Context(), patientID, toEmail, recordIDs)
			if err != nil {
				return err
			}
			fmt.Printf("Share request #%d created for %s\n", req.ID, req.ToEmail)
			return nil
		},
	}
	cmd.Flags().Int64Var(&patientID, "patient", 0, "Patient id")
	cmd.Flags().StringVar(&toEmail, "to", "", "Recipient email")
	cmd.Flags().Int64SliceVar(&recordIDs, "records", nil, "Record ids to share")
	cmd.MarkFlagRequired("patient")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("records")
	return cmd
}

func shareGetCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one share request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			id, err := parseInt64(args[0])
			if err != nil {
				return err
			}
			if watch {
				h := a.shares.Watch(cmd.Context(), id)
				<-h.Done()
				if err := h.Err(); err != nil {
					return err
				}
			}
			req, err := a.shares.FetchOne(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("#%d %s -> %s [%s]\n", req.ID, req.PatientName, req.ToEmail, req.Aggregate())
			for _, s := range req.Shares {
				fmt.Printf("  share %d record %d: %s\n", s.ID, s.RecordID, s.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until every share is answered")
	return cmd
}

func shareRespondCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "respond <request-id> <share-id>",
		Short: "Accept or decline a shared record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			reqID, err := parseInt64(args[0])
			if err != nil {
				return err
			}
			shareID, err := parseInt64(args[1])
			if err != nil {
				return err
			}
			// The CLI fetches before responding so the local pending check
			// runs against fresh state.
			if _, err := a.shares.FetchOne(cmd.Context(), reqID); err != nil {
				return err
			}
			req, err := a.shares.Respond(cmd.Context(), reqID, shareID, share.Action(action))
			if err != nil {
				return err
			}
			fmt.Printf("Request #%d is now %s\n", req.ID, req.Aggregate())
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "accept or decline")
	cmd.MarkFlagRequired("action")
	return cmd
}

func shareCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw a share request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			id, err := parseInt64(args[0])
			if err != nil {
				return err
			}
			if err := a.shares.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Share request #%d cancelled\n", id)
			return nil
		},
	}
}

func parseInt64(s string) (int64, error) {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}
