package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hostedid/mailsend/internal/config"
	"github.com/hostedid/mailsend/internal/email"
	"github.com/hostedid/mailsend/internal/logger"
)

var version = "0.1.0"

type sendOptions struct {
	configPath string
	from       string
	to         []string
	subject    string
	body       string
	attach     string
	relay      string
	dryRun     bool
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mailsend",
		Short:         "Send an email with an optional attachment through an SMTP submission relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one email",
		Long: "Send one email through the configured relay using STARTTLS and AUTH PLAIN.\n" +
			"The relay password is read from EMAIL_PASSWORD.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to a mailsend.yaml config file")
	f.StringVar(&opts.from, "from", "", "sender address (default email.sender_address)")
	f.StringSliceVar(&opts.to, "to", nil, "recipient address, repeatable")
	f.StringVar(&opts.subject, "subject", "Test", "email subject")
	f.StringVar(&opts.body, "body", "This is a test email.", "plain-text body")
	f.StringVar(&opts.attach, "attach", "", "path of a file to attach")
	f.StringVar(&opts.relay, "relay", "", "relay host, optionally host:port (default email.relay_host)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "print the composed message instead of sending it")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mailsend %s\n", version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		reportError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// sendError is a failed send whose result line was already printed.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// reportError prints err unless it only repeats a printed result.
func reportError(w io.Writer, err error) {
	var se *sendError
	if errors.As(err, &se) {
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func runSend(cmd *cobra.Command, opts *sendOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	from := opts.from
	if from == "" {
		from = cfg.Email.SenderAddress
	}
	if from == "" {
		return errors.New("please provide the email address of the sender (--from)")
	}
	if len(opts.to) == 0 {
		return errors.New("please provide the email address of the recipient (--to)")
	}
	if opts.relay != "" {
		cfg.Email.RelayHost = opts.relay
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Debug().Str("relay", cfg.Email.Address()).Str("sender", from).Msg("using relay")

	sender := email.NewSMTPSender(smtpConfig(cfg.Email, from), log)
	msg := email.Message{
		To:         opts.to,
		Subject:    opts.subject,
		Body:       opts.body,
		Attachment: opts.attach,
	}

	if opts.dryRun {
		return writeComposed(cmd.OutOrStdout(), sender, msg)
	}

	res := sender.Send(cmd.Context(), msg)
	fmt.Fprintln(cmd.OutOrStdout(), res.String())

	if err := res.Err(); err != nil {
		return &sendError{err: err}
	}
	return nil
}

func writeComposed(w io.Writer, sender *email.SMTPSender, msg email.Message) error {
	data, err := sender.Compose(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func smtpConfig(c config.EmailConfig, from string) email.SMTPConfig {
	return email.SMTPConfig{
		SenderAddress:      from,
		RelayHost:          c.RelayHost,
		Port:               c.Port,
		Credential:         c.Password,
		LocalName:          c.LocalName,
		DialTimeout:        c.DialTimeout,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}
