package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"tethermux/internal/config"
	"tethermux/internal/session"
)

const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagPort        = "port"
	flagMode        = "mode"
	flagIdentity    = "identity"
	flagPasswordEnv = "password-env"
	flagHost        = "host"
	flagSave        = "save"
)

// appSettings is loaded once in earlyStage.
var appSettings *config.Settings

func main() {
	app := cli.Command{
		Name:      "tethermux",
		Usage:     "multiplex terminal tabs over shared ssh sessions",
		UsageText: "tethermux [global flags] command [flags] [args]",
		Before:    earlyStage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagConfig,
				Usage: "settings file",
				Value: config.SettingsPath(),
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "override the log level from settings",
			},
		},
		Commands: []*cli.Command{
			&connectCommand,
			&execCommand,
			&envCommand,
			&settingsCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func earlyStage(ctx context.Context, command *cli.Command) (context.Context, error) {
	setLogrus()

	s, err := config.Load(command.String(flagConfig))
	if err != nil {
		return ctx, err
	}
	if lvl := command.String(flagLogLevel); lvl != "" {
		s.LogLevel = lvl
		if err := s.Validate(); err != nil {
			return ctx, err
		}
	}
	logrus.SetLevel(s.Level())
	appSettings = s

	ctx, _ = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	return ctx, nil
}

func setLogrus() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.InfoLevel)
}

// connectionFlags are shared by every command that opens a session.
func connectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    flagPort,
			Aliases: []string{"p"},
			Usage:   "remote port (default from settings)",
		},
		&cli.StringFlag{
			Name:  flagMode,
			Usage: "authentication mode: prompt, stored or key",
			Value: "prompt",
		},
		&cli.StringFlag{
			Name:    flagIdentity,
			Aliases: []string{"i"},
			Usage:   "private key for key mode",
		},
		&cli.StringFlag{
			Name:  flagPasswordEnv,
			Usage: "environment variable holding the password for stored mode",
		},
	}
}

// target is one user@host[:port] argument.
type target struct {
	User string
	Host string
	Port int
}

func parseTarget(arg string, defaultPort int) (target, error) {
	t := target{Port: defaultPort}
	s := arg
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.User, s = s[:i], s[i+1:]
	}
	if h, p, ok := strings.Cut(s, ":"); ok && !strings.Contains(p, ":") {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return t, fmt.Errorf("bad port in %q", arg)
		}
		s, t.Port = h, port
	}
	if s == "" {
		return t, fmt.Errorf("missing host in %q", arg)
	}
	t.Host = s
	return t, nil
}

// requestFor builds the auth request for t from the connection flags.
func requestFor(command *cli.Command, t target) (session.AuthRequest, error) {
	mode, err := session.ParseAuthMode(command.String(flagMode))
	if err != nil {
		return session.AuthRequest{}, err
	}
	if p := command.Int(flagPort); p != 0 {
		t.Port = int(p)
	}
	req := session.AuthRequest{
		Host:         t.Host,
		User:         t.User,
		Port:         t.Port,
		Mode:         mode,
		IdentityFile: command.String(flagIdentity),
	}
	if name := command.String(flagPasswordEnv); name != "" {
		pw, ok := os.LookupEnv(name)
		if !ok {
			return req, fmt.Errorf("environment variable %s is not set", name)
		}
		req.Password = []byte(pw)
	}
	if mode == session.AuthStored && len(req.Password) == 0 {
		return req, fmt.Errorf("stored mode needs --%s", flagPasswordEnv)
	}
	return req, nil
}
