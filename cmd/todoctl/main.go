package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/todolane/todolane/pkg/identity"
	"github.com/todolane/todolane/sdk/go/todolane"
)

const usage = `usage: todoctl <command> [flags]

commands:
  signup    create an account (--email, --password-file)
  login     sign in (--email, --password-file)
  logout    end the current session
  whoami    show the signed-in user
  list      list your todos, newest first
  add       create a todo (--name, --description)
  complete  mark a todo completed: todoctl complete <id>
  delete    delete a completed todo: todoctl delete <id>
`

var errUsage = errors.New("usage")

// env is the process environment a command runs against.
type env struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

type app struct {
	env      env
	sessions *todolane.SessionManager
	api      *todolane.Client
}

type globalFlags struct {
	apiURL      string
	identityURL string
	identityKey string
	sessionFile string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], env{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, e env) int {
	if len(args) < 1 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(e.stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]

	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var g globalFlags
	fs.StringVar(&g.apiURL, "api-url", envOr(e, "TODOLANE_API_URL", "http://localhost:8080"), "todo API base URL")
	fs.StringVar(&g.identityURL, "identity-url", e.getenv("TODOLANE_IDENTITY_URL"), "identity provider base URL")
	fs.StringVar(&g.identityKey, "identity-key", e.getenv("TODOLANE_IDENTITY_KEY"), "identity provider public (anon) key")
	fs.StringVar(&g.sessionFile, "session-file", e.getenv("TODOLANE_SESSION_FILE"), "where the session is stored")

	var email, passwordFile, name, description string
	switch cmd {
	case "signup", "login":
		fs.StringVar(&email, "email", "", "account email")
		fs.StringVar(&passwordFile, "password-file", "", `read the password from a file ("-" or empty prompts)`)
	case "add":
		fs.StringVar(&name, "name", "", "todo name (required)")
		fs.StringVar(&description, "description", "", "todo description")
	case "logout", "whoami", "list", "complete", "delete":
	default:
		fmt.Fprintf(e.stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	a, err := newApp(e, g)
	if err != nil {
		fmt.Fprintf(e.stderr, "todoctl: %v\n", err)
		return 1
	}

	switch cmd {
	case "signup":
		err = a.signup(ctx, email, passwordFile)
	case "login":
		err = a.login(ctx, email, passwordFile)
	case "logout":
		err = a.logout(ctx)
	case "whoami":
		err = a.protected(ctx, a.whoami)
	case "list":
		err = a.protected(ctx, a.list)
	case "add":
		err = a.protected(ctx, func(ctx context.Context, _ *todolane.Session) error { return a.add(ctx, name, description) })
	case "complete", "delete":
		id, perr := parseID(fs.Args())
		if perr != nil {
			fmt.Fprintf(e.stderr, "todoctl %s: %v\n", cmd, perr)
			return 2
		}
		if cmd == "complete" {
			err = a.protected(ctx, func(ctx context.Context, _ *todolane.Session) error { return a.complete(ctx, id) })
		} else {
			err = a.protected(ctx, func(ctx context.Context, _ *todolane.Session) error { return a.remove(ctx, id) })
		}
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(e.stderr, "todoctl %s: %s\n", cmd, describe(err))
		return 1
	}
	return 0
}

func newApp(e env, g globalFlags) (*app, error) {
	path := g.sessionFile
	if path == "" {
		p, err := todolane.DefaultSessionPath()
		if err != nil {
			return nil, fmt.Errorf("locate session file: %w", err)
		}
		path = p
	}
	var provider todolane.IdentityProvider = missingProvider{}
	if strings.TrimSpace(g.identityURL) != "" {
		provider = identity.New(g.identityURL, g.identityKey)
	}
	sessions := todolane.NewSessionManager(provider, todolane.FileSessionStore{Path: path})
	return &app{
		env:      e,
		sessions: sessions,
		api:      todolane.NewClient(g.apiURL, sessions, todolane.WithCache(todolane.NewItemCache())),
	}, nil
}

// protected runs fn only after the one session check confirms a signed-in
// user; otherwise it sends the user to login.
func (a *app) protected(ctx context.Context, fn func(context.Context, *todolane.Session) error) error {
	sess, err := a.sessions.CheckSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return todolane.ErrNoSession
	}
	return fn(ctx, sess)
}

func (a *app) signup(ctx context.Context, email, passwordFile string) error {
	email, password, err := a.credentials(email, passwordFile)
	if err != nil {
		return err
	}
	sess, user, err := a.sessions.SignUp(ctx, email, password)
	if err != nil {
		return err
	}
	if sess == nil {
		fmt.Fprintf(a.env.stdout, "account created for %s; confirm your email, then run \"todoctl login\"\n", user.Email)
		return nil
	}
	fmt.Fprintf(a.env.stdout, "signed up and logged in as %s\n", sess.User.Email)
	return nil
}

func (a *app) login(ctx context.Context, email, passwordFile string) error {
	email, password, err := a.credentials(email, passwordFile)
	if err != nil {
		return err
	}
	sess, err := a.sessions.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.env.stdout, "logged in as %s\n", sess.User.Email)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.sessions.SignOut(ctx); err != nil {
		// The local session is gone either way.
		fmt.Fprintf(a.env.stderr, "warning: provider sign-out failed: %s\n", describe(err))
	}
	fmt.Fprintln(a.env.stdout, "logged out")
	return nil
}

func (a *app) whoami(_ context.Context, sess *todolane.Session) error {
	fmt.Fprintf(a.env.stdout, "%s (%s)\n", sess.User.Email, sess.User.ID)
	return nil
}

func (a *app) list(ctx context.Context, _ *todolane.Session) error {
	items, err := a.api.ListTodos(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.env.stdout, "no todos yet")
		return nil
	}
	tw := tabwriter.NewWriter(a.env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDONE\tNAME\tDESCRIPTION")
	for _, t := range items {
		done := " "
		if t.Completed {
			done = "x"
		}
		fmt.Fprintf(tw, "%d\t[%s]\t%s\t%s\n", t.ID, done, t.Name, t.Description)
	}
	return tw.Flush()
}

func (a *app) add(ctx context.Context, name, description string) error {
	if strings.TrimSpace(name) == "" {
		fmt.Fprintln(a.env.stderr, "todoctl add: --name is required")
		return errUsage
	}
	id, err := a.api.CreateTodo(ctx, name, description)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.env.stdout, "created todo %d\n", id)
	return nil
}

func (a *app) complete(ctx context.Context, id int64) error {
	if _, err := a.api.CompleteTodo(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.env.stdout, "completed todo %d\n", id)
	return nil
}

func (a *app) remove(ctx context.Context, id int64) error {
	if _, err := a.api.DeleteTodo(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.env.stdout, "deleted todo %d\n", id)
	return nil
}

func (a *app) credentials(email, passwordFile string) (string, string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		fmt.Fprintln(a.env.stderr, "--email is required")
		return "", "", errUsage
	}
	password, err := a.readPassword(passwordFile)
	if err != nil {
		return "", "", err
	}
	return email, password, nil
}

func (a *app) readPassword(passwordFile string) (string, error) {
	if passwordFile != "" && passwordFile != "-" {
		b, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", passwordFile, err)
		}
		pw := strings.TrimRight(string(b), "\r\n")
		if pw == "" {
			return "", fmt.Errorf("file %s is empty", passwordFile)
		}
		return pw, nil
	}
	if a.env.stdin == nil || !term.IsTerminal(int(a.env.stdin.Fd())) {
		return "", errors.New("no terminal available for interactive password prompt (use --password-file)")
	}
	fmt.Fprint(a.env.stderr, "Password: ")
	b, err := term.ReadPassword(int(a.env.stdin.Fd()))
	fmt.Fprintln(a.env.stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

// missingProvider stands in when no identity URL is configured so that
// commands which only need a stored session keep working.
type missingProvider struct{}

var errNoIdentityURL = errors.New("identity provider URL is not configured (set --identity-url or TODOLANE_IDENTITY_URL)")

func (missingProvider) SignUp(context.Context, string, string) (*identity.Session, *identity.User, error) {
	return nil, nil, errNoIdentityURL
}

func (missingProvider) SignInWithPassword(context.Context, string, string) (*identity.Session, error) {
	return nil, errNoIdentityURL
}

func (missingProvider) RefreshSession(context.Context, string) (*identity.Session, error) {
	return nil, errNoIdentityURL
}

func (missingProvider) SignOut(context.Context, string) error { return nil }

func describe(err error) string {
	if todolane.IsUnauthorized(err) {
		return `not logged in; run "todoctl login"`
	}
	var apiErr *todolane.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	var idErr *identity.Error
	if errors.As(err, &idErr) {
		return idErr.Message
	}
	return err.Error()
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one todo id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid todo id %q", args[0])
	}
	return id, nil
}

func envOr(e env, key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}
