// Command nictl is a terminal client for the news-integrity auth service.
// It drives the session manager the same way the app does: sign-in falls
// back to the offline credential cache when the service is unreachable, and
// sessions survive restarts through the local store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"news-integrity/client/internal/api"
	"news-integrity/client/internal/config"
	"news-integrity/client/internal/session/domain"
	"news-integrity/client/internal/session/service"
	"news-integrity/client/internal/telemetry/otel"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "nictl", false)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	m, err := service.Build(cfg)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	if err := run(ctx, m, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, m *service.Manager, cmd string, args []string) error {
	switch cmd {
	case "login":
		return cmdLogin(ctx, m, args)
	case "register":
		return cmdRegister(ctx, m, args)
	case "whoami":
		return cmdWhoami(ctx, m)
	case "refresh":
		return cmdRefresh(ctx, m)
	case "logout":
		return cmdLogout(ctx, m)
	case "update-profile":
		return cmdUpdateProfile(ctx, m, args)
	case "change-password":
		return cmdChangePassword(ctx, m, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: nictl <command> [flags]

commands:
  login            sign in (offline fallback when the service is unreachable)
  register         create an account
  whoami           show the current user
  refresh          force a token refresh
  logout           sign out and purge local session state
  update-profile   edit profile fields
  change-password  rotate the account password`)
}

func cmdLogin(ctx context.Context, m *service.Manager, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	_ = fs.Parse(args)
	if *email == "" || *password == "" {
		return errors.New("-email and -password are required")
	}

	res, err := m.SignIn(ctx, *email, *password)
	if err != nil {
		return err
	}
	if res.RemoteErr != nil {
		log.Printf("service unreachable (%v); signed in offline", res.RemoteErr)
	}
	printSession(res.Session)
	return nil
}

func cmdRegister(ctx context.Context, m *service.Manager, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	region := fs.String("region", "", "location region")
	_ = fs.Parse(args)
	if *email == "" || *password == "" {
		return errors.New("-email and -password are required")
	}

	res, err := m.SignUp(ctx, api.Registration{
		Email:          *email,
		Password:       *password,
		FirstName:      *first,
		LastName:       *last,
		LocationRegion: *region,
	})
	if err != nil {
		return err
	}
	printSession(res.Session)
	return nil
}

func cmdWhoami(ctx context.Context, m *service.Manager) error {
	sess := m.Initialize(ctx)
	if !sess.Authenticated() {
		return errors.New("not signed in")
	}
	profile, err := m.CurrentUser(ctx)
	if err != nil {
		return err
	}
	printJSON(profile)
	if sess.Mode == domain.ModeFallback {
		log.Println("(offline session)")
	}
	return nil
}

func cmdRefresh(ctx context.Context, m *service.Manager) error {
	sess := m.Initialize(ctx)
	if !sess.Authenticated() {
		return errors.New("not signed in")
	}
	if sess.Mode == domain.ModeFallback {
		return errors.New("offline session has no tokens to refresh")
	}
	if _, err := m.Refresh(ctx); err != nil {
		return err
	}
	log.Println("token refreshed")
	return nil
}

func cmdLogout(ctx context.Context, m *service.Manager) error {
	m.Initialize(ctx)
	m.SignOut(ctx)
	log.Println("signed out")
	return nil
}

func cmdUpdateProfile(ctx context.Context, m *service.Manager, args []string) error {
	fs := flag.NewFlagSet("update-profile", flag.ExitOnError)
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	region := fs.String("region", "", "location region")
	image := fs.String("image", "", "profile image URL")
	_ = fs.Parse(args)

	var update domain.ProfileUpdate
	if *first != "" {
		update.FirstName = first
	}
	if *last != "" {
		update.LastName = last
	}
	if *region != "" {
		update.LocationRegion = region
	}
	if *image != "" {
		update.ProfileImage = image
	}

	sess := m.Initialize(ctx)
	if !sess.Authenticated() {
		return errors.New("not signed in")
	}
	if sess.Mode == domain.ModeFallback {
		profile, err := m.UpdateLocalProfile(update)
		if err != nil {
			return err
		}
		log.Println("offline session: profile updated locally only")
		printJSON(profile)
		return nil
	}
	profile, err := m.UpdateProfile(ctx, update)
	if err != nil {
		return err
	}
	printJSON(profile)
	return nil
}

func cmdChangePassword(ctx context.Context, m *service.Manager, args []string) error {
	fs := flag.NewFlagSet("change-password", flag.ExitOnError)
	current := fs.String("current", "", "current password")
	updated := fs.String("new", "", "new password")
	_ = fs.Parse(args)
	if *current == "" || *updated == "" {
		return errors.New("-current and -new are required")
	}

	sess := m.Initialize(ctx)
	if !sess.Authenticated() {
		return errors.New("not signed in")
	}
	if sess.Mode == domain.ModeFallback {
		return errors.New("password changes require the service to be reachable")
	}
	if err := m.ChangePassword(ctx, *current, *updated); err != nil {
		return err
	}
	log.Println("password changed")
	return nil
}

func printSession(sess domain.Session) {
	printJSON(sess.User)
	switch {
	case sess.IsGuest:
		log.Println("(guest session)")
	case sess.Mode == domain.ModeFallback:
		log.Println("(offline session)")
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(b))
}
