// collabtoken mints a bearer token for local testing against the
// collaboration server. It signs with the same SECRET_KEY the server uses.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"diagram-collab-server/auth"
	"diagram-collab-server/domain"
)

func main() {
	godotenv.Load()
	if err := run(os.Args[1:], os.Getenv("SECRET_KEY"), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "collabtoken: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, defaultSecret string, out io.Writer) error {
	var (
		secret string
		user   domain.User
		ttl    time.Duration
	)

	flags := pflag.NewFlagSet("collabtoken", pflag.ContinueOnError)
	flags.StringVar(&secret, "secret", defaultSecret, "signing key (defaults to $SECRET_KEY)")
	flags.StringVar(&user.ID, "sub", "", "user id placed in the sub claim (required)")
	flags.StringVar(&user.Username, "username", "", "display name (required)")
	flags.StringVar(&user.Email, "email", "", "email, matched against document collaborators")
	flags.StringVar(&user.Avatar, "avatar", "", "avatar URL")
	flags.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if secret == "" {
		return errors.New("no signing key: pass --secret or set SECRET_KEY")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	token, err := auth.NewIssuer(secret).Issue(user, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
