// Command createuser adds an account. There is no self-service
// registration, so this is how users get into the system.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/logging"
)

const usernameConstraint = "accounts_username_key"

func main() {
	opts, err := config.LoadOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var username, password string
	flag.StringVar(&opts.DatabaseDSN, "dsn", opts.DatabaseDSN, "database connection string")
	flag.StringVar(&username, "username", "", "username of the new account")
	flag.StringVar(&password, "password", "", "password of the new account, read from stdin when empty")
	flag.Parse()

	logger := logging.StdLogger(logging.New(logging.Config{
		Level:  opts.LogLevel,
		Pretty: true,
	}), "createuser")

	username = strings.TrimSpace(username)
	if username == "" {
		logger.Fatal("username is required")
	}

	if password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			logger.Fatal("read password: ", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		logger.Fatal("password is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewPgGoChatRepository(ctx, opts.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer db.Close()

	if opts.Migrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("db migrate: ", err)
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		logger.Fatal("hash password: ", err)
	}

	user, err := db.CreateAccount(ctx, database.CreateAccountParams{
		Username:     username,
		PasswordHash: hash,
	})
	if err != nil {
		if database.IsUniqueViolation(err, usernameConstraint) {
			logger.Fatalf("username %q is taken", username)
		}
		logger.Fatal("create account: ", err)
	}

	logger.Printf("created account %d (%s)", user.Id, user.Username)
}
