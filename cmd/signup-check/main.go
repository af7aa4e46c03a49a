package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coleymr/doit-easily-marketplace/internal/signup"
)

// Submits a signup form against a running gateway and reports the outcome,
// the way the hosted signup page would. Pass a token from a marketplace
// signup redirect to smoke-test a deployment end to end.
func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080/login", "login endpoint URL")
	token := flag.String("token", "", "registration token ("+signup.TokenParam+")")
	pageURL := flag.String("page-url", "", "signup page URL to take the token from instead of -token")
	email := flag.String("email", "", "email form field")
	company := flag.String("company", "", "company form field")
	noGuard := flag.Bool("no-guard", false, "submit even without a registration token")
	timeout := flag.Duration("timeout", 15*time.Second, "request timeout")
	flag.Parse()

	var rawQuery string
	switch {
	case *token != "":
		rawQuery = signup.TokenParam + "=" + url.QueryEscape(*token)
	case *pageURL != "":
		parsed, err := url.Parse(*pageURL)
		if err != nil {
			log.Fatalf("parse page URL: %v", err)
		}
		rawQuery = parsed.RawQuery
	}

	controller, err := signup.NewController(signup.Config{
		Endpoint: *endpoint,
		Policy:   signup.Policy{RequireToken: !*noGuard},
		Timeout:  *timeout,
	})
	if err != nil {
		log.Fatalf("build controller: %v", err)
	}

	form := signup.NewForm()
	if *email != "" {
		form.Add("email", *email)
	}
	if *company != "" {
		form.Add("company", *company)
	}

	result := controller.Submit(context.Background(), form, rawQuery)

	fmt.Printf("outcome: %s\n", result.Outcome)
	if result.Sent() {
		fmt.Printf("status: %d\n", result.StatusCode)
	}
	for _, alert := range controller.Alerts().Alerts() {
		fmt.Printf("alert [%s]: %s\n", alert.Severity, alert.Message)
	}

	if result.Outcome != signup.OutcomeAccepted {
		os.Exit(1)
	}
}
