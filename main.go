package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/braintree/manners"
	"github.com/caarlos0/env/v11"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	flags "github.com/jessevdk/go-flags"
	"github.com/rs/cors"

	"github.com/oauthrelay/CrmOauthTokenServer/store"
	"github.com/oauthrelay/CrmOauthTokenServer/token"
)

const description = "CRM oauth token relay"
const version = "0.1.0 August 2026"
const usage = " <options>" + "\n\n  " + description

// Opts are the command line options
type Opts struct {
	Port        string   `short:"p" long:"port" description:"port to run on" default:"5001"`
	Addr        string   `short:"n" long:"address" description:"network address to run on" default:"127.0.0.1"`
	Redirect    string   `short:"r" long:"redirect" description:"oauth2 redirect address" default:"http://localhost:5001/oauth/callback"`
	Scopes      []string `short:"o" long:"scopes" description:"oauth2 scopes" default:"contacts.readonly" default:"opportunities.readonly" default:"locations.readonly"`
	RefreshMins int      `short:"m" long:"refreshmins" description:"remaining token lifetime in minutes triggering refresh" default:"5"`
	TimeoutSecs int      `short:"t" long:"timeoutsecs" description:"provider call timeout in seconds" default:"15"`
}

// Secrets are read from the environment so they never appear in
// process listings
type Secrets struct {
	ClientID     string `env:"CRM_CLIENT_ID"`
	ClientSecret string `env:"CRM_CLIENT_SECRET"`
	APIKey       string `env:"RELAY_API_KEY"`
}

func main() {

	var options Opts
	var parser = flags.NewParser(&options, flags.Default)
	parser.Usage = fmt.Sprintf("%s : %s", usage, version)

	if _, err := parser.Parse(); err != nil {
		flagError := err.(*flags.Error)
		if flagError.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stdout)
		}
		os.Exit(1)
	}

	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		log.Printf("environment parse error %s", err)
		os.Exit(1)
	}
	if secrets.ClientID == "" || secrets.ClientSecret == "" {
		log.Printf("CRM_CLIENT_ID or CRM_CLIENT_SECRET is not set; authorization will be unavailable")
	}
	if secrets.APIKey == "" {
		log.Printf("RELAY_API_KEY is not set; api endpoints will reject all requests")
	}

	manager, err := token.NewManager(token.Config{
		ClientID:         secrets.ClientID,
		ClientSecret:     secrets.ClientSecret,
		RedirectURL:      options.Redirect,
		Scopes:           options.Scopes,
		APIKey:           secrets.APIKey,
		RefreshThreshold: time.Duration(options.RefreshMins) * time.Minute,
		HTTPTimeout:      time.Duration(options.TimeoutSecs) * time.Second,
	}, store.NewMemoryStore())
	if err != nil {
		log.Printf("token manager error %s\n", err)
		os.Exit(1)
	}

	// endpoint routing; gorilla mux is used because "/" in http.NewServeMux
	// is a catch-all pattern
	r := mux.NewRouter()
	r.HandleFunc("/", manager.HandleAuthorize)
	r.HandleFunc("/authorize", manager.HandleAuthorize)
	r.HandleFunc("/oauth/callback", manager.HandleCallback)
	r.HandleFunc("/livez", manager.HandleLivez)
	r.HandleFunc("/token", manager.HandleToken)
	r.HandleFunc("/refresh", manager.HandleRefresh)
	r.HandleFunc("/installations", manager.HandleInstallations)
	r.HandleFunc("/webhook", manager.HandleWebhook)

	// wrap the router in cors, a recovery handler and a logging handler
	hdl := handlers.RecoveryHandler()(
		handlers.LoggingHandler(os.Stdout,
			cors.AllowAll().Handler(r)))

	// catch signals for graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go listenForShutdown(ch)

	log.Printf("serving on %s:%s", options.Addr, options.Port)
	if err := manners.ListenAndServe(options.Addr+":"+options.Port, hdl); err != nil {
		log.Printf("server error %s", err)
		os.Exit(1)
	}
}

func listenForShutdown(ch <-chan os.Signal) {
	<-ch
	log.Print("Closing the server")
	manners.Close()
}
