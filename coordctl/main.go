package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/openshelf/stacks/coordinate"
)

const CoordCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Shelf coordination control.

Usage:
    coordctl login --api_url=<api_url>
        --user_auth=<user_auth>
        [--password=<password>]
    coordctl search --api_url=<api_url> [--jwt=<jwt>] <query>
    coordctl record --api_url=<api_url> [--jwt=<jwt>] <key>
    coordctl place-hold --api_url=<api_url> --jwt=<jwt>
        --record_key=<record_key>
        --patron_key=<patron_key>
        [--pickup_at=<pickup_at>]
    coordctl prefs --api_url=<api_url> --jwt=<jwt>
        [--layout_key=<layout_key>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --user_auth=<user_auth>
    --password=<password>      Prompted for when omitted.
    --jwt=<jwt>                Your session JWT.
    --record_key=<record_key>
    --patron_key=<patron_key>
    --pickup_at=<pickup_at>
    --layout_key=<layout_key>   Preference layout resource key.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoordCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if search_, _ := opts.Bool("search"); search_ {
		search(opts)
	} else if record_, _ := opts.Bool("record"); record_ {
		record(opts)
	} else if placeHold_, _ := opts.Bool("place-hold"); placeHold_ {
		placeHold(opts)
	} else if prefs_, _ := opts.Bool("prefs"); prefs_ {
		prefs(opts)
	}
}

func newApi(opts docopt.Opts) *coordinate.ShelfApi {
	apiUrl, _ := opts.String("--api_url")
	api := coordinate.NewShelfApi(apiUrl)

	sessionMonitor := coordinate.NewSessionMonitorWithDefaults()
	sessionMonitor.AddSessionExpiredCallback(func() {
		Err.Printf("Session expired, log in again.")
	})
	api.SetSessionMonitor(sessionMonitor)

	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		// catch a locally expired token before issuing any call
		if !sessionMonitor.CheckJwt(jwt) {
			os.Exit(1)
		}
		api.SetJwt(jwt)
	}
	return api
}

// log in and print the session jwt
func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")

	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			Err.Printf("Could not read password (%s).", err)
			return
		}
		password = string(passwordBytes)
	}

	api := newApi(opts)
	defer api.Close()

	result, err := api.AuthLoginSync(&coordinate.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		Err.Printf("Login failed (%s).", err)
		return
	}
	if !result.Ok {
		message := "rejected"
		if result.Error != nil {
			message = result.Error.Message
		}
		Err.Printf("Login failed (%s).", message)
		return
	}

	Out.Printf("%s", result.Jwt)
}

// incremental catalog search
func search(opts docopt.Opts) {
	query, _ := opts.String("<query>")

	api := newApi(opts)
	defer api.Close()

	result, err := api.CatalogSearchSync(query)
	if err != nil {
		Err.Printf("Search failed (%s).", err)
		return
	}

	for _, record := range result.Records {
		if record.Author != "" {
			Out.Printf("%s  %s (%s)", record.RecordKey, record.Title, record.Author)
		} else {
			Out.Printf("%s  %s", record.RecordKey, record.Title)
		}
	}
}

// exact lookup of one record by key
func record(opts docopt.Opts) {
	key, _ := opts.String("<key>")

	timeout := 30 * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(opts)
	defer api.Close()

	selected := make(chan *coordinate.LookupRecord)
	missing := make(chan string)
	errs := make(chan error)

	settings := coordinate.DefaultLookupBindingSettings()
	settings.SearchEndpoint = "/catalog/search?q="
	settings.RecordEndpoint = "/catalog/records/"
	settings.SelectedCallback = func(record *coordinate.LookupRecord) {
		selected <- record
	}
	settings.NotFoundCallback = func(key string) {
		missing <- key
	}
	settings.ErrorCallback = func(err error) {
		errs <- err
	}

	binding := coordinate.NewLookupBinding(cancelCtx, api, coordinate.NewDedupCache(), settings)
	defer binding.Close()

	binding.LookupByKey(key)

	select {
	case record := <-selected:
		Out.Printf("%s  %s", record.Key, record.Label)
		for field, value := range record.Fields {
			Out.Printf("    %s: %s", field, value)
		}
	case key := <-missing:
		Out.Printf("No record for %s.", key)
	case err := <-errs:
		Err.Printf("Lookup failed (%s).", err)
	case <-time.After(timeout):
		Err.Printf("Lookup failed (timeout).")
	}
}

// place a hold, retried once on timeout with the same idempotency key
func placeHold(opts docopt.Opts) {
	recordKey, _ := opts.String("--record_key")
	patronKey, _ := opts.String("--patron_key")
	pickupAt, _ := opts.String("--pickup_at")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(opts)
	defer api.Close()
	api.DeclareIdempotent("/holds/place")

	binding := coordinate.NewWriteBindingWithDefaults[*coordinate.PlaceHoldArgs, coordinate.PlaceHoldResult](cancelCtx, api)
	defer binding.Close()

	callback, settled := coordinate.NewBlockingApiCallback[*coordinate.PlaceHoldResult]()
	binding.Execute("/holds/place", &coordinate.PlaceHoldArgs{
		RecordKey: recordKey,
		PatronKey: patronKey,
		PickupAt:  pickupAt,
	}, callback)

	outcome := <-settled
	if outcome.Error != nil {
		Err.Printf("Place hold failed (%s).", outcome.Error)
		return
	}

	result := outcome.Result
	Out.Printf("Hold %s placed, position %d in queue.", result.HoldKey, result.Queue)
}

// show the persisted preference layout
func prefs(opts docopt.Opts) {
	layoutKey := "/prefs/layout"
	if layoutKey_, err := opts.String("--layout_key"); err == nil && layoutKey_ != "" {
		layoutKey = layoutKey_
	}

	timeout := 30 * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(opts)
	defer api.Close()

	loaded := make(chan *coordinate.PreferenceLayout)
	errs := make(chan error)

	settings := coordinate.DefaultReadBindingSettings[coordinate.PreferenceLayout]()
	settings.SuccessCallback = func(layout *coordinate.PreferenceLayout) {
		loaded <- layout
	}
	settings.ErrorCallback = func(err error) {
		errs <- err
	}

	binding := coordinate.NewReadBinding[coordinate.PreferenceLayout](
		cancelCtx,
		api,
		coordinate.NewDedupCache(),
		coordinate.ResourceKey(layoutKey),
		settings,
	)
	defer binding.Close()

	select {
	case layout := <-loaded:
		for _, item := range layout.Items {
			enabled := "off"
			if item.Enabled {
				enabled = "on"
			}
			Out.Printf("%2d  %-4s %s", item.Order, enabled, item.Id)
		}
	case err := <-errs:
		Err.Printf("Load failed (%s).", err)
	case <-time.After(timeout):
		Err.Printf("Load failed (timeout).")
	}
}
