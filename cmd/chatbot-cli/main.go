// Command chatbot-cli answers one JSON request and prints one JSON line.
//
//	chatbot-cli '{"action":"send_message","session_id":1,"message":"..."}'
//	echo '{"command":"health"}' | chatbot-cli --stdin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"ehr-chatbot/internal/app"
	"ehr-chatbot/internal/cli"
	"ehr-chatbot/internal/config"
	"ehr-chatbot/internal/db"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	fromStdin := flag.Bool("stdin", false, "read the JSON request from standard input")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [--stdin] [json]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	raw, err := readInput(*fromStdin, flag.Args())
	if err != nil {
		return fail(err)
	}

	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			return fail(fmt.Errorf("configuration error: %w", err))
		}
		return fail(err)
	}
	// stdout carries the protocol; logs go to stderr
	log := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogJSON)

	req, err := cli.ParseRequest(raw)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	client := app.NewLLMClient(cfg)
	bot := app.NewBot(cfg, client, log, nil)

	var (
		store     service.Store
		publisher service.Publisher
	)
	if req.NeedsStore() {
		conn, err := app.OpenDB(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		defer conn.Close()
		store = db.NewRepository(conn)
		publisher = db.NewNotifier(conn, cfg.DatabaseURL, cfg.NotifyChannel)
	}

	svc := service.New(store, bot, app.NewSummarizer(cfg, client), publisher, log, nil)
	res, err := cli.NewDispatcher(svc, store != nil).Dispatch(ctx, req)
	if err != nil {
		return fail(err)
	}
	if err := cli.WriteResult(os.Stdout, res); err != nil {
		return 1
	}
	return 0
}

func readInput(fromStdin bool, args []string) ([]byte, error) {
	switch {
	case fromStdin:
		return io.ReadAll(os.Stdin)
	case len(args) > 0:
		return []byte(args[0]), nil
	}
	return nil, fmt.Errorf("%w: no input provided", service.ErrInvalidInput)
}

func fail(err error) int {
	_ = cli.WriteResult(os.Stdout, cli.ErrorResult(err))
	return 1
}
