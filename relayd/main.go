package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/scriblio/scriblio/relay"
)

const RelaydVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Scriblio relay server.

The relay routes whiteboard room channels (presence, signaling,
document deltas) between subscribed clients. With a redis url, multiple
relay instances share channels through redis pub/sub.

Usage:
    relayd [--listen=<addr>] [--redis_url=<redis_url>] [--verbose]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --listen=<addr>          Listen address [default: 127.0.0.1:8787].
    --redis_url=<redis_url>  Redis url, e.g. redis://127.0.0.1:6379/0.
    --verbose                Verbose logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		initGlog("1")
	} else {
		initGlog("0")
	}

	listen, _ := opts.String("--listen")
	redisUrl, _ := opts.String("--redis_url")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := relay.NewServerWithDefaults(cancelCtx, listen, redisUrl)
	if err != nil {
		Err.Fatalf("could not create relay server (%s)", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		Out.Printf("shutting down")
		server.Close()
	}()

	Out.Printf("relayd %s listening on %s", RelaydVersion, listen)
	if err := server.ListenAndServe(); err != nil {
		Err.Fatalf("serve error (%s)", err)
	}
}

func initGlog(v string) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", v)
	flag.Parse()
}
