package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/docopt/docopt-go"

	"RemoteSettings/client"
	"RemoteSettings/internal/logger"
)

// Version is the command version.
const Version = "0.1.0"

var usage = fmt.Sprintf(`Remote Settings client.

Fetches a collection, verifies it and keeps a local cache that stays
readable when the server is not.

The default server is %s

Usage:
    rsclient get <collection>
        [--config=<file>] [--bucket=<bucket>] [--server=<url>]
        [--backend=<backend>] [--cache=<path>] [--trust=<key>...]
        [--quorum] [--fallback] [--http3] [--timeout=<duration>] [--log=<level>]
    rsclient cached [<collection>]
        [--config=<file>] [--bucket=<bucket>] [--backend=<backend>]
        [--cache=<path>] [--log=<level>]
    rsclient keygen [--seed=<hex>]
    rsclient sign <collection> <file> --seed=<hex> [--bucket=<bucket>]
    rsclient -h | --help
    rsclient --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<file>        YAML file with default options.
    --bucket=<bucket>      Bucket name, main if unset.
    --server=<url>         Service root URL.
    --backend=<backend>    Cache backend: file, pebble, sqlite or memory.
    --cache=<path>         Cache folder.
    --trust=<key>          Hex BLS public key to trust. Repeatable.
    --quorum               Require an aggregate signature from every trusted key.
    --fallback             Serve the cache when verification fails.
    --http3                Fetch over HTTP/3.
    --timeout=<duration>   Request timeout, e.g. 30s.
    --log=<level>          Log level: debug, info, warn, error.
    --seed=<hex>           32 byte hex seed for the signing key.`,
	client.DefaultServerURL,
)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches the parsed command.
func run(opts docopt.Opts, out io.Writer) error {
	if keygen, _ := opts.Bool("keygen"); keygen {
		seed, _ := opts.String("--seed")
		return runKeygen(seed, out)
	}

	if sign, _ := opts.Bool("sign"); sign {
		return runSign(opts, out)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if get, _ := opts.Bool("get"); get {
		return runGet(ctx, cfg, out)
	}

	return runCached(cfg, out)
}
